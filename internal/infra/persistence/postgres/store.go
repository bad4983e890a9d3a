// Package postgres implements the engine's persistence contracts on PostgreSQL via pgx.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeplane/errs"
)

// PoolConfig tunes the pgx connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Connect opens a pgx pool for dsn, verifies connectivity and registers pool gauges.
func Connect(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.Configuration("invalid database dsn", errs.WithCause(err))
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.Database("open database pool", errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Database("ping database", errs.WithCause(err))
	}
	ObservePoolMetrics(pool, "primary")
	return pool, nil
}

// Store groups the PostgreSQL repositories sharing one pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store. A nil pool yields repositories that fail every call.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

func (s *Store) Specs() *SpecStore { return NewSpecStore(s.pool) }
func (s *Store) Performance() *PerformanceStore { return NewPerformanceStore(s.pool) }
func (s *Store) Trades() *TradeStore { return NewTradeStore(s.pool) }
func (s *Store) References() *ReferenceStore { return NewReferenceStore(s.pool) }

func errNilPool() error { return errs.Database("database pool not configured") }

func dbErr(op string, err error, opts ...errs.Option) error {
	return errs.Database(op, append([]errs.Option{errs.WithCause(err)}, opts...)...)
}
