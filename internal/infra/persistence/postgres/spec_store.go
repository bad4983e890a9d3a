package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// SpecStore persists per-venue symbol constraints.
type SpecStore struct {
	pool *pgxpool.Pool
}

// NewSpecStore constructs a SpecStore backed by the provided pool.
func NewSpecStore(pool *pgxpool.Pool) *SpecStore {
	return &SpecStore{pool: pool}
}

const (
	specColumns = `exchange, symbol, tick_size, lot_size, contract_size, active, last_verified`

	specGetSQL = `
SELECT ` + specColumns + `
FROM symbol_specs
WHERE exchange = $1 AND symbol = $2 AND active;
`
	specListSQL = `
SELECT ` + specColumns + `
FROM symbol_specs
WHERE exchange = $1
ORDER BY symbol;
`
	specUpsertSQL = `
INSERT INTO symbol_specs (
    exchange,
    symbol,
    tick_size,
    lot_size,
    contract_size,
    active,
    last_verified,
    updated_at
)
VALUES (@exchange, @symbol, @tick_size, @lot_size, @contract_size, @active, @last_verified, NOW())
ON CONFLICT (exchange, symbol) DO UPDATE SET
    tick_size = EXCLUDED.tick_size,
    lot_size = EXCLUDED.lot_size,
    contract_size = EXCLUDED.contract_size,
    active = EXCLUDED.active,
    last_verified = EXCLUDED.last_verified,
    updated_at = NOW();
`
	specDeactivateSQL = `
UPDATE symbol_specs
SET active = FALSE, updated_at = NOW()
WHERE active AND last_verified < $1;
`
)

// Get returns the active spec for the symbol.
func (s *SpecStore) Get(ctx context.Context, exchange schema.ExchangeType, symbol string) (schema.SymbolSpec, bool, error) {
	if s.pool == nil {
		return schema.SymbolSpec{}, false, errNilPool()
	}
	spec, err := scanSpec(s.pool.QueryRow(ctx, specGetSQL, string(exchange), strings.ToUpper(symbol)))
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.SymbolSpec{}, false, nil
	}
	if err != nil {
		return schema.SymbolSpec{}, false, dbErr("load symbol spec", err, errs.WithExchange(string(exchange)), errs.WithField("symbol", symbol))
	}
	return spec, true, nil
}

// Save upserts the spec keyed by exchange and symbol.
func (s *SpecStore) Save(ctx context.Context, spec schema.SymbolSpec) error {
	if s.pool == nil {
		return errNilPool()
	}
	if spec.Exchange == "" || strings.TrimSpace(spec.Symbol) == "" {
		return errs.Validation("symbol spec requires exchange and symbol")
	}
	args := pgx.NamedArgs{
		"exchange":      string(spec.Exchange),
		"symbol":        strings.ToUpper(spec.Symbol),
		"tick_size":     toNumeric(spec.TickSize),
		"lot_size":      toNumeric(spec.LotSize),
		"contract_size": toNumeric(spec.ContractSize),
		"active":        spec.Active,
		"last_verified": spec.LastVerified.UTC(),
	}
	if _, err := s.pool.Exec(ctx, specUpsertSQL, args); err != nil {
		return dbErr("save symbol spec", err, errs.WithExchange(string(spec.Exchange)), errs.WithField("symbol", spec.Symbol))
	}
	return nil
}

// List returns every stored spec for the venue ordered by symbol.
func (s *SpecStore) List(ctx context.Context, exchange schema.ExchangeType) ([]schema.SymbolSpec, error) {
	if s.pool == nil {
		return nil, errNilPool()
	}
	rows, err := s.pool.Query(ctx, specListSQL, string(exchange))
	if err != nil {
		return nil, dbErr("list symbol specs", err, errs.WithExchange(string(exchange)))
	}
	defer rows.Close()
	var out []schema.SymbolSpec
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, dbErr("scan symbol spec", err)
		}
		out = append(out, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate symbol specs", err)
	}
	return out, nil
}

// DeactivateVerifiedBefore marks specs not verified since cutoff inactive.
func (s *SpecStore) DeactivateVerifiedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.pool == nil {
		return 0, errNilPool()
	}
	tag, err := s.pool.Exec(ctx, specDeactivateSQL, cutoff.UTC())
	if err != nil {
		return 0, dbErr("deactivate symbol specs", err)
	}
	return tag.RowsAffected(), nil
}

func scanSpec(row pgx.Row) (schema.SymbolSpec, error) {
	var (
		spec                schema.SymbolSpec
		exchange            string
		tick, lot, contract pgtype.Numeric
	)
	if err := row.Scan(&exchange, &spec.Symbol, &tick, &lot, &contract, &spec.Active, &spec.LastVerified); err != nil {
		return schema.SymbolSpec{}, err
	}
	spec.Exchange = schema.ExchangeType(exchange)
	spec.LastVerified = spec.LastVerified.UTC()
	err := decimals(
		target("tick_size", &tick, &spec.TickSize),
		target("lot_size", &lot, &spec.LotSize),
		target("contract_size", &contract, &spec.ContractSize),
	)
	return spec, err
}
