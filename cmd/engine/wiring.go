package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradeplane/internal/app/performance"
	"github.com/coachpo/tradeplane/internal/app/provider"
	"github.com/coachpo/tradeplane/internal/app/symbols"
	"github.com/coachpo/tradeplane/internal/app/trading"
	"github.com/coachpo/tradeplane/internal/domain/notification"
	"github.com/coachpo/tradeplane/internal/domain/performancestore"
	"github.com/coachpo/tradeplane/internal/domain/referencestore"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/domain/specstore"
	"github.com/coachpo/tradeplane/internal/domain/tradestore"
	"github.com/coachpo/tradeplane/internal/infra/config"
	"github.com/coachpo/tradeplane/internal/infra/notify"
	"github.com/coachpo/tradeplane/internal/infra/persistence/memory"
	"github.com/coachpo/tradeplane/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/tradeplane/internal/infra/persistence/postgres"
	"github.com/coachpo/tradeplane/internal/observability"
	"github.com/coachpo/tradeplane/internal/telemetry"
	"github.com/coachpo/tradeplane/lib/async"
)

// stores groups the persistence backends; Postgres when a DSN is configured, memory otherwise.
type stores struct {
	refs   referencestore.Resolver
	specs  specstore.Store
	trades tradestore.Recorder
	perf   performancestore.Store
	// Registration hooks for config-bootstrapped references.
	saveAccount func(context.Context, schema.Account) error
	saveBot     func(context.Context, schema.Bot) error
	saveGroup   func(context.Context, schema.Group) error
}

type engine struct {
	telemetry   *telemetry.Provider
	db          *pgxpool.Pool
	stores      stores
	clients     *provider.Manager
	publicSpecs *provider.PublicSpecs
	resolver    *symbols.Resolver
	verifyPool  *async.Pool
	performance *performance.Service
	notifier    notification.Notifier
	notifyPool  *async.Pool
	sinks       []func() error
	monitor     trading.MonitorConfig
	terminate   int

	mu  sync.Mutex
	ops map[string]*trading.Operations
}

func build(ctx context.Context, cfg config.AppConfig, logger *log.Logger) (*engine, error) {
	eng := &engine{
		monitor: trading.MonitorConfig{
			MaxAttempts: cfg.Engine.MonitorAttempts,
			Interval:    cfg.Engine.MonitorInterval,
			Drift:       cfg.Engine.Drift(),
		},
		terminate: cfg.Engine.TerminateConcurrency,
		ops:       make(map[string]*trading.Operations),
	}

	tp, err := telemetry.NewProvider(ctx, telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	eng.telemetry = tp

	if err := eng.openStores(ctx, cfg, logger); err != nil {
		return nil, err
	}

	registry := provider.NewDefaultRegistry()
	for typ, ex := range cfg.Exchanges {
		registry.Configure(typ, venueSettings(ex))
	}
	eng.clients = provider.NewManager(registry, provider.WithIdleTimeout(cfg.Engine.InstanceIdleTimeout))
	eng.publicSpecs = provider.NewPublicSpecs(registry)

	if eng.verifyPool, err = async.NewPool(cfg.Engine.ReverifyWorkers, cfg.Engine.ReverifyQueue); err != nil {
		return nil, fmt.Errorf("symbol reverify pool: %w", err)
	}
	eng.resolver, err = symbols.NewResolver(eng.stores.specs, eng.publicSpecs,
		symbols.WithCacheTTL(cfg.Engine.SpecCacheTTL),
		symbols.WithStaleAfter(cfg.Engine.SpecStaleAfter),
		symbols.WithVerifyPool(eng.verifyPool),
		symbols.WithBulkConcurrency(cfg.Engine.BulkConcurrency))
	if err != nil {
		return nil, fmt.Errorf("symbol resolver: %w", err)
	}

	eng.performance, err = performance.NewService(eng.stores.perf, eng.stores.refs,
		performance.WithRetention(cfg.Performance.RetentionDays, cfg.Performance.CleanupBatch))
	if err != nil {
		return nil, fmt.Errorf("performance service: %w", err)
	}

	if err := eng.buildNotifier(cfg.Notifications); err != nil {
		return nil, err
	}

	accounts, err := cfg.ResolveAccounts(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve accounts: %w", err)
	}
	for _, acc := range accounts {
		if err := eng.stores.saveAccount(ctx, acc); err != nil {
			return nil, fmt.Errorf("register account %s: %w", acc.ID, err)
		}
		logger.Printf("account registered: id=%s exchange=%s testnet=%t", acc.ID, acc.Exchange, acc.Credentials.Testnet)
	}
	for _, bot := range cfg.Bots {
		if err := eng.stores.saveBot(ctx, bot.Bot()); err != nil {
			return nil, fmt.Errorf("register bot %s: %w", bot.ID, err)
		}
	}
	for _, group := range cfg.Groups {
		if err := eng.stores.saveGroup(ctx, group.Group()); err != nil {
			return nil, fmt.Errorf("register group %s: %w", group.ID, err)
		}
	}
	return eng, nil
}

func telemetryConfig(cfg config.AppConfig) telemetry.Config {
	out := telemetry.DefaultConfig()
	out.Enabled = out.Enabled || cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		out.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		out.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.Interval > 0 {
		out.MetricInterval = cfg.Telemetry.Interval
	}
	out.OTLPInsecure = out.OTLPInsecure || cfg.Telemetry.OTLPInsecure
	out.EnableMetrics = out.EnableMetrics || cfg.Telemetry.EnableMetrics
	out.Environment = string(cfg.Environment)
	return out
}

func venueSettings(ex config.ExchangeConfig) provider.VenueSettings {
	return provider.VenueSettings{
		BaseURL:     ex.BaseURL,
		Rate:        ex.Rate,
		HTTPTimeout: ex.HTTPTimeout,
		OrderStream: ex.OrderStream,
		StreamURL:   ex.StreamURL,
	}
}

func (e *engine) openStores(ctx context.Context, cfg config.AppConfig, logger *log.Logger) error {
	if !cfg.Database.Enabled() {
		refs := memory.NewReferences()
		e.stores = stores{
			refs:   refs,
			specs:  memory.NewSpecStore(),
			trades: memory.NewTradeStore(),
			perf:   memory.NewPerformanceStore(),
			saveAccount: func(_ context.Context, acc schema.Account) error {
				refs.PutAccount(acc)
				return nil
			},
			saveBot: func(_ context.Context, bot schema.Bot) error {
				refs.PutBot(bot)
				return nil
			},
			saveGroup: func(_ context.Context, group schema.Group) error {
				refs.PutGroup(group)
				return nil
			},
		}
		logger.Print("no database configured; using in-memory stores")
		return nil
	}

	if cfg.Database.RunMigrations {
		if err := migrations.Apply(ctx, cfg.Database.DSN, cfg.Database.MigrationsPath); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := pgstore.Connect(ctx, cfg.Database.DSN, pgstore.PoolConfig{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	e.db = pool
	store := pgstore.New(pool)
	refs := store.References()
	e.stores = stores{
		refs:        refs,
		specs:       store.Specs(),
		trades:      store.Trades(),
		perf:        store.Performance(),
		saveAccount: refs.SaveAccount,
		saveBot:     refs.SaveBot,
		saveGroup:   refs.SaveGroup,
	}
	logger.Printf("database connected: max_conns=%d", cfg.Database.MaxConns)
	return nil
}

func (e *engine) buildNotifier(cfg config.NotificationsConfig) error {
	sinks := notify.Multi{notify.Log{}}
	if cfg.Kafka.Enabled {
		k, err := notify.NewKafka(notify.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return err
		}
		sinks = append(sinks, k)
		e.sinks = append(e.sinks, k.Close)
	}
	if cfg.Mail.Enabled {
		m, err := notify.NewMail(notify.MailConfig{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
			To:       cfg.Mail.To,
		})
		if err != nil {
			return err
		}
		floor, _ := notification.ParseLevel(cfg.Mail.MinLevel)
		sinks = append(sinks, notify.Filtered{Next: m, Min: floor})
	}
	pool, err := async.NewPool(cfg.Workers, cfg.Queue)
	if err != nil {
		return fmt.Errorf("notification pool: %w", err)
	}
	e.notifyPool = pool
	e.notifier = notify.Async{Next: sinks, Pool: pool}
	return nil
}

func (e *engine) closeSinks() {
	for _, closeFn := range e.sinks {
		if err := closeFn(); err != nil {
			observability.Log().Warn("close notification sink", observability.Err(err))
		}
	}
}

// operations returns the account's orchestrator, building it on first use.
func (e *engine) operations(accountID string) (*trading.Operations, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ops, ok := e.ops[accountID]; ok {
		return ops, nil
	}
	ops, err := trading.NewOperations(accountID, trading.Deps{
		References:  e.stores.refs,
		Clients:     e.clients,
		Specs:       e.resolver,
		Trades:      e.stores.trades,
		Performance: e.performance,
		Notifier:    e.notifier,
		Monitor:     e.monitor,
	})
	if err != nil {
		return nil, err
	}
	e.ops[accountID] = ops
	return ops, nil
}

func (e *engine) terminator() trading.Terminator {
	return trading.Terminator{
		References:  e.stores.refs,
		Clients:     e.clients,
		Notifier:    e.notifier,
		Concurrency: e.terminate,
	}
}

// start launches the background loops and warms up every configured account.
func (e *engine) start(ctx context.Context, lifecycle *conc.WaitGroup, cfg config.AppConfig) {
	lifecycle.Go(func() { e.clients.RunSweeper(ctx, cfg.Engine.InstanceSweepEvery) })
	lifecycle.Go(func() { e.performance.RunRetention(ctx, cfg.Performance.CleanupEvery) })
	lifecycle.Go(func() { e.runSpecExpiry(ctx, cfg.Engine.SpecInactiveAfter) })

	for _, acc := range cfg.Accounts {
		ops, err := e.operations(acc.ID)
		if err != nil {
			observability.Log().Error("build operations", observability.F("account_id", acc.ID), observability.Err(err))
			continue
		}
		if err := ops.Initialize(ctx); err != nil {
			observability.Log().Error("initialize account", observability.F("account_id", acc.ID), observability.Err(err))
		}
	}
}

func (e *engine) runSpecExpiry(ctx context.Context, olderThan time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.resolver.DisableInactiveSymbols(ctx, olderThan)
			if err != nil {
				observability.Log().Warn("disable inactive symbols", observability.Err(err))
				continue
			}
			if n > 0 {
				observability.Log().Info("disabled inactive symbols", observability.F("count", n))
			}
		}
	}
}
