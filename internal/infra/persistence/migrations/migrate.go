// Package migrations runs golang-migrate against the tradeplane schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/tradeplane/db/migrations"
	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/observability"
	"github.com/coachpo/tradeplane/internal/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the database reachable via dsn up to the latest migration.
// An empty migrationsDir uses the migrations embedded in the binary.
func Apply(ctx context.Context, dsn, migrationsDir string) error {
	return run(ctx, dsn, migrationsDir, "up", func(m *migrate.Migrate) error { return m.Up() })
}

// Rollback reverts the given number of migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int) error {
	if steps <= 0 {
		return errs.Validation("rollback steps must be positive", errs.WithField("steps", fmt.Sprint(steps)))
	}
	return run(ctx, dsn, migrationsDir, "down", func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

func run(ctx context.Context, dsn, migrationsDir, direction string, step func(*migrate.Migrate) error) error {
	log := observability.With(observability.Log(), observability.F("direction", direction))
	source := "embedded"
	if strings.TrimSpace(migrationsDir) != "" {
		resolved, err := resolveDir(migrationsDir)
		if err != nil {
			return errs.Configuration("invalid migrations path", errs.WithCause(err))
		}
		source = resolved
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.Database("open migrations connection", errs.WithCause(err))
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Warn("migrations connection close", observability.Err(cerr))
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return errs.Database("ping migrations database", errs.WithCause(err))
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return errs.Database("initialise pgx v5 driver", errs.WithCause(err))
	}
	m, err := newMigrate(source, driver)
	if err != nil {
		return errs.Database("initialise migrate instance", errs.WithCause(err))
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			log.Warn("migrations source close", observability.Err(sourceErr))
		}
		if dbErr != nil {
			log.Warn("migrations db close", observability.Err(dbErr))
		}
	}()

	log.Info("running database migrations", observability.F("source", source))
	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, direction, "noop")
			log.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, direction, "failed")
		return errs.Database("apply migrations", errs.WithCause(err), errs.WithField("direction", direction))
	}
	recordMigrationMetric(ctx, direction, "applied")
	log.Info("database migrations applied")
	return nil
}

func newMigrate(source string, driver database.Driver) (*migrate.Migrate, error) {
	if source == "embedded" {
		src, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, err
		}
		return migrate.NewWithInstance("iofs", src, "pgx5", driver)
	}
	return migrate.NewWithDatabaseInstance(fileURL(source), "pgx5", driver)
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("tradeplane_db_migrations_total",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("direction", direction),
		attribute.String("result", result),
	))
}
