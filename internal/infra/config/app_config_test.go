package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), map[string]string{})
	if !errs.Is(err, errs.CodeConfig) {
		t.Fatalf("expected configuration error when config file missing, got %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
logging:
  level: DEBUG
  format: text
database:
  dsn: postgres://localhost/tradeplane
  maxConns: 4
  runMigrations: true
exchanges:
  OKX:
    baseURL: https://www.okx.com/
    rate: 5
  bybit:
    orderStream: true
engine:
  monitorAttempts: 3
  monitorInterval: 250ms
  driftThreshold: "0.002"
notifications:
  kafka:
    enabled: true
    brokers: [localhost:9092]
    topic: trade-events
accounts:
  - id: acc-1
    exchange: OKX
    apiKeyEnv: OKX_KEY
    apiSecretEnv: OKX_SECRET
    passphraseEnv: OKX_PASS
`)
	cfg, err := load(context.Background(), path, map[string]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvStaging || cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("unexpected header %+v %+v", cfg.Environment, cfg.Logging)
	}
	if cfg.Database.MaxConns != 4 || cfg.Database.MinConns != 1 || cfg.Database.MaxConnLifetime != 30*time.Minute {
		t.Fatalf("unexpected database defaults %+v", cfg.Database)
	}
	okx := cfg.Exchanges[schema.ExchangeOKX]
	if okx.BaseURL != "https://www.okx.com" || okx.Rate != 5 || okx.HTTPTimeout != 10*time.Second {
		t.Fatalf("unexpected okx config %+v", okx)
	}
	if bybit := cfg.Exchanges[schema.ExchangeBybit]; !bybit.OrderStream || bybit.Rate != 10 {
		t.Fatalf("unexpected bybit config %+v", bybit)
	}
	if bitget := cfg.Exchanges[schema.ExchangeBitget]; bitget.Rate != 20 {
		t.Fatalf("expected bitget defaults, got %+v", bitget)
	}
	if cfg.Engine.MonitorAttempts != 3 || cfg.Engine.MonitorInterval != 250*time.Millisecond || !cfg.Engine.Drift().Equal(dec("0.002")) {
		t.Fatalf("unexpected engine config %+v", cfg.Engine)
	}
	if cfg.Engine.InstanceIdleTimeout != time.Hour || cfg.Engine.ReverifyWorkers != 2 {
		t.Fatalf("expected engine defaults, got %+v", cfg.Engine)
	}
	if cfg.Notifications.Mail.MinLevel != "critical" || cfg.Notifications.Queue != 256 {
		t.Fatalf("unexpected notification defaults %+v", cfg.Notifications)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].Exchange != schema.ExchangeOKX {
		t.Fatalf("unexpected accounts %+v", cfg.Accounts)
	}
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: dev
database:
  dsn: postgres://file/db
notifications:
  mail:
    enabled: true
    host: smtp.example.com
    to: [ops@example.com]
`)
	cfg, err := load(context.Background(), path, map[string]string{
		"TRADEPLANE_ENV":           "prod",
		"TRADEPLANE_DATABASE_DSN":  "postgres://env/db",
		"TRADEPLANE_KAFKA_BROKERS": "k1:9092,k2:9092",
		"TRADEPLANE_SMTP_PASSWORD": "hunter2",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvProd || cfg.Database.DSN != "postgres://env/db" {
		t.Fatalf("environment overrides not applied: %+v", cfg)
	}
	if got := strings.Join(cfg.Notifications.Kafka.Brokers, ","); got != "k1:9092,k2:9092" {
		t.Fatalf("brokers = %q", got)
	}
	if cfg.Notifications.Mail.Password != "hunter2" {
		t.Fatalf("smtp password override not applied")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown environment", "environment: qa\n"},
		{"unknown log level", "logging:\n  level: loud\n"},
		{"unknown exchange", "exchanges:\n  binance: {}\n"},
		{"duplicate exchange", "exchanges:\n  OKX: {}\n  okx: {}\n"},
		{"drift out of range", "engine:\n  driftThreshold: \"1.5\"\n"},
		{"drift not a number", "engine:\n  driftThreshold: abc\n"},
		{"migrations without dsn", "database:\n  runMigrations: true\n"},
		{"kafka without topic", "notifications:\n  kafka:\n    enabled: true\n    brokers: [k:9092]\n"},
		{"mail without recipients", "notifications:\n  mail:\n    enabled: true\n    host: smtp\n"},
		{"account without secret env", "accounts:\n  - id: a\n    exchange: bybit\n    apiKeyEnv: K\n"},
		{"okx account without passphrase", "accounts:\n  - id: a\n    exchange: okx\n    apiKeyEnv: K\n    apiSecretEnv: S\n"},
		{"bot with unknown account", "bots:\n  - id: b\n    accounts: [ghost]\n"},
		{"group without id", "groups:\n  - name: g\n"},
		{"duplicate account", "accounts:\n  - {id: a, exchange: bybit, apiKeyEnv: K, apiSecretEnv: S}\n  - {id: a, exchange: bybit, apiKeyEnv: K, apiSecretEnv: S}\n"},
	}
	for _, tc := range cases {
		_, err := load(context.Background(), writeConfig(t, tc.body), map[string]string{})
		if !errs.Is(err, errs.CodeConfig) {
			t.Fatalf("%s: expected configuration error, got %v", tc.name, err)
		}
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if len(cfg.Exchanges) != 3 || cfg.Performance.RetentionDays != 365 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Database.Enabled() {
		t.Fatalf("default config must run without a database")
	}
}
