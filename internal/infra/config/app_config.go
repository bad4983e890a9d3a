// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/notification"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	OTLPEndpoint  string        `yaml:"otlpEndpoint"`
	ServiceName   string        `yaml:"serviceName"`
	OTLPInsecure  bool          `yaml:"otlpInsecure"`
	EnableMetrics bool          `yaml:"enableMetrics"`
	Interval      time.Duration `yaml:"interval"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime time.Duration `yaml:"maxConnIdleTime"`
	RunMigrations   bool          `yaml:"runMigrations"`
	// MigrationsPath overrides the migrations embedded in the binary.
	MigrationsPath string `yaml:"migrationsPath"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
}

// Enabled reports whether a database is configured. Without one the engine runs on in-memory stores.
func (c DatabaseConfig) Enabled() bool {
	return c.DSN != ""
}

func (c DatabaseConfig) validate() error {
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.RunMigrations && !c.Enabled() {
		return fmt.Errorf("runMigrations requires a dsn")
	}
	return nil
}

// ExchangeConfig tunes one venue.
type ExchangeConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	Rate        float64       `yaml:"rate"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
	OrderStream bool          `yaml:"orderStream"`
	StreamURL   string        `yaml:"streamURL"`
}

var defaultRates = map[schema.ExchangeType]float64{
	schema.ExchangeOKX:    20,
	schema.ExchangeBybit:  10,
	schema.ExchangeBitget: 20,
}

// EngineConfig tunes the trading engine's background machinery.
type EngineConfig struct {
	MonitorAttempts      int           `yaml:"monitorAttempts"`
	MonitorInterval      time.Duration `yaml:"monitorInterval"`
	DriftThreshold       string        `yaml:"driftThreshold"`
	InstanceIdleTimeout  time.Duration `yaml:"instanceIdleTimeout"`
	InstanceSweepEvery   time.Duration `yaml:"instanceSweepEvery"`
	SpecCacheTTL         time.Duration `yaml:"specCacheTTL"`
	SpecStaleAfter       time.Duration `yaml:"specStaleAfter"`
	SpecInactiveAfter    time.Duration `yaml:"specInactiveAfter"`
	ReverifyWorkers      int           `yaml:"reverifyWorkers"`
	ReverifyQueue        int           `yaml:"reverifyQueue"`
	BulkConcurrency      int           `yaml:"bulkConcurrency"`
	TerminateConcurrency int           `yaml:"terminateConcurrency"`
}

func (c *EngineConfig) applyDefaults() {
	if c.MonitorAttempts <= 0 {
		c.MonitorAttempts = 9
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Second
	}
	if strings.TrimSpace(c.DriftThreshold) == "" {
		c.DriftThreshold = "0.001"
	}
	if c.InstanceIdleTimeout <= 0 {
		c.InstanceIdleTimeout = time.Hour
	}
	if c.InstanceSweepEvery <= 0 {
		c.InstanceSweepEvery = 5 * time.Minute
	}
	if c.SpecCacheTTL <= 0 {
		c.SpecCacheTTL = time.Hour
	}
	if c.SpecStaleAfter <= 0 {
		c.SpecStaleAfter = 24 * time.Hour
	}
	if c.SpecInactiveAfter <= 0 {
		c.SpecInactiveAfter = 30 * 24 * time.Hour
	}
	if c.ReverifyWorkers <= 0 {
		c.ReverifyWorkers = 2
	}
	if c.ReverifyQueue <= 0 {
		c.ReverifyQueue = 64
	}
	if c.BulkConcurrency <= 0 {
		c.BulkConcurrency = 8
	}
}

// Drift returns the monitor's reprice threshold as a decimal fraction.
func (c EngineConfig) Drift() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(c.DriftThreshold))
	if err != nil {
		return decimal.RequireFromString("0.001")
	}
	return d
}

// PerformanceConfig governs daily performance retention.
type PerformanceConfig struct {
	RetentionDays int           `yaml:"retentionDays"`
	CleanupBatch  int           `yaml:"cleanupBatch"`
	CleanupEvery  time.Duration `yaml:"cleanupEvery"`
}

// KafkaConfig configures the Kafka notification sink.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// MailConfig configures the SMTP notification sink.
type MailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	// MinLevel filters out less severe notifications; mail defaults to critical only.
	MinLevel string `yaml:"minLevel"`
}

// NotificationsConfig lists the enabled sinks. Logging is always on.
type NotificationsConfig struct {
	Kafka   KafkaConfig `yaml:"kafka"`
	Mail    MailConfig  `yaml:"mail"`
	Workers int         `yaml:"workers"`
	Queue   int         `yaml:"queue"`
}

// AppConfig is the unified engine configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment   Environment                            `yaml:"environment"`
	Logging       LoggingConfig                          `yaml:"logging"`
	Database      DatabaseConfig                         `yaml:"database"`
	Telemetry     TelemetryConfig                        `yaml:"telemetry"`
	Exchanges     map[schema.ExchangeType]ExchangeConfig `yaml:"exchanges"`
	Engine        EngineConfig                           `yaml:"engine"`
	Performance   PerformanceConfig                      `yaml:"performance"`
	Notifications NotificationsConfig                    `yaml:"notifications"`
	Accounts      []AccountConfig                        `yaml:"accounts"`
	Bots          []LinkConfig                           `yaml:"bots"`
	Groups        []LinkConfig                           `yaml:"groups"`
}

// envOverrides carries deployment secrets and overrides applied after YAML.
type envOverrides struct {
	Environment  string   `env:"TRADEPLANE_ENV"`
	LogLevel     string   `env:"TRADEPLANE_LOG_LEVEL"`
	DatabaseDSN  string   `env:"TRADEPLANE_DATABASE_DSN"`
	OTLPEndpoint string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	KafkaBrokers []string `env:"TRADEPLANE_KAFKA_BROKERS" envSeparator:","`
	SMTPUsername string   `env:"TRADEPLANE_SMTP_USERNAME"`
	SMTPPassword string   `env:"TRADEPLANE_SMTP_PASSWORD"`
}

// Default returns a development configuration with every default applied.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	_ = cfg.normalise()
	return cfg
}

// Load reads a YAML file, applies process environment overrides, then normalises and validates.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	return load(ctx, configPath, nil)
}

// LoadOrDefault loads configPath, falling back to Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, err
	}
	cfg = Default()
	if err := cfg.applyEnv(nil); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	return cfg, cfg.Validate()
}

func load(_ context.Context, configPath string, environ map[string]string) (AppConfig, error) {
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, errs.Configuration("read config", errs.WithCause(err))
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, errs.Configuration("unmarshal config", errs.WithCause(err))
	}
	if err := cfg.applyEnv(environ); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment values. A nil environ reads the process environment.
func (c *AppConfig) applyEnv(environ map[string]string) error {
	var o envOverrides
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return errs.Configuration("parse environment overrides", errs.WithCause(err))
	}
	if o.Environment != "" {
		c.Environment = Environment(o.Environment)
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.DatabaseDSN != "" {
		c.Database.DSN = o.DatabaseDSN
	}
	if o.OTLPEndpoint != "" {
		c.Telemetry.OTLPEndpoint = o.OTLPEndpoint
	}
	if len(o.KafkaBrokers) > 0 {
		c.Notifications.Kafka.Brokers = o.KafkaBrokers
	}
	if o.SMTPUsername != "" {
		c.Notifications.Mail.Username = o.SMTPUsername
	}
	if o.SMTPPassword != "" {
		c.Notifications.Mail.Password = o.SMTPPassword
	}
	return nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tradeplane"
	}
	if c.Telemetry.Interval <= 0 {
		c.Telemetry.Interval = 30 * time.Second
	}

	c.Database.applyDefaults()

	normalised := make(map[schema.ExchangeType]ExchangeConfig, len(defaultRates))
	for key, value := range c.Exchanges {
		typ, err := schema.ParseExchangeType(normalizeExchangeIdentifier(string(key)))
		if err != nil {
			return errs.Configuration("unsupported exchange in config", errs.WithField("exchange", string(key)))
		}
		if _, exists := normalised[typ]; exists {
			return errs.Configuration("duplicate exchange in config", errs.WithField("exchange", string(typ)))
		}
		normalised[typ] = value
	}
	for typ, rate := range defaultRates {
		ex := normalised[typ]
		if ex.Rate <= 0 {
			ex.Rate = rate
		}
		if ex.HTTPTimeout <= 0 {
			ex.HTTPTimeout = 10 * time.Second
		}
		ex.BaseURL = strings.TrimRight(strings.TrimSpace(ex.BaseURL), "/")
		normalised[typ] = ex
	}
	c.Exchanges = normalised

	c.Engine.applyDefaults()
	if c.Performance.RetentionDays <= 0 {
		c.Performance.RetentionDays = 365
	}
	if c.Performance.CleanupBatch <= 0 {
		c.Performance.CleanupBatch = 1000
	}
	if c.Performance.CleanupEvery <= 0 {
		c.Performance.CleanupEvery = 24 * time.Hour
	}
	if c.Notifications.Workers <= 0 {
		c.Notifications.Workers = 2
	}
	if c.Notifications.Queue <= 0 {
		c.Notifications.Queue = 256
	}
	mail := &c.Notifications.Mail
	mail.MinLevel = strings.ToLower(strings.TrimSpace(mail.MinLevel))
	if mail.MinLevel == "" {
		mail.MinLevel = "critical"
	}
	if mail.Port == 0 {
		mail.Port = 587
	}

	for i := range c.Accounts {
		c.Accounts[i].normalise()
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return errs.Configuration("environment must be one of dev, staging, prod", errs.WithField("environment", string(c.Environment)))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errs.Configuration("unsupported log level", errs.WithField("level", c.Logging.Level))
	}
	if err := c.Database.validate(); err != nil {
		return errs.Configuration("database", errs.WithCause(err))
	}
	for typ, ex := range c.Exchanges {
		if ex.Rate <= 0 {
			return errs.Configuration("exchange rate must be > 0", errs.WithField("exchange", string(typ)))
		}
	}
	if _, err := decimal.NewFromString(c.Engine.DriftThreshold); err != nil {
		return errs.Configuration("engine driftThreshold must be a decimal", errs.WithField("drift", c.Engine.DriftThreshold))
	}
	if d := c.Engine.Drift(); !d.IsPositive() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errs.Configuration("engine driftThreshold must be in (0, 1)", errs.WithField("drift", c.Engine.DriftThreshold))
	}
	if k := c.Notifications.Kafka; k.Enabled && (len(k.Brokers) == 0 || strings.TrimSpace(k.Topic) == "") {
		return errs.Configuration("notifications kafka requires brokers and topic")
	}
	if m := c.Notifications.Mail; m.Enabled && (strings.TrimSpace(m.Host) == "" || len(m.To) == 0) {
		return errs.Configuration("notifications mail requires host and recipients")
	}
	if _, ok := notification.ParseLevel(c.Notifications.Mail.MinLevel); !ok {
		return errs.Configuration("unsupported notification level", errs.WithField("level", c.Notifications.Mail.MinLevel))
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for _, acc := range c.Accounts {
		if err := acc.validate(); err != nil {
			return err
		}
		if _, dup := seen[acc.ID]; dup {
			return errs.Configuration("duplicate account id", errs.WithField("account_id", acc.ID))
		}
		seen[acc.ID] = struct{}{}
	}
	for _, link := range append(append([]LinkConfig(nil), c.Bots...), c.Groups...) {
		if strings.TrimSpace(link.ID) == "" {
			return errs.Configuration("bot and group ids required")
		}
		for _, id := range link.Accounts {
			if _, ok := seen[id]; !ok {
				return errs.Configuration("link references unknown account",
					errs.WithField("link_id", link.ID),
					errs.WithField("account_id", id))
			}
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, errs.Configuration("open app config", errs.WithCause(err), errs.WithField("path", candidate))
	}
	return file, func() { _ = file.Close() }, nil
}
