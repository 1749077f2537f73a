package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override, e.g.
// SPAMCHECK_SCHEDULER_QUEUE_SPEC or SPAMCHECK_RETRY_MAX_CONSECUTIVE_FAILURES.
const EnvPrefix = "SPAMCHECK"

// Config holds all configuration for the scheduler
type Config struct {
	Database   DatabaseConfig   `yaml:"database" envconfig:"DATABASE"`
	Redis      RedisConfig      `yaml:"redis" envconfig:"REDIS"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" envconfig:"SCHEDULER"`
	Retry      RetryConfig      `yaml:"retry" envconfig:"RETRY"`
	Gateway    GatewayConfig    `yaml:"gateway" envconfig:"GATEWAY"`
	Conditions ConditionsConfig `yaml:"conditions" envconfig:"CONDITIONS"`
	Events     EventsConfig     `yaml:"events" envconfig:"EVENTS"`
	Ops        OpsConfig        `yaml:"ops" envconfig:"OPS"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
}

// DatabaseConfig holds the Postgres connection settings.
// An empty URL runs the scheduler on the in-memory store.
type DatabaseConfig struct {
	URL             string        `yaml:"url" envconfig:"URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	MigrationsDir   string        `yaml:"migrations_dir" envconfig:"MIGRATIONS_DIR"`
}

// RedisConfig holds the Redis connection used for locks, credential gates
// and event fan-out. An empty URL disables Redis.
type RedisConfig struct {
	URL string `yaml:"url" envconfig:"URL"`
}

// SchedulerConfig holds the sweep schedules. Specs use robfig/cron syntax,
// typically "@every 1m".
type SchedulerConfig struct {
	QueueSpec      string        `yaml:"queue_spec" envconfig:"QUEUE_SPEC"`
	StatusSpec     string        `yaml:"status_spec" envconfig:"STATUS_SPEC"`
	ReportsSpec    string        `yaml:"reports_spec" envconfig:"REPORTS_SPEC"`
	RecurrenceSpec string        `yaml:"recurrence_spec" envconfig:"RECURRENCE_SPEC"`
	LockTTL        time.Duration `yaml:"lock_ttl" envconfig:"LOCK_TTL"`
	SweepTimeout   time.Duration `yaml:"sweep_timeout" envconfig:"SWEEP_TIMEOUT"`
	BatchSize      int           `yaml:"batch_size" envconfig:"BATCH_SIZE"`
}

// RetryConfig bounds the retry of transient failures.
type RetryConfig struct {
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" envconfig:"MAX_CONSECUTIVE_FAILURES"`
	BaseDelay              time.Duration `yaml:"base_delay" envconfig:"BASE_DELAY"`
	MaxDelay               time.Duration `yaml:"max_delay" envconfig:"MAX_DELAY"`
}

// GatewayConfig bounds every call made to a sending platform.
type GatewayConfig struct {
	CallTimeout   time.Duration `yaml:"call_timeout" envconfig:"CALL_TIMEOUT"`
	RatePerSecond float64       `yaml:"rate_per_second" envconfig:"RATE_PER_SECOND"`
	Burst         int           `yaml:"burst" envconfig:"BURST"`
	Sandbox       bool          `yaml:"sandbox" envconfig:"SANDBOX"`
}

// ConditionsConfig configures the condition grammar.
type ConditionsConfig struct {
	Providers  []string `yaml:"providers" envconfig:"PROVIDERS"`
	ScoreScale float64  `yaml:"score_scale" envconfig:"SCORE_SCALE"`
}

// EventsConfig selects where completion events are published. Every sink is
// optional.
type EventsConfig struct {
	RedisChannel   string        `yaml:"redis_channel" envconfig:"REDIS_CHANNEL"`
	WebhookURL     string        `yaml:"webhook_url" envconfig:"WEBHOOK_URL"`
	WebhookSecret  string        `yaml:"webhook_secret" envconfig:"WEBHOOK_SECRET"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout" envconfig:"WEBHOOK_TIMEOUT"`
	S3Bucket       string        `yaml:"s3_bucket" envconfig:"S3_BUCKET"`
	S3Prefix       string        `yaml:"s3_prefix" envconfig:"S3_PREFIX"`
	S3Region       string        `yaml:"s3_region" envconfig:"S3_REGION"`
	// Static credentials; empty uses the default AWS credential chain.
	S3AccessKey string `yaml:"s3_access_key" envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `yaml:"s3_secret_key" envconfig:"S3_SECRET_KEY"`
}

// OpsConfig holds the health and metrics listener.
type OpsConfig struct {
	Addr        string   `yaml:"addr" envconfig:"ADDR"`
	CORSOrigins []string `yaml:"cors_origins" envconfig:"CORS_ORIGINS"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level     string `yaml:"level" envconfig:"LEVEL"`
	RedactPII *bool  `yaml:"redact_pii" envconfig:"REDACT_PII"`
}

// Redact reports whether email addresses are masked in log output.
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML configuration file and fills unset values with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Database.MigrationsDir == "" {
		c.Database.MigrationsDir = "migrations"
	}

	if c.Scheduler.QueueSpec == "" {
		c.Scheduler.QueueSpec = "@every 1m"
	}
	if c.Scheduler.StatusSpec == "" {
		c.Scheduler.StatusSpec = "@every 2m"
	}
	if c.Scheduler.ReportsSpec == "" {
		c.Scheduler.ReportsSpec = "@every 2m"
	}
	if c.Scheduler.RecurrenceSpec == "" {
		c.Scheduler.RecurrenceSpec = "@every 5m"
	}
	if c.Scheduler.LockTTL == 0 {
		c.Scheduler.LockTTL = 5 * time.Minute
	}
	if c.Scheduler.SweepTimeout == 0 {
		c.Scheduler.SweepTimeout = 10 * time.Minute
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 500
	}

	if c.Retry.MaxConsecutiveFailures == 0 {
		c.Retry.MaxConsecutiveFailures = 5
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Minute
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Minute
	}

	if c.Gateway.CallTimeout == 0 {
		c.Gateway.CallTimeout = 30 * time.Second
	}
	if c.Gateway.RatePerSecond == 0 {
		c.Gateway.RatePerSecond = 5
	}
	if c.Gateway.Burst == 0 {
		c.Gateway.Burst = 10
	}

	if len(c.Conditions.Providers) == 0 {
		c.Conditions.Providers = []string{"google", "outlook"}
	}
	if c.Conditions.ScoreScale == 0 {
		c.Conditions.ScoreScale = 1
	}

	if c.Events.WebhookTimeout == 0 {
		c.Events.WebhookTimeout = 10 * time.Second
	}
	if c.Events.S3Prefix == "" {
		c.Events.S3Prefix = "spamcheck-reports/"
	}
	if c.Events.S3Region == "" {
		c.Events.S3Region = "us-west-2"
	}

	if c.Ops.Addr == "" {
		c.Ops.Addr = ":8090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is read first when present. path may be empty, in which case
// only defaults and the environment apply.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	var (
		cfg *Config
		err error
	)
	if path != "" {
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = Default()
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	// Conventional names used by the deployment platform
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" && os.Getenv(EnvPrefix+"_DATABASE_URL") == "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" && os.Getenv(EnvPrefix+"_REDIS_URL") == "" {
		cfg.Redis.URL = redisURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if c.Retry.MaxConsecutiveFailures < 1 {
		errs = append(errs, errors.New("retry.max_consecutive_failures must be at least 1"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must not be below retry.base_delay"))
	}
	if c.Gateway.CallTimeout < 0 {
		errs = append(errs, errors.New("gateway.call_timeout must not be negative"))
	}
	if c.Conditions.ScoreScale <= 0 {
		errs = append(errs, errors.New("conditions.score_scale must be positive"))
	}
	for _, p := range c.Conditions.Providers {
		if p == "" || strings.ToLower(p) != p {
			errs = append(errs, fmt.Errorf("conditions.providers: %q must be a lower-case name", p))
		}
	}
	if c.Events.WebhookURL != "" && !strings.HasPrefix(c.Events.WebhookURL, "http") {
		errs = append(errs, fmt.Errorf("events.webhook_url %q is not an http(s) URL", c.Events.WebhookURL))
	}
	return errors.Join(errs...)
}
