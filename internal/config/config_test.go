package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://localhost:5432/spamcheck?sslmode=disable"
  max_open_conns: 20

redis:
  url: "redis://localhost:6379/0"

scheduler:
  queue_spec: "@every 30s"
  lock_ttl: 2m

retry:
  max_consecutive_failures: 3
  base_delay: 30s
  max_delay: 10m

gateway:
  call_timeout: 15s
  rate_per_second: 2.5
  sandbox: true

conditions:
  providers: ["google", "outlook", "yahoo"]
  score_scale: 4

events:
  redis_channel: "spamcheck.events"
  webhook_url: "https://hooks.example.com/spamcheck"

ops:
  addr: ":9100"
  cors_origins: ["https://app.example.com"]

logging:
  level: debug
  redact_pii: false
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost:5432/spamcheck?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 20, cfg.Database.MaxOpenConns)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)

	// Scheduler: explicit values kept, the rest defaulted
	assert.Equal(t, "@every 30s", cfg.Scheduler.QueueSpec)
	assert.Equal(t, "@every 2m", cfg.Scheduler.StatusSpec)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.LockTTL)

	assert.Equal(t, 3, cfg.Retry.MaxConsecutiveFailures)
	assert.Equal(t, 30*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 10*time.Minute, cfg.Retry.MaxDelay)

	assert.Equal(t, 15*time.Second, cfg.Gateway.CallTimeout)
	assert.Equal(t, 2.5, cfg.Gateway.RatePerSecond)
	assert.Equal(t, 10, cfg.Gateway.Burst)
	assert.True(t, cfg.Gateway.Sandbox)

	assert.Equal(t, []string{"google", "outlook", "yahoo"}, cfg.Conditions.Providers)
	assert.Equal(t, 4.0, cfg.Conditions.ScoreScale)

	assert.Equal(t, "spamcheck.events", cfg.Events.RedisChannel)
	assert.Equal(t, "spamcheck-reports/", cfg.Events.S3Prefix)

	assert.Equal(t, ":9100", cfg.Ops.Addr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Ops.CORSOrigins)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Redact())

	require.NoError(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("{}"), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "@every 1m", cfg.Scheduler.QueueSpec)
	assert.Equal(t, "@every 2m", cfg.Scheduler.ReportsSpec)
	assert.Equal(t, "@every 5m", cfg.Scheduler.RecurrenceSpec)
	assert.Equal(t, 5, cfg.Retry.MaxConsecutiveFailures)
	assert.Equal(t, time.Minute, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Gateway.CallTimeout)
	assert.Equal(t, []string{"google", "outlook"}, cfg.Conditions.Providers)
	assert.Equal(t, 1.0, cfg.Conditions.ScoreScale)
	assert.Equal(t, ":8090", cfg.Ops.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redact())
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("scheduler: [unclosed"), 0644)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(configPath, []byte("retry:\n  max_consecutive_failures: 3\n"), 0644)
	require.NoError(t, err)

	t.Setenv("SPAMCHECK_RETRY_MAX_CONSECUTIVE_FAILURES", "7")
	t.Setenv("SPAMCHECK_SCHEDULER_QUEUE_SPEC", "@every 10s")
	t.Setenv("SPAMCHECK_GATEWAY_CALL_TIMEOUT", "5s")
	t.Setenv("SPAMCHECK_CONDITIONS_PROVIDERS", "google,outlook,yahoo")
	t.Setenv("DATABASE_URL", "postgres://db/spamcheck")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Retry.MaxConsecutiveFailures)
	assert.Equal(t, "@every 10s", cfg.Scheduler.QueueSpec)
	assert.Equal(t, 5*time.Second, cfg.Gateway.CallTimeout)
	assert.Equal(t, []string{"google", "outlook", "yahoo"}, cfg.Conditions.Providers)
	assert.Equal(t, "postgres://db/spamcheck", cfg.Database.URL)
	// untouched values survive the overlay
	assert.Equal(t, "@every 2m", cfg.Scheduler.StatusSpec)
}

func TestLoadFromEnvPrefixedDatabaseWins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://generic/db")
	t.Setenv("SPAMCHECK_DATABASE_URL", "postgres://specific/db")

	cfg, err := LoadFromEnv("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://specific/db", cfg.Database.URL)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Retry.MaxDelay = time.Second
	cfg.Conditions.Providers = []string{"Google"}
	cfg.Events.WebhookURL = "ftp://nope"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry.max_delay")
	assert.Contains(t, err.Error(), "Google")
	assert.Contains(t, err.Error(), "webhook_url")
}
