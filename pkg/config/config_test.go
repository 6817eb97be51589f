package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 60*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 10000, cfg.Cache.LocalCapacity)
	assert.Equal(t, 10000, cfg.Audit.BufferCeiling)
	assert.Equal(t, time.Second, cfg.Audit.FlushInterval)
	assert.Equal(t, 100, cfg.Audit.BatchSize)
	assert.Equal(t, 5, cfg.Audit.DrainAttempts)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 1<<20, cfg.Validation.MaxBodyBytes)
	assert.Equal(t, "deny", cfg.Enforce.FallbackAction)
	assert.Equal(t, 10, cfg.Replay.BulkConcurrency)
	assert.Equal(t, 20.0, cfg.Replay.TimingThresholdPct)
	assert.False(t, cfg.RateLimit.FailClosed)

	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vorion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
cache:
  ttl: 30s
  local_capacity: 500
database:
  driver: postgres
  dsn: postgres://vorion@localhost:5432/vorion
audit:
  batch_size: 50
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 500, cfg.Cache.LocalCapacity)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 50, cfg.Audit.BatchSize)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10000, cfg.Audit.BufferCeiling)
	assert.Equal(t, "deny", cfg.Enforce.FallbackAction)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vorion.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	t.Setenv("VORION_LOG_LEVEL", "warn")
	t.Setenv("VORION_CACHE_TTL", "90s")
	t.Setenv("VORION_RATELIMIT_FAIL_CLOSED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.True(t, cfg.RateLimit.FailClosed)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "oracle"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.Driver = "sqlite"
	require.Error(t, cfg.Validate()) // driver without dsn
	cfg.Database.DSN = "file:vorion.db"
	require.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Enforce.FallbackAction = "explode"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Audit.BufferCeiling = 10
	cfg.Audit.BatchSize = 100
	require.Error(t, cfg.Validate())
}
