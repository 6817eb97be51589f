// Package config loads deployment configuration. Defaults cover a
// single-node development setup; an optional YAML file overrides the
// defaults and environment variables override both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Database  Database  `yaml:"database"`
	Redis     Redis     `yaml:"redis"`
	Cache     Cache     `yaml:"cache"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Audit     Audit     `yaml:"audit"`
	Breaker   Breaker   `yaml:"breaker"`
	Validation Validate `yaml:"validate"`
	Enforce   Enforce   `yaml:"enforce"`
	Replay    Replay    `yaml:"replay"`
	Archive   Archive   `yaml:"archive"`
	Auth      Auth      `yaml:"auth"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Database selects the audit store backend.
type Database struct {
	// Driver is "sqlite" or "postgres". Empty keeps audit records in memory.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Redis configures the shared cache and rate-limit tiers. Leaving Addr
// empty runs both local-only.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Cache tunes the decision cache.
type Cache struct {
	TTL           time.Duration `yaml:"ttl"`
	LocalCapacity int           `yaml:"local_capacity"`
}

// RateLimit tunes the request limiter.
type RateLimit struct {
	// FailClosed denies requests when the shared backend is unreachable.
	// The default fails open.
	FailClosed bool `yaml:"fail_closed"`
}

// Audit tunes the write-behind audit sink.
type Audit struct {
	BufferCeiling int           `yaml:"buffer_ceiling"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	DrainAttempts int           `yaml:"drain_attempts"`
}

// Breaker tunes the circuit breakers guarding external dependencies.
type Breaker struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	MonitorWindow    time.Duration `yaml:"monitor_window"`
}

// Validate tunes the input boundary.
type Validate struct {
	MaxBodyBytes int `yaml:"max_body_bytes"`
}

// Enforce tunes the decision engine.
type Enforce struct {
	// FallbackAction is emitted when the decision path fails.
	FallbackAction string `yaml:"fallback_action"`
}

// Replay tunes forensic replay and bulk simulation.
type Replay struct {
	BulkConcurrency    int     `yaml:"bulk_concurrency"`
	TimingThresholdPct float64 `yaml:"timing_threshold_pct"`
}

// Archive selects the snapshot archive backend.
type Archive struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"` // fs, s3, gcs
	Dir     string `yaml:"dir"`

	S3 struct {
		Bucket   string `yaml:"bucket"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"s3"`
	GCS struct {
		Bucket string `yaml:"bucket"`
		Prefix string `yaml:"prefix"`
	} `yaml:"gcs"`
}

// Auth tunes token issuance.
type Auth struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// Telemetry configures the OpenTelemetry exporter.
type Telemetry struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Cache: Cache{
			TTL:           60 * time.Second,
			LocalCapacity: 10000,
		},
		Audit: Audit{
			BufferCeiling: 10000,
			FlushInterval: time.Second,
			BatchSize:     100,
			DrainAttempts: 5,
		},
		Breaker: Breaker{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			ResetTimeout:     30 * time.Second,
			MonitorWindow:    60 * time.Second,
		},
		Validation: Validate{
			MaxBodyBytes: 1 << 20,
		},
		Enforce: Enforce{
			FallbackAction: "deny",
		},
		Replay: Replay{
			BulkConcurrency:    10,
			TimingThresholdPct: 20,
		},
		Archive: Archive{
			Backend: "fs",
			Dir:     "data/snapshots",
		},
		Auth: Auth{
			TokenTTL: time.Hour,
		},
		Telemetry: Telemetry{
			ServiceName: "voriond",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// non-empty, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// FromEnv builds the configuration without a file. The file path itself
// comes from VORION_CONFIG when set.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("VORION_CONFIG"))
}

func (c *Config) applyEnv() {
	setString(&c.LogLevel, "VORION_LOG_LEVEL")
	setString(&c.Database.Driver, "VORION_DB_DRIVER")
	setString(&c.Database.DSN, "VORION_DB_DSN")
	setString(&c.Redis.Addr, "VORION_REDIS_ADDR")
	setString(&c.Redis.Password, "VORION_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "VORION_REDIS_DB")
	setDuration(&c.Cache.TTL, "VORION_CACHE_TTL")
	setInt(&c.Cache.LocalCapacity, "VORION_CACHE_LOCAL_CAPACITY")
	setBool(&c.RateLimit.FailClosed, "VORION_RATELIMIT_FAIL_CLOSED")
	setInt(&c.Audit.BufferCeiling, "VORION_AUDIT_BUFFER_CEILING")
	setDuration(&c.Audit.FlushInterval, "VORION_AUDIT_FLUSH_INTERVAL")
	setInt(&c.Audit.BatchSize, "VORION_AUDIT_BATCH_SIZE")
	setString(&c.Enforce.FallbackAction, "VORION_FALLBACK_ACTION")
	setString(&c.Archive.Backend, "VORION_ARCHIVE_BACKEND")
	setString(&c.Archive.Dir, "VORION_ARCHIVE_DIR")
	setBool(&c.Archive.Enabled, "VORION_ARCHIVE_ENABLED")
	setString(&c.Telemetry.OTLPEndpoint, "VORION_OTLP_ENDPOINT")
	setBool(&c.Telemetry.Enabled, "VORION_TELEMETRY_ENABLED")
}

// Validate reports configuration that cannot be started with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "" && c.Database.DSN == "" {
		return fmt.Errorf("config: database driver %q requires a dsn", c.Database.Driver)
	}
	switch c.Enforce.FallbackAction {
	case "allow", "deny", "limit", "monitor", "escalate", "terminate":
	default:
		return fmt.Errorf("config: invalid fallback action %q", c.Enforce.FallbackAction)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: cache ttl must be positive")
	}
	if c.Audit.BatchSize <= 0 || c.Audit.BufferCeiling < c.Audit.BatchSize {
		return fmt.Errorf("config: audit buffer ceiling must be >= batch size")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
