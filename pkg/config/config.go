package config

import (
	"fmt"
	"strings"

	"github.com/ardanlabs/conf/v3"
	"github.com/joho/godotenv"

	"github.com/nodebus/core/pkg/errs"
	"github.com/nodebus/core/pkg/validator"
)

// Environment name constants used in ENVIRONMENT config field.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

// Config holds all configuration for the broker runtime.
type Config struct {
	// Database
	DatabaseURL string `conf:"env:CORE_DATABASE_URL,required" validate:"required"`

	// Redis — subscription-index invalidation pub/sub only (optional; a
	// process with no RedisURL simply relies on the 1s local TTL cache).
	RedisURL string `conf:"default:redis://localhost:6379,env:REDIS_URL"`

	// Tenancy
	Namespace   string `conf:"default:default,env:CORE_NAMESPACE" validate:"required"`
	Application string `conf:"default:core,env:CORE_APPLICATION"`

	// Queue/leasing
	VisibilityTimeoutSeconds int `conf:"default:30,env:CORE_VISIBILITY_TIMEOUT_SECONDS" validate:"gte=1"`
	BatchSize                int `conf:"default:10,env:CORE_BATCH_SIZE" validate:"gte=1"`
	MaxAttempts              int `conf:"default:5,env:CORE_MAX_ATTEMPTS" validate:"gte=1"`
	HandlerConcurrency       int `conf:"default:0,env:CORE_HANDLER_CONCURRENCY" validate:"gte=0"`    // 0 → defaults to BatchSize
	HandlerTimeoutSeconds    int `conf:"default:0,env:CORE_HANDLER_TIMEOUT_SECONDS" validate:"gte=0"` // 0 → defaults to VisibilityTimeoutSeconds-5

	// Node lifecycle
	LeaseTTLSeconds          int `conf:"default:60,env:CORE_LEASE_TTL_SECONDS" validate:"gte=1"`
	HeartbeatIntervalSeconds int `conf:"default:15,env:CORE_HEARTBEAT_INTERVAL_SECONDS" validate:"gte=1"`
	ReaperGraceSeconds       int `conf:"default:300,env:CORE_REAPER_GRACE_SECONDS" validate:"gte=1"`

	// Backoff
	IdleSleepMs    int `conf:"default:1000,env:CORE_IDLE_SLEEP_MS" validate:"gte=0"`
	ErrorBackoffMs int `conf:"default:2000,env:CORE_ERROR_BACKOFF_MS" validate:"gte=0"`

	// Connection pool
	PoolSize int `conf:"default:10,env:CORE_POOL_SIZE" validate:"gte=1"`

	// Application
	LogLevel    string `conf:"default:info,env:LOG_LEVEL" validate:"oneof=debug info warn error"`
	Environment string `conf:"default:development,enum:development|testing|production,env:ENVIRONMENT" validate:"oneof=development testing production"`

	// Observability
	ServiceName    string `conf:"default:nodebus-core,env:SERVICE_NAME"`
	ServiceVersion string `conf:"default:dev,env:SERVICE_VERSION"`
	OtelEndpoint   string `conf:"default:,env:OTEL_ENDPOINT"`
	SentryDSN      string `conf:"default:,env:SENTRY_DSN,noprint"`
}

// Load reads configuration from environment variables with sensible
// defaults, then runs it through pkg/validator's struct-tag validation
// (required fields, numeric bounds, enum membership).
func Load() (*Config, error) {
	var cfg Config
	_ = godotenv.Load()
	if _, err := conf.Parse("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.Validate(cfg); err != nil {
		return nil, &errs.ConfigurationError{Field: "config", Cause: err}
	}

	return &cfg, nil
}

// ValidateForProduction enforces operational requirements when
// ENVIRONMENT=production. Returns an error if any critical settings are
// missing or unsafe. No-ops for non-production environments.
func ValidateForProduction(cfg *Config) error {
	if cfg.Environment != EnvProduction {
		return nil
	}

	var errs []string

	if cfg.DatabaseURL == "" {
		errs = append(errs, "CORE_DATABASE_URL must be set")
	}

	if cfg.LogLevel == "debug" {
		errs = append(errs, "LOG_LEVEL must not be 'debug' in production (may leak sensitive data)")
	}

	if cfg.MaxAttempts < 1 {
		errs = append(errs, "CORE_MAX_ATTEMPTS must be at least 1")
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("production config validation failed: %s", strings.Join(errs, "; "))
}
