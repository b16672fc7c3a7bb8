// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration.
type Config struct {
	// Server
	Port           string
	Env            string // development, staging, production
	LogLevel       string
	LogFormat      string // text or json
	MaxRequestSize int64
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int

	// Storage
	DatabaseURL     string // in-memory stores when empty
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	RedisURL        string // local sweep lease when empty
	OTLPEndpoint    string // tracing disabled when empty
	AuthJWTSecret   string
	AuthJWTIssuer   string
	WebhookTimeout  time.Duration
	WebhookInsecure bool // allow http and private webhook targets

	// Policy
	PolicyDir             string
	PolicyCacheTTL        time.Duration
	DefaultReservationTTL time.Duration

	// Ledger
	LedgerCASMaxAttempts   int
	LedgerCASBaseDelay     time.Duration
	CreditOrder            string
	PeriodRolloverSchedule string

	// Reconciliation
	DriftToleranceMode string
	DriftToleranceMin  string
	DriftToleranceBPS  int64

	// Sweep
	SweepInterval   time.Duration
	SweepSchedule   string // cron spec; overrides SweepInterval
	SweepBatchLimit int
	SweepLeaseTTL   time.Duration
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultMaxRequestSize = 1 << 20
	DefaultRateLimitRPM   = 600
	DefaultRateLimitBurst = 50
	DefaultJWTIssuer      = "guardrail"
)

// Load reads configuration from the environment, after loading .env if
// one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	defaultFormat := "text"
	if env == "production" {
		defaultFormat = "json"
	}

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            env,
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", defaultFormat),
		MaxRequestSize: int64(getEnvInt("MAX_REQUEST_SIZE", DefaultMaxRequestSize)),
		CORSOrigins:    getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:   getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),

		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:  getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:  getEnvInt("DB_MAX_IDLE_CONNS", 10),
		RedisURL:        os.Getenv("REDIS_URL"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AuthJWTSecret:   os.Getenv("AUTH_JWT_SECRET"),
		AuthJWTIssuer:   getEnv("AUTH_JWT_ISSUER", DefaultJWTIssuer),
		WebhookTimeout:  getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookInsecure: getEnvBool("WEBHOOK_ALLOW_INSECURE", false),

		PolicyDir:             os.Getenv("POLICY_DIR"),
		PolicyCacheTTL:        getEnvDuration("POLICY_CACHE_TTL", 30*time.Second),
		DefaultReservationTTL: getEnvDuration("DEFAULT_RESERVATION_TTL", 15*time.Minute),

		LedgerCASMaxAttempts:   getEnvInt("LEDGER_CAS_MAX_ATTEMPTS", 8),
		LedgerCASBaseDelay:     getEnvDuration("LEDGER_CAS_BASE_DELAY", 2*time.Millisecond),
		CreditOrder:            getEnv("CREDIT_ORDER", "expiring_first"),
		PeriodRolloverSchedule: getEnv("PERIOD_ROLLOVER_SCHEDULE", "0 0 1 * *"),

		DriftToleranceMode: getEnv("DRIFT_TOLERANCE_MODE", "hybrid"),
		DriftToleranceMin:  getEnv("DRIFT_TOLERANCE_MIN", "1.00"),
		DriftToleranceBPS:  int64(getEnvInt("DRIFT_TOLERANCE_BPS", 500)),

		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		SweepSchedule:   os.Getenv("SWEEP_SCHEDULE"),
		SweepBatchLimit: getEnvInt("SWEEP_BATCH_LIMIT", 100),
		SweepLeaseTTL:   getEnvDuration("SWEEP_LEASE_TTL", time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.AuthJWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.WebhookInsecure {
			return fmt.Errorf("WEBHOOK_ALLOW_INSECURE must be off in production")
		}
	}
	if c.AuthJWTSecret != "" && len(c.AuthJWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 bytes")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	switch c.CreditOrder {
	case "expiring_first", "granted_first":
	default:
		return fmt.Errorf("CREDIT_ORDER must be expiring_first or granted_first, got %q", c.CreditOrder)
	}
	switch c.DriftToleranceMode {
	case "fixed", "percent", "hybrid":
	default:
		return fmt.Errorf("DRIFT_TOLERANCE_MODE must be fixed, percent or hybrid, got %q", c.DriftToleranceMode)
	}
	if c.DriftToleranceBPS < 0 || c.DriftToleranceBPS > 10_000 {
		return fmt.Errorf("DRIFT_TOLERANCE_BPS must be within [0, 10000]")
	}
	if c.LedgerCASMaxAttempts < 1 {
		return fmt.Errorf("LEDGER_CAS_MAX_ATTEMPTS must be positive")
	}
	if c.DefaultReservationTTL <= 0 || c.DefaultReservationTTL > 30*24*time.Hour {
		return fmt.Errorf("DEFAULT_RESERVATION_TTL must be within (0, 720h]")
	}
	if c.SweepBatchLimit < 1 || c.SweepBatchLimit > 1000 {
		return fmt.Errorf("SWEEP_BATCH_LIMIT must be within [1, 1000]")
	}
	if c.SweepSchedule == "" && c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			return fmt.Errorf("SWEEP_SCHEDULE: %w", err)
		}
	}
	if _, err := cron.ParseStandard(c.PeriodRolloverSchedule); err != nil {
		return fmt.Errorf("PERIOD_ROLLOVER_SCHEDULE: %w", err)
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }

func (c *Config) IsProduction() bool { return c.Env == "production" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// bare integers are seconds
		if s, err := strconv.Atoi(value); err == nil {
			return time.Duration(s) * time.Second
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
