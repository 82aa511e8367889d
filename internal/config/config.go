// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mbd888/holdfast/internal/units"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogFile   string `env:"LOG_FILE"`

	LogMaxSizeMB  int `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxBackups int `env:"LOG_MAX_BACKUPS" envDefault:"5"`

	// Storage
	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"holdfast.db"`

	// Security
	AuthSecret     string `env:"AUTH_SECRET"`  // HS256 key for bearer tokens
	AdminSecret    string `env:"ADMIN_SECRET"` // enables /v1/admin when set
	RateLimitRPS   int    `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int    `env:"RATE_LIMIT_BURST" envDefault:"40"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","` // empty allows any origin without credentials

	// Escrow engine
	UpdateMaxAttempts int           `env:"UPDATE_MAX_ATTEMPTS" envDefault:"8"`
	UpdateBaseDelay   time.Duration `env:"UPDATE_BASE_DELAY" envDefault:"5ms"`
	PayoutStaleAfter  time.Duration `env:"PAYOUT_STALE_AFTER" envDefault:"2m"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`

	// Funds ledger
	LedgerTimeout          time.Duration `env:"LEDGER_TIMEOUT" envDefault:"30s"`
	LedgerBreakerThreshold int           `env:"LEDGER_BREAKER_THRESHOLD" envDefault:"5"`
	LedgerBreakerCooldown  time.Duration `env:"LEDGER_BREAKER_COOLDOWN" envDefault:"30s"`
	DevFaucetAmount        string        `env:"DEV_FAUCET_AMOUNT" envDefault:"1000000"` // largest single faucet deposit, in tokens

	// Webhooks
	WebhookWorkers      int           `env:"WEBHOOK_WORKERS" envDefault:"4"`
	WebhookQueueSize    int           `env:"WEBHOOK_QUEUE_SIZE" envDefault:"1024"`
	WebhookTimeout      time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	WebhookDisableAfter int           `env:"WEBHOOK_DISABLE_AFTER" envDefault:"10"`

	// Observability
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// minSecretLength is the shortest AUTH_SECRET accepted for HS256.
const minSecretLength = 32

// minAdminSecretLength is the shortest ADMIN_SECRET accepted.
const minAdminSecretLength = 16

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, postgres, sqlite (got %q)", c.StoreDriver)
	}

	if c.AuthSecret != "" && len(c.AuthSecret) < minSecretLength {
		return fmt.Errorf("AUTH_SECRET must be at least %d bytes", minSecretLength)
	}
	if c.AdminSecret != "" && len(c.AdminSecret) < minAdminSecretLength {
		return fmt.Errorf("ADMIN_SECRET must be at least %d bytes", minAdminSecretLength)
	}
	if !c.IsDevelopment() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required outside development")
	}
	if c.IsProduction() && c.StoreDriver == StoreMemory {
		return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
	}

	if c.UpdateMaxAttempts <= 0 {
		return fmt.Errorf("UPDATE_MAX_ATTEMPTS must be positive")
	}
	if c.LedgerTimeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT must be positive")
	}
	if c.PayoutStaleAfter <= c.LedgerTimeout {
		return fmt.Errorf("PAYOUT_STALE_AFTER (%s) must exceed LEDGER_TIMEOUT (%s)", c.PayoutStaleAfter, c.LedgerTimeout)
	}
	if c.WebhookWorkers < 0 || c.WebhookQueueSize < 0 || c.WebhookDisableAfter < 0 {
		return fmt.Errorf("webhook settings must not be negative")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if _, err := c.FaucetLimit(); err != nil {
		return err
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// FaucetLimit returns DEV_FAUCET_AMOUNT in base units.
func (c *Config) FaucetLimit() (uint64, error) {
	if c.DevFaucetAmount == "" {
		return 0, nil
	}
	v, err := units.Parse(c.DevFaucetAmount)
	if err != nil {
		return 0, fmt.Errorf("DEV_FAUCET_AMOUNT: %w", err)
	}
	return v, nil
}
