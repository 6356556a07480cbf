package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Server
	Port        int      `env:"PORT" envDefault:"8080"`
	DatabaseURL string   `env:"DATABASE_URL" envDefault:"./data/coinshop.db"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`

	// Sessions
	SessionSecret string        `env:"SESSION_SECRET" envDefault:"dev-session-secret"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	AdminToken    string        `env:"ADMIN_TOKEN"`

	// Checkout
	CheckoutBucket        time.Duration `env:"CHECKOUT_BUCKET" envDefault:"10m"`
	StepTimeout           time.Duration `env:"STEP_TIMEOUT" envDefault:"5s"`
	CheckoutRatePerMinute int           `env:"CHECKOUT_RATE_PER_MINUTE" envDefault:"30"`

	// Recovery
	ReconcileSchedule string        `env:"RECONCILE_SCHEDULE" envDefault:"@every 1m"`
	ReconcileGrace    time.Duration `env:"RECONCILE_GRACE" envDefault:"2m"`
	ReconcileLookback time.Duration `env:"RECONCILE_LOOKBACK" envDefault:"24h"`
	RetryWorkers      int           `env:"RETRY_WORKERS" envDefault:"4"`
	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay    time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`

	// Client sync
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"30s"`

	// Catalog is an optional JSON file with the tier ladder and seed codes.
	CatalogFile string `env:"CATALOG_FILE"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Port <= 0:
		return fmt.Errorf("PORT must be positive")
	case c.StepTimeout <= 0:
		return fmt.Errorf("STEP_TIMEOUT must be positive")
	case c.CheckoutBucket <= 0:
		return fmt.Errorf("CHECKOUT_BUCKET must be positive")
	case c.RetryWorkers <= 0:
		return fmt.Errorf("RETRY_WORKERS must be positive")
	case c.RetryMaxAttempts <= 0:
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// UsePostgres reports whether DatabaseURL names a PostgreSQL server.
func (c *Config) UsePostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
