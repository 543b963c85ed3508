package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	NodeID    int64  `envconfig:"NODE_ID" default:"1"`

	// PGDSN enables the Postgres event journal. Empty keeps state in memory.
	PGDSN     string `envconfig:"PG_DSN"`
	PGMaxConn int32  `envconfig:"PG_MAX_CONNS" default:"10"`
	// RedisAddr enables the statement cache, idempotency keys and jobs.
	RedisAddr            string        `envconfig:"REDIS_ADDR"`
	RedisPassword        string        `envconfig:"REDIS_PASSWORD"`
	RedisDB              int           `envconfig:"REDIS_DB" default:"0"`
	IdempotencyRetention time.Duration `envconfig:"IDEMPOTENCY_RETENTION" default:"24h"`

	CatalogFile string `envconfig:"CATALOG_FILE" default:"config/catalog.yaml"`
	ClientsFile string `envconfig:"CLIENTS_FILE" default:"config/clients.yaml"`

	DefaultTaxRate   decimal.Decimal `envconfig:"DEFAULT_TAX_RATE" default:"21"`
	PointOfSale      int             `envconfig:"POINT_OF_SALE" default:"1"`
	InvoiceDueDays   int             `envconfig:"INVOICE_DUE_DAYS" default:"30"`
	ApprovalTimeout  time.Duration   `envconfig:"APPROVAL_TIMEOUT" default:"10s"`
	DefaultWarehouse string          `envconfig:"DEFAULT_WAREHOUSE" default:"central"`

	StatementCacheTTL time.Duration `envconfig:"STATEMENT_CACHE_TTL" default:"10m"`

	WorkerEnabled     bool   `envconfig:"WORKER_ENABLED" default:"true"`
	WorkerConcurrency int    `envconfig:"WORKER_CONCURRENCY" default:"5"`
	LedgerVerifyCron  string `envconfig:"LEDGER_VERIFY_CRON" default:"0 3 * * *"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"600"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	if c.CatalogFile == "" {
		return errors.New("catalog file must be provided")
	}
	if c.DefaultTaxRate.IsNegative() {
		return fmt.Errorf("default tax rate must not be negative: %s", c.DefaultTaxRate)
	}
	if c.PointOfSale <= 0 || c.PointOfSale > 99999 {
		return fmt.Errorf("point of sale out of range: %d", c.PointOfSale)
	}
	if c.InvoiceDueDays < 0 {
		return fmt.Errorf("invoice due days must not be negative: %d", c.InvoiceDueDays)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("node id out of range: %d", c.NodeID)
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// WorkerActive reports whether background jobs should run.
func (c *Config) WorkerActive() bool {
	return c != nil && c.WorkerEnabled && c.RedisAddr != ""
}
