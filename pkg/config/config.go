// Package config loads the server configuration from the environment.
//
// Values come from process environment variables, optionally seeded from a
// .env file in the working directory. Fields are described with
// github.com/caarlos0/env struct tags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Store backends
const (
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed into the config struct
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrInvalidConfig is returned by Validate
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the complete server configuration.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	AppURL      string `env:"APP_URL" envDefault:"http://localhost:3000"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"` // json or console

	StripeSecretKey    string        `env:"STRIPE_SECRET_KEY,required"`
	StripeWebhookKey   string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	WebhookTolerance   time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`
	WebhookRateLimit   int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"1000"` // per client IP and window; 0 disables
	WebhookRateWindow  time.Duration `env:"WEBHOOK_RATE_WINDOW" envDefault:"1m"`
	TrustProxy         bool          `env:"TRUST_PROXY" envDefault:"false"`
	MetadataAccountKey string        `env:"METADATA_ACCOUNT_KEY" envDefault:"account_id"`

	// StripeIgnoreAPIVersionMismatch accepts events from webhook endpoints
	// pinned to an older API version. The decoder reads the legacy shapes.
	StripeIgnoreAPIVersionMismatch bool `env:"STRIPE_IGNORE_API_VERSION_MISMATCH" envDefault:"false"`

	SessionSigningKey string        `env:"SESSION_SIGNING_KEY,required"`
	IdentityIssuerKey string        `env:"IDENTITY_ISSUER_KEY,required"`
	IdentityIssuer    string        `env:"IDENTITY_ISSUER"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"336h"`
	SessionCookieName string        `env:"SESSION_COOKIE_NAME" envDefault:"session"`

	StoreBackend       string `env:"STORE_BACKEND" envDefault:"memory"`
	FirestoreProjectID string `env:"FIRESTORE_PROJECT_ID"`
	PostgresDSN        string `env:"POSTGRES_DSN"`
	RedisAddr          string `env:"REDIS_ADDR"`
	RedisPassword      string `env:"REDIS_PASSWORD"`
	RedisDB            int    `env:"REDIS_DB" envDefault:"0"`
	CacheEnabled       bool   `env:"CACHE_ENABLED" envDefault:"false"`

	// CacheTTL expires cached records; only used with CACHE_ENABLED
	CacheTTL         time.Duration `env:"CACHE_TTL" envDefault:"15m"`
	CacheAsyncWrites bool          `env:"CACHE_ASYNC_WRITES" envDefault:"false"`

	BreakerThreshold    int           `env:"STORE_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"STORE_BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"billsync"`

	Plans PlanConfig
}

// PlanConfig holds the provider ids and display prices of the paid plans.
type PlanConfig struct {
	Currency          string `env:"PLAN_CURRENCY" envDefault:"jpy"`
	ProPriceID        string `env:"PLAN_PRO_PRICE_ID" envDefault:"price_pro_monthly"`
	ProProductID      string `env:"PLAN_PRO_PRODUCT_ID"`
	ProAmount         int64  `env:"PLAN_PRO_AMOUNT" envDefault:"2000"`
	BusinessPriceID   string `env:"PLAN_BUSINESS_PRICE_ID" envDefault:"price_business_monthly"`
	BusinessProductID string `env:"PLAN_BUSINESS_PRODUCT_ID"`
	BusinessAmount    int64  `env:"PLAN_BUSINESS_AMOUNT" envDefault:"5000"`
}

var dotenvOnce sync.Once

// Load reads the configuration from the process environment. A .env file in
// the working directory is applied first when present; variables already set
// in the environment win.
func Load() (*Config, error) {
	dotenvOnce.Do(func() {
		// Ignore errors - the .env file might not exist and that's ok
		_ = godotenv.Load()
	})

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFrom parses cfg from the given variables only. The process environment
// and .env files are ignored.
func LoadFrom(vars map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Production reports whether the server runs in production.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate checks that the settings agree with each other.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.AppURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("APP_URL must be an absolute URL, got %q", c.AppURL))
	}

	switch c.StoreBackend {
	case BackendMemory:
		if c.Production() {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=memory is not allowed in production"))
		}
	case BackendFirestore:
		if c.FirestoreProjectID == "" {
			errs = append(errs, fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore backend"))
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("POSTGRES_DSN is required for the postgres backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	if c.CacheEnabled {
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required when CACHE_ENABLED is set"))
		}
		if c.CacheTTL <= 0 {
			errs = append(errs, fmt.Errorf("CACHE_TTL must be positive"))
		}
		if c.StoreBackend == BackendRedis || c.StoreBackend == BackendMemory {
			errs = append(errs, fmt.Errorf("CACHE_ENABLED needs a durable STORE_BACKEND, got %q", c.StoreBackend))
		}
	}

	if c.WebhookTolerance <= 0 {
		errs = append(errs, fmt.Errorf("WEBHOOK_TOLERANCE must be positive"))
	}
	if c.WebhookRateLimit < 0 {
		errs = append(errs, fmt.Errorf("WEBHOOK_RATE_LIMIT must not be negative"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_TTL must be positive"))
	}
	if c.BreakerThreshold < 0 {
		errs = append(errs, fmt.Errorf("STORE_BREAKER_THRESHOLD must not be negative"))
	}
	if c.SessionSigningKey != "" && c.SessionSigningKey == c.IdentityIssuerKey {
		errs = append(errs, fmt.Errorf("SESSION_SIGNING_KEY and IDENTITY_ISSUER_KEY must differ"))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// Catalog builds the plan catalog shown on the pricing page. A paid plan
// without a product id is listed but never grants its tier.
func (c *Config) Catalog() *billing.Catalog {
	p := c.Plans
	return billing.NewCatalog(
		billing.Plan{
			Tier:     billing.TierFree,
			Name:     "Free",
			Currency: p.Currency,
			Interval: "month",
		},
		billing.Plan{
			Tier:      billing.TierPro,
			Name:      "Pro",
			PriceID:   p.ProPriceID,
			ProductID: p.ProProductID,
			Amount:    p.ProAmount,
			Currency:  p.Currency,
			Interval:  "month",
			Popular:   true,
		},
		billing.Plan{
			Tier:      billing.TierBusiness,
			Name:      "Business",
			PriceID:   p.BusinessPriceID,
			ProductID: p.BusinessProductID,
			Amount:    p.BusinessAmount,
			Currency:  p.Currency,
			Interval:  "month",
		},
	)
}
