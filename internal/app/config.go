package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (COUPON_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (COUPON_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	AdminAPIKey  string `usage:"Bootstrap admin API key, stored hashed at startup" flag:"admin-api-key"`
	Store        StoreConfig
	Redis        RedisConfig
	Currency     CurrencyConfig
	Checkout     CheckoutConfig
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
}

// StoreConfig selects where coupons live. Orders, products and API keys use
// PostgreSQL whenever DatabaseURL is set and memory otherwise.
type StoreConfig struct {
	Driver string `default:"postgres" usage:"Coupon store driver: postgres, redis or memory"`
}

// RedisConfig configures the Redis client used by the redis coupon store and
// the shared rate limiter.
type RedisConfig struct {
	Addr     string `default:"" usage:"Redis address (COUPON_REDIS_ADDR or REDIS_URL)"`
	Password string `default:"" usage:"Redis password"`
	DB       int    `default:"0" usage:"Redis database number"`
	Prefix   string `default:"" usage:"Key prefix, a {hash tag} keeps keys in one cluster slot"`
}

// CurrencyConfig controls how amounts in minor units are displayed.
type CurrencyConfig struct {
	Code     string `default:"USD" usage:"ISO currency code"`
	Exponent int32  `default:"2" usage:"Number of minor-unit digits"`
}

// CheckoutConfig bounds storage retries and sets shipping charges.
type CheckoutConfig struct {
	RetryAttempts    int           `default:"3" usage:"Attempts for transient storage failures"`
	RetryInitial     time.Duration `default:"50ms" usage:"Initial retry backoff"`
	RetryMax         time.Duration `default:"500ms" usage:"Maximum retry backoff"`
	ShippingFee      int64         `default:"0" usage:"Flat shipping fee in minor units"`
	FreeShippingOver int64         `default:"0" usage:"Waive shipping at or above this discounted subtotal, 0 never waives"`
}

// RateLimitConfig controls the throttle on endpoints accepting coupon codes.
type RateLimitConfig struct {
	Max     int           `default:"30" usage:"Max requests per window"`
	Window  time.Duration `default:"1m" usage:"Rate limit window duration"`
	Backend string        `default:"memory" usage:"Limiter backend: memory or redis"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "COUPON",
		Files:     []string{"config.yaml", "/etc/coupon/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if err := cfg.applyPlatformDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected drivers have what they need.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required for the postgres driver: set COUPON_DATABASE_URL or DATABASE_URL")
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis address is required for the redis driver: set COUPON_REDIS_ADDR or REDIS_URL")
		}
	case DriverMemory:
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis rate limiter needs a redis address")
		}
	default:
		return errors.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.Currency.Exponent < 0 {
		return errors.New("currency exponent must not be negative")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL, REDIS_URL and PORT
// to the application's COUPON_-prefixed configuration.
func (c *Config) applyPlatformDefaults() error {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.Addr == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			opts, err := goredis.ParseURL(v)
			if err != nil {
				return errors.Wrap(err, "parse REDIS_URL")
			}
			c.Redis.Addr = opts.Addr
			c.Redis.Password = opts.Password
			c.Redis.DB = opts.DB
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
	return nil
}
