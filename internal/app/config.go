package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Coupon store backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (SHOP_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Coupons      CouponConfig
	Redis        RedisConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// CouponConfig selects the coupon store and tunes the redemption coordinator.
type CouponConfig struct {
	Backend     string        `default:"postgres" usage:"Coupon store backend: postgres, redis or memory"`
	MaxAttempts int           `default:"3" usage:"Commit attempts before a lost race becomes a rejection" flag:"coupon-max-attempts"`
	Timeout     time.Duration `default:"2s" usage:"Deadline for one redemption attempt" flag:"coupon-timeout"`
	MinorUnits  int32         `default:"2" usage:"Currency minor units discounts round to" flag:"coupon-minor-units"`
}

// RedisConfig configures the redis coupon backend.
type RedisConfig struct {
	URL    string `usage:"Redis URL (SHOP_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	Prefix string `default:"shop:" usage:"Key prefix for coupon data" flag:"redis-prefix"`
}

// RateLimitConfig controls the per-client token bucket on order and
// redemption routes.
type RateLimitConfig struct {
	Max    int           `default:"30" usage:"Bucket size per client"`
	Window time.Duration `default:"1m" usage:"Time to refill an empty bucket"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
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
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	}
	switch c.Coupons.Backend {
	case BackendPostgres, BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("redis coupon backend needs SHOP_REDIS_URL or REDIS_URL")
		}
	default:
		return errors.Errorf("unknown coupon backend %q", c.Coupons.Backend)
	}
	if c.Coupons.MaxAttempts < 1 {
		return errors.Errorf("coupon max attempts must be at least 1, got %d", c.Coupons.MaxAttempts)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's SHOP_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
