package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/platinummonkey/warden/pkg/observability"
)

// EnvPrefix is prepended to every variable name
const EnvPrefix = "WARDEN_"

// minJWTSecretLen matches the HS256 key size auth.NewTokenManager accepts
const minJWTSecretLen = 32

// Cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Authorization AuthorizationConfig
	Cache         CacheConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            string        `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	// AdminRateLimit is requests per minute per client IP on /rbac
	AdminRateLimit int `env:"ADMIN_RATE_LIMIT" envDefault:"120"`
}

// Addr returns host:port for http.Server
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL      string `env:"POSTGRES_URL"`
	MaxConns int    `env:"POSTGRES_MAX_CONNS" envDefault:"20"`
	// SeedCatalog creates the default modules, permissions and roles at startup
	SeedCatalog bool `env:"SEED_CATALOG" envDefault:"false"`
}

// AuthorizationConfig tunes permission resolution
type AuthorizationConfig struct {
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`
	TxTimeout       time.Duration `env:"TX_TIMEOUT" envDefault:"5s"`
	SuperAdminLevel int           `env:"SUPERADMIN_LEVEL" envDefault:"10"`
	PolicyFile      string        `env:"POLICY_FILE"`
}

// CacheConfig selects and sizes the permission cache
type CacheConfig struct {
	Backend  string        `env:"CACHE_BACKEND" envDefault:"memory"`
	Size     int           `env:"CACHE_SIZE" envDefault:"10000"`
	TTL      time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	RedisURL string        `env:"REDIS_URL"`
}

// AuthConfig holds token verification settings
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"warden"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel        observability.LogLevel `env:"LOG_LEVEL" envDefault:"info"`
	MetricsEnabled  bool                   `env:"METRICS_ENABLED" envDefault:"true"`
	OTelEnabled     bool                   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint    string                 `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OTelServiceName string                 `env:"OTEL_SERVICE_NAME" envDefault:"warden"`
	OTelInsecure    bool                   `env:"OTEL_INSECURE" envDefault:"true"`
	OTelSampleRatio float64                `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// Load reads optional .env files, then the process environment, and
// validates the result. Variables already set in the environment win over
// .env values. Missing .env files are ignored.
func Load(dotenvFiles ...string) (*Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Server.AdminRateLimit < 0 {
		errs = append(errs, errors.New("admin rate limit must not be negative"))
	}

	if c.Database.URL == "" {
		errs = append(errs, errors.New(EnvPrefix+"POSTGRES_URL is required"))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, errors.New("postgres max connections must be positive"))
	}

	if c.Authorization.StoreTimeout <= 0 || c.Authorization.TxTimeout <= 0 {
		errs = append(errs, errors.New("store and transaction timeouts must be positive"))
	}
	if c.Authorization.SuperAdminLevel <= 0 {
		errs = append(errs, errors.New("superadmin level must be positive"))
	}

	c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	switch c.Cache.Backend {
	case CacheMemory:
		if c.Cache.Size <= 0 {
			errs = append(errs, errors.New("cache size must be positive"))
		}
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New(EnvPrefix+"REDIS_URL is required when the cache backend is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q (want memory or redis)", c.Cache.Backend))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache TTL must be positive"))
	}

	switch {
	case c.Auth.JWTSecret == "":
		errs = append(errs, errors.New(EnvPrefix+"JWT_SECRET is required"))
	case len(c.Auth.JWTSecret) < minJWTSecretLen:
		errs = append(errs, fmt.Errorf("%sJWT_SECRET must be at least %d bytes", EnvPrefix, minJWTSecretLen))
	}

	if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
		errs = append(errs, errors.New("OpenTelemetry sample ratio must be within [0, 1]"))
	}
	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		errs = append(errs, errors.New("OpenTelemetry endpoint is required when OpenTelemetry is enabled"))
	}

	return errors.Join(errs...)
}
