// Package config loads gateway settings from an optional YAML file, an
// optional .env file and AUTHGW_* environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"authgate.org/internal/kv"
)

// EnvPrefix is prepended to every environment variable, e.g. AUTHGW_AUTH_SECRET.
const EnvPrefix = "AUTHGW"

// ErrMissingSecret is fatal: the gateway must not start without a signing secret.
var ErrMissingSecret = errors.New("config: auth.secret is required")

type Config struct {
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     kv.RedisConfig  `mapstructure:"redis"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Log       LogConfig       `mapstructure:"log"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

type AuthConfig struct {
	Secret                string        `mapstructure:"secret"`
	Issuer                string        `mapstructure:"issuer" validate:"required"`
	AccessTTL             time.Duration `mapstructure:"access_ttl" validate:"gt=0"`
	RefreshTTL            time.Duration `mapstructure:"refresh_ttl" validate:"gtfield=AccessTTL"`
	RevocationFallbackTTL time.Duration `mapstructure:"revocation_fallback_ttl" validate:"gt=0"`
	SuperPermission       string        `mapstructure:"super_permission" validate:"required,contains=:"`
	HashMemoryKiB         uint32        `mapstructure:"hash_memory_kib" validate:"gte=8"`
	HashIterations        uint32        `mapstructure:"hash_iterations" validate:"gte=1"`
}

type StoreConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=memory redis"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type CleanupConfig struct {
	SessionInterval    time.Duration `mapstructure:"session_interval" validate:"gt=0"`
	RevocationInterval time.Duration `mapstructure:"revocation_interval" validate:"gt=0"`
}

type HTTPConfig struct {
	Addr         string  `mapstructure:"addr" validate:"required"`
	RateBurst    int     `mapstructure:"rate_burst" validate:"gte=0"`
	RatePerSec   float64 `mapstructure:"rate_per_sec" validate:"gte=0"`
	MaxBodyBytes int64   `mapstructure:"max_body_bytes" validate:"gt=0"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type AuditConfig struct {
	DSN string `mapstructure:"dsn"`
}

type PolicyConfig struct {
	Location string `mapstructure:"location"`
}

// BootstrapConfig names an administrator created at startup. Users live in
// process memory, so without it a fresh instance has nobody to log in as.
type BootstrapConfig struct {
	TenantID string `mapstructure:"tenant_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Enabled reports whether a bootstrap administrator is configured.
func (b BootstrapConfig) Enabled() bool {
	return strings.TrimSpace(b.Username) != ""
}

// KV returns the store backend configuration.
func (c Config) KV() kv.Config {
	return kv.Config{Backend: c.Store.Backend, KeyPrefix: c.Store.KeyPrefix, Redis: c.Redis}
}

// Location resolves policy.location, defaulting to the server's zone.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Policy.Location)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("config: policy.location: %w", err)
	}
	return loc, nil
}

var defaults = map[string]any{
	"auth.secret":                  "",
	"auth.issuer":                  "authgw",
	"auth.access_ttl":              time.Hour,
	"auth.refresh_ttl":             7 * 24 * time.Hour,
	"auth.revocation_fallback_ttl": 24 * time.Hour,
	"auth.super_permission":        "mcp:admin",
	"auth.hash_memory_kib":         64 * 1024,
	"auth.hash_iterations":         2,
	"store.backend":                kv.BackendMemory,
	"store.key_prefix":             "authgw:",
	"redis.addr":                   "",
	"redis.password":               "",
	"redis.db":                     0,
	"redis.pool_size":              0,
	"cleanup.session_interval":     time.Minute,
	"cleanup.revocation_interval":  time.Hour,
	"http.addr":                    ":8080",
	"http.rate_burst":              10,
	"http.rate_per_sec":            5.0,
	"http.max_body_bytes":          1 << 20,
	"grpc.addr":                    ":9090",
	"log.level":                    "info",
	"log.format":                   "json",
	"audit.dsn":                    "",
	"policy.location":              "",
	"bootstrap.tenant_id":          "system",
	"bootstrap.username":           "",
	"bootstrap.password":           "",
}

type loadOptions struct {
	configFile string
	envFile    string
}

// Option adjusts where Load looks for files.
type Option func(*loadOptions)

// WithConfigFile reads YAML settings from path. A missing file is an error.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) { o.configFile = path }
}

// WithEnvFile loads path into the process environment before reading
// variables. Variables already set take precedence.
func WithEnvFile(path string) Option {
	return func(o *loadOptions) { o.envFile = path }
}

// Load resolves and validates the configuration.
func Load(opts ...Option) (Config, error) {
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}
	if lo.envFile == "" {
		if _, err := os.Stat(".env"); err == nil {
			lo.envFile = ".env"
		}
	}
	if lo.envFile != "" {
		if err := godotenv.Load(lo.envFile); err != nil {
			return Config{}, fmt.Errorf("config: load env file %s: %w", lo.envFile, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if lo.configFile != "" {
		v.SetConfigFile(lo.configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", lo.configFile, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cross-field constraints and the secret.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Auth.Secret) == "" {
		return ErrMissingSecret
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	if cfg.Store.Backend == kv.BackendRedis && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("config: redis.addr is required for the redis backend")
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	if cfg.Bootstrap.Enabled() && (cfg.Bootstrap.Password == "" || strings.TrimSpace(cfg.Bootstrap.TenantID) == "") {
		return errors.New("config: bootstrap.password and bootstrap.tenant_id are required with bootstrap.username")
	}
	return nil
}
