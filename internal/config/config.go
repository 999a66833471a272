// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"convert-gateway/internal/model"
	"convert-gateway/internal/storage"
)

// Config holds all configuration for the gateway.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Store       StoreConfig       `mapstructure:"store"`
	Quota       QuotaConfig       `mapstructure:"quota"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq"`
	Convert     ConvertConfig     `mapstructure:"convert"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIKey binds one shared secret to a tenant. Keys are a list rather than a
// map because viper folds map keys to lower case.
type APIKey struct {
	Key      string `mapstructure:"key"`
	TenantID string `mapstructure:"tenant_id"`
}

type AuthConfig struct {
	// Mode selects the tenant credential scheme: api_key or jwt.
	Mode           string   `mapstructure:"mode"`
	APIKeys        []APIKey `mapstructure:"api_keys"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
	OperatorSecret string   `mapstructure:"operator_secret"`
}

type StoreConfig struct {
	// Driver is memory, postgres or redis.
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CategoryLimit is the default daily limit of one quota category.
type CategoryLimit struct {
	Name  string `mapstructure:"name"`
	Limit int64  `mapstructure:"limit"`
}

type QuotaConfig struct {
	Categories    []CategoryLimit `mapstructure:"categories"`
	AutoProvision bool            `mapstructure:"auto_provision"`
	DefaultTier   string          `mapstructure:"default_tier"`
}

type SchedulerConfig struct {
	Slots        int           `mapstructure:"slots"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	PromoteAfter time.Duration `mapstructure:"promote_after"`
	MaxQueue     int           `mapstructure:"max_queue"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// Classifier is plan or remaining.
	Classifier string `mapstructure:"classifier"`
	// DemoteFraction is the remaining-quota fraction below which the
	// remaining classifier demotes a tenant.
	DemoteFraction float64 `mapstructure:"demote_fraction"`
}

type ReconcileConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	Parallelism      int           `mapstructure:"parallelism"`
	RateLimitPerHour int           `mapstructure:"rate_limit_per_hour"`
	Schedule         string        `mapstructure:"schedule"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

type RabbitMQConfig struct {
	// URL is optional; without it quota events are dropped.
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

type ConvertConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxBytes     int64         `mapstructure:"max_bytes"`
	MaxPixels    int           `mapstructure:"max_pixels"`
	JPEGQuality  int           `mapstructure:"jpeg_quality"`
}

// envBindings maps plain environment variables onto config keys.
var envBindings = map[string]string{
	"server.port":          "PORT",
	"auth.operator_secret": "OPERATOR_SECRET",
	"auth.jwt_secret":      "JWT_SECRET",
	"store.postgres.dsn":   "DATABASE_URL",
	"store.redis.addr":     "REDIS_ADDR",
	"store.redis.password": "REDIS_PASSWORD",
	"rabbitmq.url":         "RABBITMQ_URL",
	"logging.level":        "LOG_LEVEL",
	"store.driver":         "STORE_DRIVER",
	"reconcile.schedule":   "RECONCILE_SCHEDULE",
	"scheduler.slots":      "SCHEDULER_SLOTS",
	"quota.auto_provision": "AUTO_PROVISION",
}

// Load reads configuration from an optional file, then environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/convert-gateway/")
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if v.IsSet("quota.categories") {
		// mapstructure merges into an existing slice element by element.
		cfg.Quota.Categories = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the built-in configuration. Lists live here rather
// than in viper defaults so a config file replaces them wholesale.
func DefaultConfig() *Config {
	return &Config{
		Quota: QuotaConfig{
			Categories: []CategoryLimit{
				{Name: model.CategoryRequests, Limit: 100},
				{Name: model.CategoryProfileChanges, Limit: 10},
				{Name: model.CategoryMails, Limit: 20},
			},
			DefaultTier: model.TierNormal.String(),
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("auth.mode", "api_key")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)

	v.SetDefault("quota.auto_provision", false)
	v.SetDefault("quota.default_tier", "normal")

	v.SetDefault("scheduler.slots", 8)
	v.SetDefault("scheduler.max_wait", "30s")
	v.SetDefault("scheduler.promote_after", "5s")
	v.SetDefault("scheduler.max_queue", 1000)
	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("scheduler.classifier", "plan")
	v.SetDefault("scheduler.demote_fraction", 0.1)

	v.SetDefault("reconcile.batch_size", storage.MaxBatchSize)
	v.SetDefault("reconcile.parallelism", 1)
	v.SetDefault("reconcile.rate_limit_per_hour", 2)
	v.SetDefault("reconcile.schedule", "")
	v.SetDefault("reconcile.timeout", "10m")

	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("rate_limiter.requests_per_second", 200.0)
	v.SetDefault("rate_limiter.burst_size", 50)

	v.SetDefault("rabbitmq.queue", "quota_events")

	v.SetDefault("convert.fetch_timeout", "10s")
	v.SetDefault("convert.max_bytes", 20<<20)
	v.SetDefault("convert.max_pixels", 40_000_000)
	v.SetDefault("convert.jpeg_quality", 85)
}

// Validate checks if the configuration is valid. Missing secrets are not an
// error here: they surface per request as a misconfiguration so the health
// endpoints keep working.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	switch c.Auth.Mode {
	case "api_key", "jwt":
	default:
		return fmt.Errorf("invalid auth mode: %q", c.Auth.Mode)
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn is required for the postgres driver")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("invalid store driver: %q", c.Store.Driver)
	}

	if len(c.Quota.Categories) == 0 {
		return errors.New("at least one quota category is required")
	}
	seen := make(map[string]bool, len(c.Quota.Categories))
	for _, cat := range c.Quota.Categories {
		if cat.Name == "" {
			return errors.New("quota category name is required")
		}
		if seen[cat.Name] {
			return fmt.Errorf("duplicate quota category %q", cat.Name)
		}
		seen[cat.Name] = true
		if cat.Limit < 0 {
			return fmt.Errorf("quota category %q has negative limit", cat.Name)
		}
	}
	if _, err := model.ParseTier(c.Quota.DefaultTier); err != nil {
		return fmt.Errorf("quota.default_tier: %w", err)
	}

	if c.Scheduler.Slots <= 0 {
		return fmt.Errorf("scheduler.slots must be positive, got %d", c.Scheduler.Slots)
	}
	if c.Scheduler.MaxWait < 0 || c.Scheduler.PromoteAfter < 0 {
		return errors.New("scheduler durations must not be negative")
	}
	switch c.Scheduler.Classifier {
	case "plan", "remaining":
	default:
		return fmt.Errorf("invalid scheduler classifier: %q", c.Scheduler.Classifier)
	}
	if c.Scheduler.DemoteFraction < 0 || c.Scheduler.DemoteFraction > 1 {
		return fmt.Errorf("scheduler.demote_fraction must be within [0,1], got %v", c.Scheduler.DemoteFraction)
	}

	if c.Reconcile.BatchSize <= 0 || c.Reconcile.BatchSize > storage.MaxBatchSize {
		return fmt.Errorf("reconcile.batch_size must be within [1,%d], got %d", storage.MaxBatchSize, c.Reconcile.BatchSize)
	}
	if c.Reconcile.Parallelism <= 0 {
		return fmt.Errorf("reconcile.parallelism must be positive, got %d", c.Reconcile.Parallelism)
	}
	if c.Reconcile.RateLimitPerHour <= 0 {
		return fmt.Errorf("reconcile.rate_limit_per_hour must be positive, got %d", c.Reconcile.RateLimitPerHour)
	}

	if c.RateLimiter.Enabled && (c.RateLimiter.RequestsPerSecond <= 0 || c.RateLimiter.BurstSize <= 0) {
		return errors.New("rate limiter requires positive requests_per_second and burst_size")
	}
	return nil
}

// Limits returns the default limit per category.
func (c *Config) Limits() map[string]int64 {
	out := make(map[string]int64, len(c.Quota.Categories))
	for _, cat := range c.Quota.Categories {
		out[cat.Name] = cat.Limit
	}
	return out
}

// Categories returns the configured category names.
func (c *Config) Categories() []string {
	out := make([]string, 0, len(c.Quota.Categories))
	for _, cat := range c.Quota.Categories {
		out = append(out, cat.Name)
	}
	return out
}

// APIKeyMap returns key -> tenant ID. Entries with an empty key or tenant are
// skipped.
func (c *Config) APIKeyMap() map[string]string {
	out := make(map[string]string, len(c.Auth.APIKeys))
	for _, k := range c.Auth.APIKeys {
		if k.Key == "" || strings.TrimSpace(k.TenantID) == "" {
			continue
		}
		out[k.Key] = k.TenantID
	}
	return out
}
