package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the metering service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Caps          CapsConfig          `mapstructure:"caps"`
	Insights      InsightsConfig      `mapstructure:"insights"`
	Pricing       PricingConfig       `mapstructure:"pricing"`
	Reporting     ReportingConfig     `mapstructure:"reporting"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
	LogLevel              string        `mapstructure:"log_level"`
}

type DatabaseConfig struct {
	// URL is optional; without it the service runs on the in-memory store.
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// AuthConfig declares the ingest credentials. Each key maps one bearer
// token onto one tenant; tenant scoping on every read and write derives
// from this mapping alone.
type AuthConfig struct {
	APIKeys []APIKeyConfig `mapstructure:"api_keys"`
}

type APIKeyConfig struct {
	Key      string `mapstructure:"key"`
	TenantID string `mapstructure:"tenant_id"`
	Name     string `mapstructure:"name"`
}

type AdminConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type IngestConfig struct {
	MaxBatchSize int           `mapstructure:"max_batch_size"`
	Workers      int           `mapstructure:"workers"`
	DedupeTTL    time.Duration `mapstructure:"dedupe_ttl"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	EventsPerMinute   int  `mapstructure:"events_per_minute"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

type CapsConfig struct {
	Alert CapAlertConfig `mapstructure:"alert"`
}

type CapAlertConfig struct {
	Webhooks   []string      `mapstructure:"webhooks"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type InsightsConfig struct {
	SpikeFactor     float64 `mapstructure:"spike_factor"`
	BloatFactor     float64 `mapstructure:"bloat_factor"`
	MinRetryCalls   int64   `mapstructure:"min_retry_calls"`
	CheapCostFactor float64 `mapstructure:"cheap_cost_factor"`
}

type PricingConfig struct {
	SeedDefaults bool `mapstructure:"seed_defaults"`
}

type ReportingConfig struct {
	Timezone      string `mapstructure:"timezone"`
	DefaultPeriod string `mapstructure:"default_period"`
}

type ObservabilityConfig struct {
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	ServiceName   string `mapstructure:"service_name"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment
// variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("METER_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("meter")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("METER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and bounded.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must be set")
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("ingest.max_batch_size must be positive")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive")
	}
	if c.RateLimits.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("rate_limits.enabled requires redis.url")
	}
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			return fmt.Errorf("auth.api_keys[%d].key must be set", i)
		}
		if strings.TrimSpace(key.TenantID) == "" {
			return fmt.Errorf("auth.api_keys[%d].tenant_id must be set", i)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 10)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "./migrations")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("admin.access_token_ttl", "15m")

	v.SetDefault("ingest.max_batch_size", 1000)
	v.SetDefault("ingest.workers", 8)
	v.SetDefault("ingest.dedupe_ttl", "30m")

	v.SetDefault("rate_limits.enabled", false)
	v.SetDefault("rate_limits.events_per_minute", 60_000)
	v.SetDefault("rate_limits.requests_per_minute", 600)

	v.SetDefault("caps.alert.timeout", "5s")
	v.SetDefault("caps.alert.max_retries", 3)

	v.SetDefault("insights.spike_factor", 2.0)
	v.SetDefault("insights.bloat_factor", 1.5)
	v.SetDefault("insights.min_retry_calls", 3)
	v.SetDefault("insights.cheap_cost_factor", 0.5)

	v.SetDefault("pricing.seed_defaults", true)

	v.SetDefault("reporting.timezone", "UTC")
	v.SetDefault("reporting.default_period", "7d")

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
	v.SetDefault("observability.service_name", "agentmeter")
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
