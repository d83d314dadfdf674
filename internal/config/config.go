// Package config loads service settings from an optional YAML file and the
// environment. Every key has a default; APP_-prefixed variables override
// the file (APP_DATABASE_URL for database.url, and so on).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "APP"

// Config is the complete service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Rules       RulesConfig       `mapstructure:"rules"`
	ResultCache ResultCacheConfig `mapstructure:"result_cache"`
	Migrations  MigrationsConfig  `mapstructure:"migrations"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port                 string        `mapstructure:"port"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	SlowRequestThreshold time.Duration `mapstructure:"slow_request_threshold"`
}

// DatabaseConfig points at PostgreSQL. An empty URL runs the service on
// in-memory stores.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig points at the result cache. An empty URL selects the
// in-memory cache.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RulesConfig struct {
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`
}

type ResultCacheConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	TTL               time.Duration `mapstructure:"ttl"`
	MemoryEntries     int           `mapstructure:"memory_entries"`
	MaxInFlightWrites int64         `mapstructure:"max_in_flight_writes"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type MigrationsConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig feeds logger.Setup
type LogConfig struct {
	Level       string `mapstructure:"level"`
	SampleRate  int    `mapstructure:"sample_rate"`
	OTELEnabled bool   `mapstructure:"otel_enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.slow_request_threshold", time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.read_timeout", time.Second)
	v.SetDefault("redis.write_timeout", time.Second)

	v.SetDefault("rules.cache_ttl", 300*time.Second)
	v.SetDefault("rules.batch_concurrency", 0)

	v.SetDefault("result_cache.enabled", true)
	v.SetDefault("result_cache.ttl", 60*time.Second)
	v.SetDefault("result_cache.memory_entries", 4096)
	v.SetDefault("result_cache.max_in_flight_writes", 64)
	v.SetDefault("result_cache.write_timeout", 2*time.Second)

	v.SetDefault("migrations.path", "migrations")

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.sample_rate", 1)
	v.SetDefault("log.otel_enabled", false)
	v.SetDefault("log.service_name", "history-server")
}

// Load reads path, or config/default.yaml when path is empty, and applies
// environment overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("config")
		v.AddConfigPath(".")
		v.SetConfigName("default")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Plain names used by container platforms
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")
	_ = v.BindEnv("log.level", EnvPrefix+"_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("log.sample_rate", EnvPrefix+"_LOG_SAMPLE_RATE", "ERROR_SAMPLE_RATE")
	_ = v.BindEnv("log.otel_enabled", EnvPrefix+"_LOG_OTEL_ENABLED", "OTEL_ENABLED")
	_ = v.BindEnv("log.service_name", EnvPrefix+"_LOG_SERVICE_NAME", "OTEL_SERVICE_NAME")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("config: server.port is required")
	}
	if c.Rules.CacheTTL <= 0 {
		return fmt.Errorf("config: rules.cache_ttl must be positive, got %s", c.Rules.CacheTTL)
	}
	if c.ResultCache.Enabled && c.ResultCache.TTL <= 0 {
		return fmt.Errorf("config: result_cache.ttl must be positive, got %s", c.ResultCache.TTL)
	}
	return nil
}
