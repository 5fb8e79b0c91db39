// Package config provides configuration management for reservoir using Viper
// for loading from files, environment variables, and command-line flags.
//
// Values come from .reservoir.yml, RESERVOIR_<SECTION>_<KEY> environment
// variables and bound cobra flags, in Viper's usual precedence. Every key has
// a default, so an empty environment yields a working configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "RESERVOIR"

type Config struct {
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Batcher  BatcherConfig  `mapstructure:"batcher" yaml:"batcher"`
	Pool     PoolConfig     `mapstructure:"pool" yaml:"pool"`
	Hub      HubConfig      `mapstructure:"hub" yaml:"hub"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type CacheConfig struct {
	MaxBytes             int64         `mapstructure:"max_bytes" yaml:"max_bytes"`
	DefaultTTL           time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	CompressionThreshold int           `mapstructure:"compression_threshold" yaml:"compression_threshold"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

type ExecutorConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
}

type BatcherConfig struct {
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

type PoolConfig struct {
	DBPath             string        `mapstructure:"db_path" yaml:"db_path"`
	MinConnections     int           `mapstructure:"min_connections" yaml:"min_connections"`
	MaxConnections     int           `mapstructure:"max_connections" yaml:"max_connections"`
	MaxIdleTime        time.Duration `mapstructure:"max_idle_time" yaml:"max_idle_time"`
	ReclaimInterval    time.Duration `mapstructure:"reclaim_interval" yaml:"reclaim_interval"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold" yaml:"slow_query_threshold"`
}

type HubConfig struct {
	QueueCapacity   int           `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout" yaml:"delivery_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

type ServerConfig struct {
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

var defaults = map[string]interface{}{
	"cache.max_bytes":             int64(64 << 20),
	"cache.default_ttl":           "5m",
	"cache.compression_threshold": 1024,
	"cache.cleanup_interval":      "1m",

	"executor.max_concurrent":  8,
	"executor.default_timeout": "0s",

	"batcher.batch_size":    50,
	"batcher.batch_timeout": "100ms",

	"pool.db_path":              "reservoir.db",
	"pool.min_connections":      2,
	"pool.max_connections":      10,
	"pool.max_idle_time":        "5m",
	"pool.reclaim_interval":     "30s",
	"pool.acquire_timeout":      "5s",
	"pool.slow_query_threshold": "100ms",

	"hub.queue_capacity":   64,
	"hub.delivery_timeout": "5s",
	"hub.allowed_origins":  []string{},

	"server.host":            "localhost",
	"server.port":            8080,
	"server.max_connections": 256,

	"log.level":  "info",
	"log.format": "text",
	"log.file":   "",
}

// SetDefaults registers every default on v and enables RESERVOIR_ env overrides.
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the global Viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom applies defaults to v, unmarshals it and validates the result.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Watch reloads the configuration whenever the config file changes and passes
// every valid result to onChange. Invalid edits are reported to onError and
// otherwise ignored.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		config, err := LoadFrom(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(config)
	})
	v.WatchConfig()
}

// Validate checks every section.
func Validate(config *Config) error {
	if err := validateCacheConfig(&config.Cache); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	if err := validateExecutorConfig(&config.Executor); err != nil {
		return fmt.Errorf("executor config: %w", err)
	}
	if err := validateBatcherConfig(&config.Batcher); err != nil {
		return fmt.Errorf("batcher config: %w", err)
	}
	if err := validatePoolConfig(&config.Pool); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}
	if err := validateHubConfig(&config.Hub); err != nil {
		return fmt.Errorf("hub config: %w", err)
	}
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateLogConfig(&config.Log); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	return nil
}

func validateCacheConfig(config *CacheConfig) error {
	if config.MaxBytes <= 0 {
		return fmt.Errorf("max_bytes must be positive, got %d", config.MaxBytes)
	}
	if config.DefaultTTL < 0 {
		return fmt.Errorf("default_ttl must not be negative")
	}
	if config.CleanupInterval < 0 {
		return fmt.Errorf("cleanup_interval must not be negative")
	}
	return nil
}

func validateExecutorConfig(config *ExecutorConfig) error {
	if config.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", config.MaxConcurrent)
	}
	if config.DefaultTimeout < 0 {
		return fmt.Errorf("default_timeout must not be negative")
	}
	return nil
}

func validateBatcherConfig(config *BatcherConfig) error {
	if config.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", config.BatchSize)
	}
	if config.BatchTimeout < 0 {
		return fmt.Errorf("batch_timeout must not be negative")
	}
	return nil
}

func validatePoolConfig(config *PoolConfig) error {
	if config.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if config.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", config.MaxConnections)
	}
	if config.MinConnections < 0 || config.MinConnections > config.MaxConnections {
		return fmt.Errorf("min_connections %d must be between 0 and max_connections %d",
			config.MinConnections, config.MaxConnections)
	}
	if config.AcquireTimeout < 0 || config.MaxIdleTime < 0 || config.ReclaimInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func validateHubConfig(config *HubConfig) error {
	if config.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", config.QueueCapacity)
	}
	return nil
}

func validateServerConfig(config *ServerConfig) error {
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}
	if strings.ContainsAny(config.Host, ";&|`$ ") {
		return fmt.Errorf("host contains dangerous character: %q", config.Host)
	}
	if config.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	return nil
}

func validateLogConfig(config *LogConfig) error {
	switch strings.ToLower(config.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown level %q", config.Level)
	}
	switch config.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", config.Format)
	}
	return nil
}
