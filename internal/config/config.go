// Package config loads pulsehub configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pulsehub core.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Load      LoadConfig      `mapstructure:"load"`
	Attention AttentionConfig `mapstructure:"attention"`
	Store     StoreConfig     `mapstructure:"store"`
	Sensor    SensorConfig    `mapstructure:"sensor"`
	Lens      LensConfig      `mapstructure:"lens"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// NATSConfig holds broker connection settings.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	Embedded      bool          `mapstructure:"embedded"` // use the in-process bus instead of NATS
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// RedisConfig holds the attention cache backing store settings.
type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// LoggingConfig holds log level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig holds load monitor tuning.
type LoadConfig struct {
	Interval time.Duration `mapstructure:"interval"`

	// Signal weights, summing to 1.0.
	SchedulerWeight float64 `mapstructure:"scheduler_weight"`
	MemoryWeight    float64 `mapstructure:"memory_weight"`
	PubSubWeight    float64 `mapstructure:"pubsub_weight"`
	QueueWeight     float64 `mapstructure:"queue_weight"`

	// Composite score thresholds for elevated/high/critical.
	ElevatedThreshold float64 `mapstructure:"elevated_threshold"`
	HighThreshold     float64 `mapstructure:"high_threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`

	// Memory pressure at or above which protection auto-arms at critical.
	MemoryProtectionThreshold float64 `mapstructure:"memory_protection_threshold"`
}

// AttentionConfig holds attention tracker tuning.
type AttentionConfig struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	RecoveryWindow time.Duration `mapstructure:"recovery_window"`
}

// StoreConfig holds tiered store retention limits.
type StoreConfig struct {
	HotLimit  int `mapstructure:"hot_limit"`
	WarmLimit int `mapstructure:"warm_limit"`
}

// SensorConfig holds ingestion actor tuning.
type SensorConfig struct {
	MailboxSize int `mapstructure:"mailbox_size"`
}

// LensConfig holds per-viewer buffering tuning.
type LensConfig struct {
	LowQualityInterval    time.Duration `mapstructure:"low_quality_interval"`
	MediumQualityInterval time.Duration `mapstructure:"medium_quality_interval"`
	HighQualityInterval   time.Duration `mapstructure:"high_quality_interval"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "pulsehub-core")
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("load.interval", "2s")
	v.SetDefault("load.scheduler_weight", 0.35)
	v.SetDefault("load.memory_weight", 0.30)
	v.SetDefault("load.pubsub_weight", 0.20)
	v.SetDefault("load.queue_weight", 0.15)
	v.SetDefault("load.elevated_threshold", 0.50)
	v.SetDefault("load.high_threshold", 0.70)
	v.SetDefault("load.critical_threshold", 0.85)
	v.SetDefault("load.memory_protection_threshold", 0.90)

	v.SetDefault("attention.sweep_interval", "60s")
	v.SetDefault("attention.stale_after", "30m")
	v.SetDefault("attention.recovery_window", "120s")

	v.SetDefault("store.hot_limit", 1000)
	v.SetDefault("store.warm_limit", 5000)

	v.SetDefault("sensor.mailbox_size", 256)

	v.SetDefault("lens.low_quality_interval", "1s")
	v.SetDefault("lens.medium_quality_interval", "250ms")
	v.SetDefault("lens.high_quality_interval", "50ms")

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("PULSEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Load.Interval <= 0 {
		return fmt.Errorf("load.interval must be positive")
	}
	sum := c.Load.SchedulerWeight + c.Load.MemoryWeight + c.Load.PubSubWeight + c.Load.QueueWeight
	if sum <= 0 {
		return fmt.Errorf("load weights must sum to a positive value, got %f", sum)
	}
	if !(c.Load.ElevatedThreshold < c.Load.HighThreshold && c.Load.HighThreshold < c.Load.CriticalThreshold) {
		return fmt.Errorf("load thresholds must be strictly increasing")
	}
	if c.Store.HotLimit < 1 {
		return fmt.Errorf("store.hot_limit must be at least 1")
	}
	if c.Store.WarmLimit < 0 {
		return fmt.Errorf("store.warm_limit must not be negative")
	}
	if c.Attention.StaleAfter <= 0 || c.Attention.SweepInterval <= 0 {
		return fmt.Errorf("attention sweep settings must be positive")
	}
	return nil
}

// Default returns the built-in defaults without reading any file.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults always validate.
		panic(err)
	}
	return cfg
}
