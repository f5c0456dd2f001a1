// Package config loads daemon configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the daemon and all agents.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	EventBus EventBusConfig `mapstructure:"eventbus"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Tracing  TracingConfig  `mapstructure:"tracing"`

	Clerk       AgentConfig `mapstructure:"clerk"`
	Transformer AgentConfig `mapstructure:"transformer"`
	Carrier     AgentConfig `mapstructure:"carrier"`
}

// LogConfig controls logger level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects the sqlite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EventBusConfig selects the event bus backend by section tag.
type EventBusConfig struct {
	Backend string `mapstructure:"backend"`
}

// CacheConfig controls the in-process cache handle.
type CacheConfig struct {
	Backend           string        `mapstructure:"backend"`
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// TracingConfig mirrors the exporter choices of the trace provider.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // stdout, otlp, file
	Endpoint     string  `mapstructure:"endpoint"`
	FilePath     string  `mapstructure:"file_path"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	ServiceName  string  `mapstructure:"service_name"`
}

// AgentConfig carries the per-agent scheduling knobs. All durations are
// expressed in seconds in the config file, matching the daemon's
// historical units.
type AgentConfig struct {
	HeartbeatDelay     int `mapstructure:"heartbeat_delay"`
	PollTimePeriod     int `mapstructure:"poll_time_period"`
	RetrieveBulkSize   int `mapstructure:"retrieve_bulk_size"`
	MaxNumberWorkers   int `mapstructure:"max_number_workers"`
	EventIntervalDelay int `mapstructure:"event_interval_delay"`
	NewPollPeriod      int `mapstructure:"new_poll_period"`
	UpdatePollPeriod   int `mapstructure:"update_poll_period"`
	MaxNewRetries      int `mapstructure:"max_new_retries"`
	MaxUpdateRetries   int `mapstructure:"max_update_retries"`
	CleanLockingPeriod int `mapstructure:"clean_locking_period"`
}

// Load reads configuration from the given file path (optional) plus
// IDDS_-prefixed environment variables, applying defaults for every
// unset key.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IDDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration with no file or env input.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.path", "idds.db")

	v.SetDefault("eventbus.backend", "local")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.default_expiration", 30*time.Minute)
	v.SetDefault("cache.cleanup_interval", 10*time.Minute)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "idds")

	for _, agent := range []string{"clerk", "transformer", "carrier"} {
		v.SetDefault(agent+".heartbeat_delay", 600)
		v.SetDefault(agent+".poll_time_period", 10)
		v.SetDefault(agent+".retrieve_bulk_size", 10)
		v.SetDefault(agent+".max_number_workers", 3)
		v.SetDefault(agent+".event_interval_delay", 1)
		v.SetDefault(agent+".new_poll_period", 10)
		v.SetDefault(agent+".update_poll_period", 10)
		v.SetDefault(agent+".max_new_retries", 3)
		v.SetDefault(agent+".max_update_retries", 3)
		v.SetDefault(agent+".clean_locking_period", 1800)
	}
}
