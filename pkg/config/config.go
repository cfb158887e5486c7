package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration struct for the daemon. Tags are used
// by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel string          `mapstructure:"log_level"`
	APIPort  string          `mapstructure:"api_port"`
	DBPath   string          `mapstructure:"db_path"`
	Sampler  SamplerConfig   `mapstructure:"sampler"`
	Files    FileWatchConfig `mapstructure:"files"`
	Network  NetworkConfig   `mapstructure:"network"`
	Enforce  EnforceConfig   `mapstructure:"enforcement"`
	Events   EventsConfig    `mapstructure:"events"`
	Monitors []MonitorConfig `mapstructure:"monitors"`
}

// SamplerConfig controls the resource sampler.
type SamplerConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	AlertCooldown    time.Duration `mapstructure:"alert_cooldown"`
	ThresholdPercent float64       `mapstructure:"threshold_percent"`
}

// FileWatchConfig controls the protected-file watcher.
type FileWatchConfig struct {
	PollFallbackInterval time.Duration `mapstructure:"poll_fallback_interval"`
}

// NetworkConfig controls the network watcher.
type NetworkConfig struct {
	Interface       string        `mapstructure:"interface"`
	RejectThreshold int           `mapstructure:"reject_threshold"`
	RejectWindow    time.Duration `mapstructure:"reject_window"`
}

// EnforceConfig controls enforcement actions.
type EnforceConfig struct {
	QuarantineDir string        `mapstructure:"quarantine_dir"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// EventsConfig controls the event bus.
type EventsConfig struct {
	SubscriberQueueSize int `mapstructure:"subscriber_queue_size"`
}

// MonitorConfig defines the scheduling of a single monitor.
type MonitorConfig struct {
	Name     string `mapstructure:"name"`
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

// GetMonitorConfig returns the config block for a named monitor, or nil when
// the monitor is not configured.
func (c *Config) GetMonitorConfig(name string) *MonitorConfig {
	for i := range c.Monitors {
		if c.Monitors[i].Name == name {
			return &c.Monitors[i]
		}
	}
	return nil
}

// MonitorEnabled reports whether a named monitor should be scheduled.
// Monitors without a config block run by default.
func (c *Config) MonitorEnabled(name string) bool {
	mc := c.GetMonitorConfig(name)
	return mc == nil || mc.Enabled
}

// MonitorInterval returns the per-monitor interval override, or fallback
// when the monitor has no block, no interval, or an unparsable one.
func (c *Config) MonitorInterval(name string, fallback time.Duration) time.Duration {
	mc := c.GetMonitorConfig(name)
	if mc == nil || mc.Interval == "" {
		return fallback
	}
	d, err := time.ParseDuration(mc.Interval)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoadConfig reads the configuration from a YAML file (config.yaml) and
// environment variables. It uses Viper for robust configuration management,
// allowing for defaults and environment variable overrides.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/securewatch/")

	v.SetDefault("log_level", "info")
	v.SetDefault("api_port", "8080")
	v.SetDefault("db_path", "securewatch.db")
	v.SetDefault("sampler.interval", "60s")
	v.SetDefault("sampler.alert_cooldown", "5m")
	v.SetDefault("sampler.threshold_percent", 90.0)
	v.SetDefault("files.poll_fallback_interval", "30s")
	v.SetDefault("network.interface", "")
	v.SetDefault("network.reject_threshold", 3)
	v.SetDefault("network.reject_window", "1m")
	v.SetDefault("enforcement.quarantine_dir", "files/quarantine")
	v.SetDefault("enforcement.timeout", "5s")
	v.SetDefault("enforcement.max_retries", 3)
	v.SetDefault("events.subscriber_queue_size", 64)

	v.SetEnvPrefix("SECUREWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// A runaway sampling loop is worse than a slow one.
	if cfg.Sampler.Interval < time.Second {
		cfg.Sampler.Interval = time.Second
	}
	if cfg.Sampler.AlertCooldown <= 0 {
		cfg.Sampler.AlertCooldown = 5 * time.Minute
	}
	if cfg.Enforce.Timeout <= 0 {
		cfg.Enforce.Timeout = 5 * time.Second
	}
	if cfg.Events.SubscriberQueueSize <= 0 {
		cfg.Events.SubscriberQueueSize = 64
	}

	return &cfg, nil
}
