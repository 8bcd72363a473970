// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. Every
// key is environment-overridable with the VODMON_ prefix, e.g.
// VODMON_RATELIMIT_REQUEST_DELAY_SECONDS.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Batch     BatchConfig     `mapstructure:"batch"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RateLimitConfig holds the two throttling scalars.
type RateLimitConfig struct {
	RequestDelaySeconds int `mapstructure:"request_delay_seconds"`
	DailyCap            int `mapstructure:"daily_cap"`
}

// MonitorConfig governs source polling.
type MonitorConfig struct {
	Channels             []string `mapstructure:"channels"`
	PollIntervalSeconds  int      `mapstructure:"poll_interval_seconds"`
	StatePath            string   `mapstructure:"state_path"`
	FallbackSleepSeconds int      `mapstructure:"fallback_sleep_seconds"`
	UserAgent            string   `mapstructure:"user_agent"`
	FetchTimeoutSeconds  int      `mapstructure:"fetch_timeout_seconds"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Count               int `mapstructure:"count"`
	FailureSleepSeconds int `mapstructure:"failure_sleep_seconds"`
}

// QueueConfig bounds the priority queue.
type QueueConfig struct {
	Depth      int `mapstructure:"depth"`
	MaxRetries int `mapstructure:"max_retries"`
}

// BatchConfig governs explicit batch processing.
type BatchConfig struct {
	MaxConcurrentJobs int    `mapstructure:"max_concurrent_jobs"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RetryEnabled      bool   `mapstructure:"retry_enabled"`
	OutputDir         string `mapstructure:"output_dir"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VODMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("ratelimit.request_delay_seconds", 2)
	v.SetDefault("ratelimit.daily_cap", 100)
	v.SetDefault("monitor.poll_interval_seconds", 300)
	v.SetDefault("monitor.state_path", "data/seen_videos.json")
	v.SetDefault("monitor.fallback_sleep_seconds", 600)
	v.SetDefault("monitor.user_agent", "vodmon/0.1")
	v.SetDefault("monitor.fetch_timeout_seconds", 15)
	v.SetDefault("worker.count", 3)
	v.SetDefault("worker.failure_sleep_seconds", 1)
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("batch.max_concurrent_jobs", 2)
	v.SetDefault("batch.max_retries", 3)
	v.SetDefault("batch.retry_enabled", true)
	v.SetDefault("batch.output_dir", "data/batches")
}

// Validate enforces required values and reasonable limits. Configuration
// errors fail fast at construction.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.RateLimit.RequestDelaySeconds <= 0 {
		return fmt.Errorf("ratelimit.request_delay_seconds must be > 0")
	}
	if c.RateLimit.DailyCap <= 0 {
		return fmt.Errorf("ratelimit.daily_cap must be > 0")
	}
	if c.Monitor.PollIntervalSeconds <= 0 {
		return fmt.Errorf("monitor.poll_interval_seconds must be > 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be > 0")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	if c.Batch.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("batch.max_concurrent_jobs must be > 0")
	}
	if c.Batch.MaxRetries < 0 {
		return fmt.Errorf("batch.max_retries must be >= 0")
	}
	return nil
}

// PollInterval converts the monitor interval into a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervalSeconds) * time.Second
}

// RequestDelay converts the rate limit delay into a duration.
func (c Config) RequestDelay() time.Duration {
	return time.Duration(c.RateLimit.RequestDelaySeconds) * time.Second
}
