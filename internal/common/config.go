// Package common provides shared utilities for Arasul.
package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the Arasul control plane.
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Runtime     RuntimeConfig   `toml:"runtime"`
	Queue       QueueConfig     `toml:"queue"`
	Residency   ResidencyConfig `toml:"residency"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend string `toml:"backend"` // "badger" (default) or "surreal"
	Path    string `toml:"path"`    // badger data directory
	Address string `toml:"address"` // surreal endpoint, e.g. ws://localhost:8000
	User    string `toml:"user"`
	Pass    string `toml:"pass"`
	NS      string `toml:"ns"`
	DB      string `toml:"db"`
}

// RuntimeConfig holds the inference runtime (Ollama) client configuration.
type RuntimeConfig struct {
	BaseURL          string `toml:"base_url"`
	DefaultModel     string `toml:"default_model"`     // env fallback for default resolution
	ActivateTimeout  string `toml:"activate_timeout"`  // default "15m"
	UnloadTimeout    string `toml:"unload_timeout"`    // default "10s"
	DownloadTimeout  string `toml:"download_timeout"`  // default "1h"
	ReadinessBudget  string `toml:"readiness_budget"`  // default "5m"
	ReadinessRetry   string `toml:"readiness_retry"`   // default "5s"
	RateLimitPerSec  int    `toml:"rate_limit_per_sec"`
}

// GetActivateTimeout parses and returns the activation timeout.
func (c *RuntimeConfig) GetActivateTimeout() time.Duration {
	return parseDurationOr(c.ActivateTimeout, 15*time.Minute)
}

// GetUnloadTimeout parses and returns the unload call timeout.
func (c *RuntimeConfig) GetUnloadTimeout() time.Duration {
	return parseDurationOr(c.UnloadTimeout, 10*time.Second)
}

// GetDownloadTimeout parses and returns the model download timeout.
func (c *RuntimeConfig) GetDownloadTimeout() time.Duration {
	return parseDurationOr(c.DownloadTimeout, time.Hour)
}

// GetReadinessBudget parses and returns the total readiness wait budget.
func (c *RuntimeConfig) GetReadinessBudget() time.Duration {
	return parseDurationOr(c.ReadinessBudget, 5*time.Minute)
}

// GetReadinessRetry parses and returns the initial readiness poll interval.
func (c *RuntimeConfig) GetReadinessRetry() time.Duration {
	return parseDurationOr(c.ReadinessRetry, 5*time.Second)
}

// QueueConfig holds job queue and persistence batcher configuration.
type QueueConfig struct {
	BatchingEnabled   bool   `toml:"batching_enabled"`
	DefaultMaxWaitSec int    `toml:"default_max_wait_sec"` // default 120
	QueueTimeout      string `toml:"queue_timeout"`        // default "30m"
	StreamIdleTimeout string `toml:"stream_idle_timeout"`  // default "10m"
	ReaperInterval    string `toml:"reaper_interval"`      // default "60s"
	GCInterval        string `toml:"gc_interval"`          // default "1h"
	GCRetention       string `toml:"gc_retention"`         // default "1h"
	BatchFlushMs      int    `toml:"batch_flush_ms"`       // default 500
	BatchFlushChars   int    `toml:"batch_flush_chars"`    // default 100
}

// GetQueueTimeout parses and returns the pending-job timeout.
func (c *QueueConfig) GetQueueTimeout() time.Duration {
	return parseDurationOr(c.QueueTimeout, 30*time.Minute)
}

// GetStreamIdleTimeout parses and returns the streaming idle timeout.
func (c *QueueConfig) GetStreamIdleTimeout() time.Duration {
	return parseDurationOr(c.StreamIdleTimeout, 10*time.Minute)
}

// GetReaperInterval parses and returns the reaper scan interval.
func (c *QueueConfig) GetReaperInterval() time.Duration {
	return parseDurationOr(c.ReaperInterval, time.Minute)
}

// GetGCInterval parses and returns the terminal-job purge interval.
func (c *QueueConfig) GetGCInterval() time.Duration {
	return parseDurationOr(c.GCInterval, time.Hour)
}

// GetGCRetention parses and returns how long terminal jobs are kept.
func (c *QueueConfig) GetGCRetention() time.Duration {
	return parseDurationOr(c.GCRetention, time.Hour)
}

// GetBatchFlushInterval returns the persistence batcher time threshold.
func (c *QueueConfig) GetBatchFlushInterval() time.Duration {
	if c.BatchFlushMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.BatchFlushMs) * time.Millisecond
}

// GetBatchFlushChars returns the persistence batcher size threshold.
func (c *QueueConfig) GetBatchFlushChars() int {
	if c.BatchFlushChars <= 0 {
		return 100
	}
	return c.BatchFlushChars
}

// GetDefaultMaxWait returns the default per-job queue-wait bound.
func (c *QueueConfig) GetDefaultMaxWait() time.Duration {
	if c.DefaultMaxWaitSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.DefaultMaxWaitSec) * time.Second
}

// ResidencyConfig holds model residency and auto-unload configuration.
type ResidencyConfig struct {
	SwitchCooldown      string `toml:"switch_cooldown"`       // default "5s"
	DefaultKeepAliveSec int    `toml:"default_keep_alive_sec"` // default 300
	InactivityThreshold string `toml:"inactivity_threshold"`  // default "30m"
	RAMCriticalPercent  int    `toml:"ram_critical_percent"`  // default 95
	LongRequestMs       int    `toml:"long_request_ms"`       // default 180000
	SyncInterval        string `toml:"sync_interval"`         // default "60s"
	UnloadCheckInterval string `toml:"unload_check_interval"` // default "30s"
}

// GetSwitchCooldown parses and returns the floor between two activations.
func (c *ResidencyConfig) GetSwitchCooldown() time.Duration {
	return parseDurationOr(c.SwitchCooldown, 5*time.Second)
}

// GetDefaultKeepAlive returns the keep_alive passed to the runtime.
func (c *ResidencyConfig) GetDefaultKeepAlive() time.Duration {
	if c.DefaultKeepAliveSec <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.DefaultKeepAliveSec) * time.Second
}

// GetInactivityThreshold parses and returns the auto-unload threshold.
func (c *ResidencyConfig) GetInactivityThreshold() time.Duration {
	return parseDurationOr(c.InactivityThreshold, 30*time.Minute)
}

// GetRAMCriticalPercent returns the memory-pressure warning threshold.
func (c *ResidencyConfig) GetRAMCriticalPercent() int {
	if c.RAMCriticalPercent <= 0 {
		return 95
	}
	return c.RAMCriticalPercent
}

// GetLongRequest returns the long-running request warning threshold.
func (c *ResidencyConfig) GetLongRequest() time.Duration {
	if c.LongRequestMs <= 0 {
		return 3 * time.Minute
	}
	return time.Duration(c.LongRequestMs) * time.Millisecond
}

// GetSyncInterval parses and returns the catalog sync interval.
func (c *ResidencyConfig) GetSyncInterval() time.Duration {
	return parseDurationOr(c.SyncInterval, time.Minute)
}

// GetUnloadCheckInterval parses and returns the smart-unload scan interval.
func (c *ResidencyConfig) GetUnloadCheckInterval() time.Duration {
	return parseDurationOr(c.UnloadCheckInterval, 30*time.Second)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NewDefaultConfig returns a Config with sensible defaults for a
// single-node edge appliance.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Backend: "badger",
			Path:    "data/arasul",
			Address: "ws://localhost:8000",
			User:    "root",
			Pass:    "root",
			NS:      "arasul",
			DB:      "arasul",
		},
		Runtime: RuntimeConfig{
			BaseURL:         "http://localhost:11434",
			ActivateTimeout: "15m",
			UnloadTimeout:   "10s",
			DownloadTimeout: "1h",
			ReadinessBudget: "5m",
			ReadinessRetry:  "5s",
			RateLimitPerSec: 10,
		},
		Queue: QueueConfig{
			BatchingEnabled:   true,
			DefaultMaxWaitSec: 120,
			QueueTimeout:      "30m",
			StreamIdleTimeout: "10m",
			ReaperInterval:    "60s",
			GCInterval:        "1h",
			GCRetention:       "1h",
			BatchFlushMs:      500,
			BatchFlushChars:   100,
		},
		Residency: ResidencyConfig{
			SwitchCooldown:      "5s",
			DefaultKeepAliveSec: 300,
			InactivityThreshold: "30m",
			RAMCriticalPercent:  95,
			LongRequestMs:       180000,
			SyncInterval:        "60s",
			UnloadCheckInterval: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Later files override earlier ones; missing files are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("ARASUL_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("ARASUL_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("ARASUL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("ARASUL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if path := os.Getenv("ARASUL_DATA_PATH"); path != "" {
		config.Storage.Path = path
	}

	if backend := os.Getenv("ARASUL_STORAGE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}

	if url := os.Getenv("ARASUL_RUNTIME_URL"); url != "" {
		config.Runtime.BaseURL = url
	}

	if model := os.Getenv("ARASUL_DEFAULT_MODEL"); model != "" {
		config.Runtime.DefaultModel = model
	}
}
