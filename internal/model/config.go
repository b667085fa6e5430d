// Package model defines specsync's configuration, entities, verdicts and error taxonomy.
package model

import "time"

type Config struct {
	Project     ProjectConfig     `yaml:"project" mapstructure:"project"`
	Watcher     WatcherConfig     `yaml:"watcher" mapstructure:"watcher"`
	Consistency ConsistencyConfig `yaml:"consistency" mapstructure:"consistency"`
	Router      RouterConfig      `yaml:"router" mapstructure:"router"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" mapstructure:"scheduler"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Daemon      DaemonConfig      `yaml:"daemon" mapstructure:"daemon"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
	Notify      NotifyConfig      `yaml:"notify" mapstructure:"notify"`
}

type ProjectConfig struct {
	Name     string `yaml:"name" mapstructure:"name"`
	DocsDir  string `yaml:"docs_dir" mapstructure:"docs_dir"`
	StateDir string `yaml:"state_dir" mapstructure:"state_dir"`
}

type WatcherConfig struct {
	DebounceMs      int      `yaml:"debounce_ms" mapstructure:"debounce_ms"`
	Include         []string `yaml:"include" mapstructure:"include"`
	Exclude         []string `yaml:"exclude" mapstructure:"exclude"`
	ScanIntervalSec int      `yaml:"scan_interval_sec" mapstructure:"scan_interval_sec"`
	EventBuffer     int      `yaml:"event_buffer" mapstructure:"event_buffer"`
}

type ConsistencyConfig struct {
	AutoRepairThreshold  float64 `yaml:"auto_repair_threshold" mapstructure:"auto_repair_threshold"`
	ArbitrationThreshold float64 `yaml:"arbitration_threshold" mapstructure:"arbitration_threshold"`
	RecencyToleranceMs   int     `yaml:"recency_tolerance_ms" mapstructure:"recency_tolerance_ms"`
}

type RouterConfig struct {
	Backlog          int `yaml:"backlog" mapstructure:"backlog"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	HandlerTimeoutMs int `yaml:"handler_timeout_ms" mapstructure:"handler_timeout_ms"`
}

type SchedulerConfig struct {
	CapacityLimit     int  `yaml:"capacity_limit" mapstructure:"capacity_limit"`
	AllowOverCapacity bool `yaml:"allow_over_capacity" mapstructure:"allow_over_capacity"`
}

type CacheConfig struct {
	TTLSec     int `yaml:"ttl_sec" mapstructure:"ttl_sec"`
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec  int `yaml:"shutdown_timeout_sec" mapstructure:"shutdown_timeout_sec"`
	ValidateIntervalSec int `yaml:"validate_interval_sec" mapstructure:"validate_interval_sec"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	Stderr     bool   `yaml:"stderr" mapstructure:"stderr"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns the configuration used when no config file is present.
func DefaultConfig() Config {
	return Config{
		Project: ProjectConfig{
			DocsDir:  "docs",
			StateDir: ".specsync",
		},
		Watcher: WatcherConfig{
			DebounceMs:      500,
			Include:         []string{"*.md", "*.json"},
			Exclude:         []string{".*", "*.tmp", "*.bak", "*~"},
			ScanIntervalSec: 30,
			EventBuffer:     256,
		},
		Consistency: ConsistencyConfig{
			AutoRepairThreshold:  0.75,
			ArbitrationThreshold: 0.5,
			RecencyToleranceMs:   2000,
		},
		Router: RouterConfig{
			Backlog:          256,
			FailureThreshold: 3,
			HandlerTimeoutMs: 10000,
		},
		Scheduler: SchedulerConfig{
			CapacityLimit: 1,
		},
		Cache: CacheConfig{
			TTLSec:     5,
			MaxEntries: 128,
		},
		Daemon: DaemonConfig{
			ShutdownTimeoutSec:  30,
			ValidateIntervalSec: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Textfile: "metrics.prom",
		},
	}
}

func (c WatcherConfig) Debounce() time.Duration {
	if c.DebounceMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c ConsistencyConfig) RecencyTolerance() time.Duration {
	if c.RecencyToleranceMs < 0 {
		return 0
	}
	return time.Duration(c.RecencyToleranceMs) * time.Millisecond
}
