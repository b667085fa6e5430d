// Package config loads the project configuration through Viper: built-in
// defaults, then .specsync/config.yaml, then SPECSYNC_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/msageha/specsync/internal/model"
)

const (
	SyncDirName    = ".specsync"
	ConfigFileName = "config.yaml"
	EnvPrefix      = "SPECSYNC"
)

// Load reads the configuration for the project rooted at projectDir. A
// missing config file is not an error.
func Load(projectDir string) (model.Config, error) {
	return LoadFile(filepath.Join(projectDir, SyncDirName, ConfigFileName))
}

func LoadFile(path string) (model.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(model.DefaultConfig())
	if err != nil {
		return model.Config{}, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return model.Config{}, fmt.Errorf("load defaults: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return model.Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return model.Config{}, fmt.Errorf("stat %s: %w", path, err)
	}

	var cfg model.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return model.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot operate with.
func Validate(cfg model.Config) error {
	var errs []string
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}
	c := cfg.Consistency
	check(c.AutoRepairThreshold >= 0 && c.AutoRepairThreshold <= 1, "consistency.auto_repair_threshold must be in [0,1]")
	check(c.ArbitrationThreshold >= 0 && c.ArbitrationThreshold <= 1, "consistency.arbitration_threshold must be in [0,1]")
	check(c.RecencyToleranceMs >= 0, "consistency.recency_tolerance_ms must be >= 0")
	check(cfg.Watcher.DebounceMs > 0, "watcher.debounce_ms must be > 0")
	check(cfg.Router.Backlog > 0, "router.backlog must be > 0")
	check(cfg.Router.FailureThreshold > 0, "router.failure_threshold must be > 0")
	check(cfg.Scheduler.CapacityLimit > 0, "scheduler.capacity_limit must be > 0")
	check(cfg.Cache.MaxEntries > 0, "cache.max_entries must be > 0")
	check(cfg.Project.DocsDir != "", "project.docs_dir must be set")
	check(cfg.Project.StateDir != "", "project.state_dir must be set")
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
