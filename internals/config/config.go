// Package config loads tasksh's startup configuration: the task ceiling,
// the maximum captured line length, and the optional metrics listener
// address (SPEC_FULL.md §2.2).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxTasks is MAX_TASKS from spec.md §3.
	DefaultMaxTasks = 4096
	// DefaultMaxLine is MAX_LINE from spec.md §6.
	DefaultMaxLine = 512
)

// Config is tasksh's startup configuration.
type Config struct {
	MaxTasks    int    `yaml:"max_tasks"`
	MaxLine     int    `yaml:"max_line"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration spec.md's constants imply.
func Default() Config {
	return Config{MaxTasks: DefaultMaxTasks, MaxLine: DefaultMaxLine}
}

// Load reads and parses a YAML config file at path, starting from Default
// and overriding only the fields the file sets.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("cannot parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration satisfies spec.md's stated
// minimums: MAX_TASKS is at least 4096 and MAX_LINE is at least 512.
func (c Config) Validate() error {
	if c.MaxTasks < DefaultMaxTasks {
		return fmt.Errorf("max_tasks must be at least %d", DefaultMaxTasks)
	}
	if c.MaxLine < DefaultMaxLine {
		return fmt.Errorf("max_line must be at least %d", DefaultMaxLine)
	}
	return nil
}
