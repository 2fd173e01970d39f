package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration file surface. Every field is optional;
// zero values fall back to engine defaults.
type Config struct {
	Binary         string   `yaml:"binary"`
	Model          string   `yaml:"model"`
	SystemPrompt   string   `yaml:"system_prompt"`
	PermissionMode string   `yaml:"permission_mode"`
	AllowedTools   []string `yaml:"allowed_tools"`
	AddDirs        []string `yaml:"add_dirs"`
	PlainText      bool     `yaml:"plain_text"`
	MaxTurns       int      `yaml:"max_turns"`

	Timeout     duration `yaml:"timeout"`
	HangTimeout duration `yaml:"hang_timeout"`
	IdleTimeout duration `yaml:"idle_timeout"`

	MaxParallel  int `yaml:"max_parallel"`
	PoolCapacity int `yaml:"pool_capacity"`
}

// duration wraps time.Duration so YAML values like "90s" or "5m" parse.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

func (d duration) get() time.Duration { return time.Duration(d) }

// loadConfig reads and validates a YAML config file. An empty path returns
// an all-defaults config.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must be >= 0, got %d", c.MaxParallel)
	}
	if c.PoolCapacity < 0 {
		return fmt.Errorf("pool_capacity must be >= 0, got %d", c.PoolCapacity)
	}
	if c.MaxTurns < 0 {
		return fmt.Errorf("max_turns must be >= 0, got %d", c.MaxTurns)
	}
	for _, d := range []struct {
		name  string
		value duration
	}{
		{"timeout", c.Timeout},
		{"hang_timeout", c.HangTimeout},
		{"idle_timeout", c.IdleTimeout},
	} {
		if d.value < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}
	return nil
}
