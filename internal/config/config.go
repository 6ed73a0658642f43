// Package config carries the crash shootdown policy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the crash-time policy.
type Config struct {
	Shootdown ShootdownConfig `yaml:"shootdown"`
	Dump      DumpConfig      `yaml:"dump"`
}

// ShootdownConfig bounds the coordinator's wait for responders.
type ShootdownConfig struct {
	// TimeoutMS is the total budget spent waiting for other CPUs to stop.
	TimeoutMS int `yaml:"timeout_ms"`
	// PollIntervalMS is the sleep granularity of the wait loop.
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// DumpConfig controls where crash state ends up.
type DumpConfig struct {
	VMCorePath string `yaml:"vmcore_path"`
}

// Default returns the stock policy: wait at most a second, polling every
// millisecond.
func Default() Config {
	return Config{
		Shootdown: ShootdownConfig{
			TimeoutMS:      1000,
			PollIntervalMS: 1,
		},
		Dump: DumpConfig{
			VMCorePath: "vmcore",
		},
	}
}

// Load reads a YAML policy file over the defaults, then applies env
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, cfg.validate()
}

// FromEnv returns the defaults with env overrides applied.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.Shootdown.TimeoutMS = envInt("VMCRASH_SHOOTDOWN_TIMEOUT_MS", c.Shootdown.TimeoutMS)
	c.Shootdown.PollIntervalMS = envInt("VMCRASH_SHOOTDOWN_POLL_MS", c.Shootdown.PollIntervalMS)
	if v := os.Getenv("VMCRASH_VMCORE_PATH"); v != "" {
		c.Dump.VMCorePath = v
	}
}

func (c *Config) validate() error {
	if c.Shootdown.TimeoutMS <= 0 {
		return fmt.Errorf("config: shootdown timeout must be positive, got %d", c.Shootdown.TimeoutMS)
	}
	if c.Shootdown.PollIntervalMS <= 0 {
		return fmt.Errorf("config: poll interval must be positive, got %d", c.Shootdown.PollIntervalMS)
	}
	return nil
}

// Normalize replaces non-positive fields with the stock values, so a
// degenerate policy cannot produce a zero-length or unbounded wait.
func (c ShootdownConfig) Normalize() ShootdownConfig {
	stock := Default().Shootdown
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = stock.TimeoutMS
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = stock.PollIntervalMS
	}
	return c
}

// Timeout returns the wait budget as a duration.
func (c ShootdownConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// PollInterval returns the poll granularity as a duration.
func (c ShootdownConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
