// Package config loads and validates edgeloopd's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sadewadee/edgeloop/internal/wire"
)

// Config holds the complete edgeloopd configuration.
type Config struct {
	Listener ListenerConfig `yaml:"listener"`
	Pool     PoolConfig     `yaml:"pool"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Logging  LogConfig      `yaml:"logging"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// ListenerConfig configures the non-blocking TCP listener (C3).
type ListenerConfig struct {
	Address string `yaml:"address"`
	Backlog int    `yaml:"backlog"`
	// MaxPayloadSize is the operator-configured payload cap enforced by
	// internal/connio, independent of and never looser than wire's
	// protocol-level ceiling (wire.MaxPayloadLength).
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// PoolConfig configures the background worker pool (internal/workerpool).
// It is intentionally disconnected from connection handling; see
// SPEC_FULL.md §6.
type PoolConfig struct {
	MinWorkers      int      `yaml:"min_workers"`
	MaxWorkers      int      `yaml:"max_workers"`
	AllocateTimeout Duration `yaml:"allocate_timeout"`
}

// MonitorConfig configures the optional live dashboard (internal/monitor).
type MonitorConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Address          string   `yaml:"address"`
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// LogConfig configures the structured logging sink.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DispatchConfig configures command-dispatch policy knobs.
type DispatchConfig struct {
	// CloseOnUnknownType, when true, closes the connection on receipt of an
	// undefined frame type instead of the default log-and-continue policy.
	CloseOnUnknownType bool `yaml:"close_on_unknown_type"`
}

// Duration is a time.Duration that supports YAML string unmarshaling
// ("30s", "2m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads config from a YAML file, applying defaults for missing values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Listener.Backlog < 1 {
		return fmt.Errorf("listener.backlog must be >= 1, got %d", c.Listener.Backlog)
	}
	if c.Listener.MaxPayloadSize <= 0 {
		return fmt.Errorf("listener.max_payload_size must be > 0, got %d", c.Listener.MaxPayloadSize)
	}
	if c.Listener.MaxPayloadSize > wire.MaxPayloadLength {
		return fmt.Errorf("listener.max_payload_size (%d) must be <= %d", c.Listener.MaxPayloadSize, wire.MaxPayloadLength)
	}
	if c.Pool.MinWorkers < 0 {
		return fmt.Errorf("pool.min_workers must be >= 0, got %d", c.Pool.MinWorkers)
	}
	if c.Pool.MaxWorkers < c.Pool.MinWorkers {
		return fmt.Errorf("pool.max_workers (%d) must be >= pool.min_workers (%d)", c.Pool.MaxWorkers, c.Pool.MinWorkers)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}
	return nil
}
