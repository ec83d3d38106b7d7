// Package config loads the agent's startup configuration. The config is
// read exactly once; changing it requires an agent restart.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultIntervalSeconds = 10

// Config holds everything the agent needs to run. Immutable after Load.
type Config struct {
	// SystemID is the operator-supplied identifier the collector uses to
	// attribute this host's stream. Required, stable across restarts.
	SystemID string `yaml:"system-identifier"`

	// URL is the collector's WebSocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// Interval is the sampling cadence in seconds. Defaults to 10.
	Interval float64 `yaml:"interval"`

	// APIKey is an opaque credential passed on the handshake. Optional.
	APIKey string `yaml:"api-key"`

	// StatusFile, when set, is a path the agent keeps updated with a small
	// JSON status document. Optional.
	StatusFile string `yaml:"status-file"`

	// ListenAddr, when set, serves the local debug HTTP endpoint. Optional.
	ListenAddr string `yaml:"listen-addr"`

	// WatchServices seeds the watched service-unit list. The collector can
	// replace it at runtime.
	WatchServices []string `yaml:"watch-services"`
}

// Error is a fatal configuration problem. It is reported once at startup
// and never retried.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads and validates the YAML config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a raw YAML config document.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{Interval: DefaultIntervalSeconds}

	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.SystemID) == "" {
		return &Error{Field: "system-identifier", Reason: "must be set to a unique identifier for this machine"}
	}
	if strings.TrimSpace(c.URL) == "" {
		return &Error{Field: "url", Reason: "must be set to the collector's WebSocket URL"}
	}
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return &Error{Field: "url", Reason: "must start with ws:// or wss://"}
	}
	if c.Interval <= 0 {
		return &Error{Field: "interval", Reason: "must be a positive number of seconds"}
	}
	return nil
}

// SamplingInterval returns the configured cadence as a duration.
func (c *Config) SamplingInterval() time.Duration {
	return time.Duration(c.Interval * float64(time.Second))
}
