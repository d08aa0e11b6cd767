package worker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skyhook-ai/skyhook/node"
)

// Config is the worker configuration file format. Every field has a
// default; an empty file is a valid config.
type Config struct {
	// ID identifies the node. Defaults to the hostname.
	ID string `yaml:"id"`
	// ControlPlaneURL is the base URL of the control plane API.
	ControlPlaneURL string `yaml:"controlPlaneUrl"`
	// Metadata carries region, environment, and arbitrary scheduling
	// labels.
	Metadata map[string]string `yaml:"metadata"`
	// Slots is the declared run capacity. Defaults to
	// maxConcurrentLeases.
	Slots int `yaml:"slots"`
	// Resources carries opaque resource hints (gpu, memory, ...).
	Resources map[string]string `yaml:"resources"`
	// MaxConcurrentLeases bounds concurrent executions.
	MaxConcurrentLeases int `yaml:"maxConcurrentLeases"`
	// HeartbeatInterval is a duration string ("15s", "1m").
	HeartbeatInterval string `yaml:"heartbeatInterval"`
}

// LoadConfig reads and parses a worker configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Capacity builds the node capacity declared at registration.
func (c *Config) Capacity() node.Capacity {
	slots := c.Slots
	if slots <= 0 {
		slots = c.MaxConcurrentLeases
	}
	if slots <= 0 {
		slots = DefaultMaxConcurrentLeases
	}
	return node.Capacity{Slots: slots, Resources: c.Resources}
}

// Interval parses the heartbeat interval, falling back to the default when
// unset.
func (c *Config) Interval() (time.Duration, error) {
	if c.HeartbeatInterval == "" {
		return DefaultHeartbeatInterval, nil
	}
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil {
		return 0, fmt.Errorf("parse heartbeatInterval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("heartbeatInterval must be positive, got %s", d)
	}
	return d, nil
}
