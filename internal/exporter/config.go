// Package exporter runs on a lab host and announces its local resources to
// the coordinator.
package exporter

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML durations like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// ResourceConfig declares one exported resource in the exporter's YAML
// configuration.
type ResourceConfig struct {
	Group  string         `yaml:"group"`
	Class  string         `yaml:"class"`
	Params map[string]any `yaml:"params"`
}

// Config is the exporter's YAML configuration.
type Config struct {
	Name        string           `yaml:"name"`
	Coordinator string           `yaml:"coordinator"`
	TokenFile   string           `yaml:"token-file"`
	Heartbeat   Duration         `yaml:"heartbeat"`
	Rescan      Duration         `yaml:"rescan"`
	Resources   []ResourceConfig `yaml:"resources"`
}

// LoadConfig reads and validates the exporter configuration.
func LoadConfig(path string) (Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	if c.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return c, fmt.Errorf("no name configured and hostname unavailable: %w", err)
		}
		c.Name = host
	}
	if c.Coordinator == "" {
		c.Coordinator = "http://localhost:20408"
	}
	if c.TokenFile == "" {
		c.TokenFile = "exporter.token"
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = Duration(30 * time.Second)
	}
	if c.Rescan <= 0 {
		c.Rescan = Duration(10 * time.Second)
	}
	for i, r := range c.Resources {
		if r.Group == "" || r.Class == "" {
			return c, fmt.Errorf("resource %d: group and class are required", i)
		}
	}
	return c, nil
}
