package driver

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManagerConfig describes the drivers a plugin hosts and the capabilities
// each of them serves.
type ManagerConfig struct {
	DriverDir string                  `yaml:"driverDir"`
	Drivers   map[string]DriverConfig `yaml:"drivers"`
}

// DriverConfig is the configuration block for a single driver instance.
// Exactly one of Kind (builtin) or Path (shared object) must be set.
type DriverConfig struct {
	Enabled      bool             `yaml:"enabled"`
	Kind         string           `yaml:"kind"`
	Path         string           `yaml:"path"`
	Config       map[string]any   `yaml:"config"`
	Capabilities []CapabilitySpec `yaml:"capabilities"`
}

// LoadManagerConfig reads a YAML manifest into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("manifest path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read driver manifest: %w", err)
	}
	return ParseManagerConfig(raw)
}

// ParseManagerConfig decodes a YAML manifest.
func ParseManagerConfig(raw []byte) (ManagerConfig, error) {
	var cfg ManagerConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal driver manifest: %w", err)
	}
	if cfg.Drivers == nil {
		cfg.Drivers = map[string]DriverConfig{}
	}
	return cfg, nil
}

// Validate ensures the manifest is internally consistent.
func (c ManagerConfig) Validate() error {
	seen := make(map[string]string)
	for id, d := range c.Drivers {
		if id == "" {
			return errors.New("driver id cannot be empty")
		}
		if !d.Enabled {
			continue
		}
		if d.Kind == "" && d.Path == "" {
			return fmt.Errorf("driver %s needs either kind or path", id)
		}
		if d.Kind != "" && d.Path != "" {
			return fmt.Errorf("driver %s cannot set both kind and path", id)
		}
		if len(d.Capabilities) == 0 {
			return fmt.Errorf("driver %s declares no capabilities", id)
		}
		for _, spec := range d.Capabilities {
			if spec.Name == "" {
				return fmt.Errorf("driver %s has a capability without name", id)
			}
			if owner, ok := seen[spec.Name]; ok {
				return fmt.Errorf("capability %s declared by both %s and %s", spec.Name, owner, id)
			}
			seen[spec.Name] = id
		}
	}
	return nil
}
