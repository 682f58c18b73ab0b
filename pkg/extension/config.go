package extension

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"Forged-Core/pkg/descriptor"
)

// Config carries host-side settings for extensions, keyed by extension name.
// It never affects trust or ordering; it only shapes how an already resolved
// extension is initialised.
type Config struct {
	PluginDir  string              `yaml:"pluginDir"`
	Defaults   IsolationPolicy     `yaml:"defaults"`
	Extensions map[string]Settings `yaml:"extensions"`
}

// Settings is the configuration block for a single extension.
type Settings struct {
	Disabled bool             `yaml:"disabled"`
	Config   map[string]any   `yaml:"config"`
	Policy   *IsolationPolicy `yaml:"policy"`
}

// LoadConfig reads a YAML file into a Config.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("extension config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read extension config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal extension config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate ensures every configured name is a dotted namespace.
func (c Config) Validate() error {
	for name := range c.Extensions {
		if !descriptor.ValidName(name) {
			return fmt.Errorf("extension config key %q is not a dotted namespace", name)
		}
	}
	return nil
}

// Disabled reports whether name is switched off.
func (c Config) Disabled(name string) bool {
	return c.Extensions[name].Disabled
}

// PolicyFor returns the extension policy merged over the defaults.
func (c Config) PolicyFor(name string) IsolationPolicy {
	s, ok := c.Extensions[name]
	if !ok || s.Policy == nil {
		return c.Defaults
	}
	return s.Policy.Merge(c.Defaults)
}

// SettingsFor returns a copy of the configuration block for name. The result
// is never nil so extensions may inject defaults.
func (c Config) SettingsFor(name string) map[string]any {
	src := c.Extensions[name].Config
	cp := make(map[string]any, len(src))
	for k, v := range src {
		cp[k] = v
	}
	return cp
}
