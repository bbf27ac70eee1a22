package host

import (
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// GcConfig controls plugin garbage collection.
type GcConfig struct {
	Enabled bool   `koanf:"enabled"`
	Timeout string `koanf:"timeout"`
}

// PluginOverride is per-plugin configuration the user can declare.
type PluginOverride struct {
	GcDisabled bool   `koanf:"gc_disabled"`
	GcTimeout  string `koanf:"gc_timeout"`
}

// Config is the plugin subsystem's configuration, layered from defaults
// and an optional YAML file.
type Config struct {
	RegistryPath string                    `koanf:"registry_path"`
	Gc           GcConfig                  `koanf:"gc"`
	Plugins      map[string]PluginOverride `koanf:"plugins"`
}

func configDefaults() map[string]interface{} {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return map[string]interface{}{
		"registry_path": filepath.Join(home, ".coral", "plugin_registry.json"),
		"gc.enabled":    true,
		"gc.timeout":    DefaultGcTimeout.String(),
	}
}

// LoadConfig layers defaults under the YAML file at path. An empty path
// or a missing file yields the defaults alone.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(configDefaults(), "."), nil); err != nil {
		return nil, NewRegistryError("failed to load config defaults", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, NewRegistryError("failed to load config file", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, NewRegistryError("failed to stat config file", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, NewRegistryError("failed to unmarshal config", err)
	}
	return &cfg, nil
}

// GcTimeoutFor resolves the effective idle timeout for one plugin,
// honoring global disablement and per-plugin overrides. Zero means never
// collect.
func (c *Config) GcTimeoutFor(pluginName string) time.Duration {
	if !c.Gc.Enabled {
		return 0
	}
	if override, ok := c.Plugins[pluginName]; ok {
		if override.GcDisabled {
			return 0
		}
		if override.GcTimeout != "" {
			if d, err := time.ParseDuration(override.GcTimeout); err == nil {
				return d
			}
		}
	}
	if c.Gc.Timeout != "" {
		if d, err := time.ParseDuration(c.Gc.Timeout); err == nil {
			return d
		}
	}
	return DefaultGcTimeout
}
