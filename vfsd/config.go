package vfsd

import (
	"fmt"
	"io/ioutil"

	"github.com/mitchellh/go-homedir"
	"github.com/rfratto/vfsd/internal/cmdutil"
	"github.com/rfratto/vfsd/internal/vfs"
	"gopkg.in/yaml.v2"
)

// Config is the YAML config file of vfsd. Unset fields keep the values of
// the Options the config is applied to.
type Config struct {
	ListenAddr string           `yaml:"listen_addr,omitempty"`
	LogLevel   cmdutil.LogLevel `yaml:"log_level,omitempty"`
	MaxThreads int              `yaml:"max_threads,omitempty"`

	// Backends tunes mounts by their spec type.
	Backends map[string]BackendSettings `yaml:"backends,omitempty"`
	// Mounts are established at startup.
	Mounts []MountConfig `yaml:"mounts,omitempty"`
}

// MountConfig is a mount spec in the config file.
type MountConfig struct {
	Type  string            `yaml:"type"`
	Items map[string]string `yaml:",inline"`
}

// Spec converts mc into a mount spec.
func (mc MountConfig) Spec() vfs.MountSpec {
	items := make(map[string]string, len(mc.Items))
	for k, v := range mc.Items {
		items[k] = v
	}
	return vfs.MountSpec{Type: mc.Type, Items: items}
}

// LoadConfig reads the config file at path.
func LoadConfig(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	bb, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var c Config
	if err := yaml.UnmarshalStrict(bb, &c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks c for invalid settings.
func (c *Config) Validate() error {
	if c.MaxThreads < 0 {
		return fmt.Errorf("max_threads must not be negative")
	}
	for typ, s := range c.Backends {
		if s.MaxThreads < 0 {
			return fmt.Errorf("backends.%s.max_threads must not be negative", typ)
		}
		if s.RequestTimeout < 0 {
			return fmt.Errorf("backends.%s.request_timeout must not be negative", typ)
		}
	}
	for i, m := range c.Mounts {
		if m.Type == "" {
			return fmt.Errorf("mounts[%d] is missing a type", i)
		}
	}
	return nil
}

// Apply copies the settings of c into o.
func (c *Config) Apply(o *Options) {
	if c.ListenAddr != "" {
		o.ListenAddr = c.ListenAddr
	}
	if c.MaxThreads > 0 {
		o.MaxThreads = c.MaxThreads
	}
	if len(c.Backends) > 0 {
		settings := make(map[string]BackendSettings, len(o.Settings)+len(c.Backends))
		for typ, s := range o.Settings {
			settings[typ] = s
		}
		for typ, s := range c.Backends {
			settings[typ] = s
		}
		o.Settings = settings
	}
	for _, m := range c.Mounts {
		o.Mounts = append(o.Mounts, m.Spec())
	}
}
