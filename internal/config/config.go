// Package config loads the camplug YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/camplug/internal/delivery"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// Config is the complete camplug configuration.
type Config struct {
	LogLevel    string          `yaml:"log_level"`
	MetricsAddr string          `yaml:"metrics_addr"`
	ModuleDir   string          `yaml:"module_dir"`
	Modules     ModulesConfig   `yaml:"modules"`
	Synthetic   SyntheticConfig `yaml:"synthetic"`
	Streams     []StreamConfig  `yaml:"streams"`
}

// ModulesConfig selects which modules may be loaded.
type ModulesConfig struct {
	// Enabled, when non-empty, is the only set of modules that may load.
	Enabled []string `yaml:"enabled"`

	// Disabled modules never load.
	Disabled []string `yaml:"disabled"`
}

// SyntheticConfig configures the built-in synthetic module.
type SyntheticConfig struct {
	APIVersion int           `yaml:"api_version"`
	Width      uint32        `yaml:"width"`
	Height     uint32        `yaml:"height"`
	Interval   time.Duration `yaml:"interval"`
	Buffers    int           `yaml:"buffers"`
}

// StreamConfig describes one camera attachment.
type StreamConfig struct {
	Name          string             `yaml:"name"`
	Module        string             `yaml:"module"`
	CameraID      int32              `yaml:"camera_id"`
	Key           string             `yaml:"key"`
	MailboxSize   int                `yaml:"mailbox_size"`
	LegacyBuffers int                `yaml:"legacy_buffers"`
	Params        []plugin.Param     `yaml:"params"`
	Transforms    []plugin.Transform `yaml:"transforms"`
	Crop          *plugin.CropRegion `yaml:"crop,omitempty"`
	Frames        int                `yaml:"frames"`
	Block         bool               `yaml:"block"`
	Drop          string             `yaml:"drop"`
	Timeout       time.Duration      `yaml:"timeout"`
}

// Defaults.
const (
	DefaultLogLevel = "info"
	DefaultFrames   = 30
	DefaultTimeout  = 5 * time.Second
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel:  DefaultLogLevel,
		ModuleDir: defaultModuleDir(),
		Synthetic: SyntheticConfig{APIVersion: int(plugin.CurrentAPIVersion)},
	}
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "camplug")
	}
	return ".camplug"
}

func defaultModuleDir() string {
	return filepath.Join(configDir(), "modules")
}

// DefaultPath returns the configuration file looked up when none is given.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// Load reads the file at path. A missing file at the default path yields
// the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyStreamDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyStreamDefaults() {
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Name == "" {
			s.Name = s.Module
		}
		if s.Frames == 0 {
			s.Frames = DefaultFrames
		}
		if s.Timeout == 0 {
			s.Timeout = DefaultTimeout
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if c.Synthetic.APIVersion != 0 && c.Synthetic.APIVersion < int(plugin.MinAPIVersion) {
		errs = append(errs, fmt.Errorf("synthetic.api_version %d below minimum %s", c.Synthetic.APIVersion, plugin.MinAPIVersion))
	}

	seen := make(map[string]bool)
	for i, s := range c.Streams {
		prefix := fmt.Sprintf("streams[%d]", i)
		if strings.TrimSpace(s.Module) == "" {
			errs = append(errs, fmt.Errorf("%s: module is required", prefix))
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate stream name %q", prefix, s.Name))
		}
		seen[s.Name] = true
		if s.Frames < 0 {
			errs = append(errs, fmt.Errorf("%s: frames must not be negative", prefix))
		}
		if _, err := delivery.ParseDropMode(s.Drop); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if s.Crop != nil {
			if err := s.Crop.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			}
		}
		for _, p := range s.Params {
			if p.Name == "" {
				errs = append(errs, fmt.Errorf("%s: parameter with empty name", prefix))
			}
		}
	}
	return errors.Join(errs...)
}

// Stream returns the stream named name.
func (c *Config) Stream(name string) (StreamConfig, bool) {
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return StreamConfig{}, false
}

// Level returns the configured log level.
func (c *Config) Level() hclog.Level {
	return hclog.LevelFromString(c.LogLevel)
}
