// Package config loads run configurations for the dalvik command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/dalvik/internal/dvm"
)

// Config describes one run. Relative paths are resolved against the
// directory of the file they were loaded from.
type Config struct {
	APK         string `yaml:"apk"`
	Library     string `yaml:"library"`     // logical name, e.g. "native" for libnative.so
	LibraryPath string `yaml:"libraryPath"` // ELF on the host file system
	ForceInit   bool   `yaml:"force_init"`
	Verbose     bool   `yaml:"verbose"`
	Script      string `yaml:"script"`

	Assets          map[string]string `yaml:"assets"` // asset name -> host file
	NotFoundClasses []string          `yaml:"not_found_classes"`
	Call            []string          `yaml:"call"` // exports to invoke after JNI_OnLoad

	dir string
}

// Load reads the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	cfg.APK = cfg.Resolve(cfg.APK)
	cfg.LibraryPath = cfg.Resolve(cfg.LibraryPath)
	cfg.Script = cfg.Resolve(cfg.Script)
	return cfg, nil
}

// Parse decodes a configuration. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Resolve makes p relative to the config file's directory. Absolute and
// empty paths are returned unchanged.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Validate checks that the configuration names something to run.
func (c *Config) Validate() error {
	switch {
	case c.Library == "" && c.LibraryPath == "":
		return errors.New("config: library or libraryPath is required")
	case c.Library != "" && c.LibraryPath != "":
		return errors.New("config: library and libraryPath are exclusive")
	case c.Library != "" && c.APK == "":
		return fmt.Errorf("config: library %q needs an apk", c.Library)
	}
	return nil
}

// AssetResolver serves the configured asset overrides from the host file
// system, or returns nil when there are none.
func (c *Config) AssetResolver() dvm.AssetResolver {
	if len(c.Assets) == 0 {
		return nil
	}
	files := make(map[string]string, len(c.Assets))
	for name, p := range c.Assets {
		files[name] = c.Resolve(p)
	}
	return dvm.AssetResolverFunc(func(name string) []byte {
		p, ok := files[name]
		if !ok {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		return data
	})
}
