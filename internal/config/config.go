// Package config loads homesync runtime configuration from YAML, JSON or
// TOML files.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultFiles are the names searched by Find, in order.
var DefaultFiles = []string{"homesync.yaml", "homesync.yml", "homesync.json", "homesync.toml"}

// Config holds runtime parameters. Zero values mean "unspecified" and are
// replaced by Defaults.
type Config struct {
	// Journal is the SQLite commit journal path. Empty disables the journal.
	Journal string `json:"journal" yaml:"journal" toml:"journal"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	// Permissions is the path of a YAML permission table.
	Permissions string `json:"permissions" yaml:"permissions" toml:"permissions"`
	// Plugins lists the built-in plugins to load. Empty loads all of them.
	Plugins []string `json:"plugins" yaml:"plugins" toml:"plugins"`
	// MetricsAddr, when set, serves Prometheus metrics at /metrics.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`
}

// Defaults returns a copy of c with unspecified fields filled in.
func (c Config) Defaults() Config {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Validate checks field values.
func (c Config) Validate() error {
	if _, err := c.Defaults().Level(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Plugins))
	for _, p := range c.Plugins {
		if p == "" {
			return fmt.Errorf("plugins: empty name")
		}
		if seen[p] {
			return fmt.Errorf("plugins: %q listed twice", p)
		}
		seen[p] = true
	}
	return nil
}

// Load reads a configuration file based on its extension
// (.yaml/.yml, .json, .toml). Relative paths inside the file are resolved
// against the file's directory.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}

	dir := filepath.Dir(path)
	cfg.Journal = resolve(dir, cfg.Journal)
	cfg.Permissions = resolve(dir, cfg.Permissions)
	return cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Find returns the first of DefaultFiles present in dir, or "" if none is.
func Find(dir string) string {
	for _, name := range DefaultFiles {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
