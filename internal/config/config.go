// Package config loads the opscheck TOML configuration file.
// The file lives at ~/.opscheck/config.toml by default and can be overridden
// with --config. CLI flags and OPSCHECK_* environment variables always take
// precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultDriver     = "sqlite"
	DefaultDSN        = "backend/simple_app.db"
	DefaultBaseURL    = "http://localhost:8000/api/v1"
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 2
)

// Config is the config file layout.
type Config struct {
	Store   StoreConfig   `toml:"store"`
	Service ServiceConfig `toml:"service"`
	Probes  []ProbeConfig `toml:"probe"`
	Rules   RulesConfig   `toml:"rules"`
}

// StoreConfig selects the database the inspector opens.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN string `toml:"dsn"`
}

// ServiceConfig describes the running backend the prober talks to.
type ServiceConfig struct {
	BaseURL    string        `toml:"base_url"`
	Username   string        `toml:"username"`
	Password   string        `toml:"password"`
	Timeout    time.Duration `toml:"timeout"`
	MaxRetries int           `toml:"max_retries"`
}

// ProbeConfig is one request in the probe plan.
type ProbeConfig struct {
	Name         string `toml:"name"`
	Method       string `toml:"method"`
	Path         string `toml:"path"`
	Body         string `toml:"body"`
	ExpectStatus int    `toml:"expect_status"`
	// RequirePath, when set, must be declared in the OpenAPI document
	// before the probe is sent.
	RequirePath string `toml:"require_path"`
}

// RulesConfig extends the built-in integrity rules.
type RulesConfig struct {
	References []ReferenceRule `toml:"reference"`
	Enums      []EnumRule      `toml:"enum"`
}

type ReferenceRule struct {
	Collection  string `toml:"collection"`
	Field       string `toml:"field"`
	Target      string `toml:"target"`
	TargetField string `toml:"target_field"`
}

type EnumRule struct {
	Collection string   `toml:"collection"`
	Field      string   `toml:"field"`
	Values     []string `toml:"values"`
}

// DefaultConfigPath returns ~/.opscheck/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".opscheck", "config.toml"), nil
}

// Load reads the config file at path and fills in defaults.
//
// An empty path falls back to the default location; a missing default file
// is not an error. An explicit path that does not exist is.
func Load(path string) (*Config, error) {
	// max_retries = 0 is meaningful, so its default is set before decoding.
	cfg := &Config{Service: ServiceConfig{MaxRetries: DefaultMaxRetries}}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			cfg.applyDefaults()
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DefaultDriver
	}
	if c.Store.DSN == "" && c.Store.Driver == DefaultDriver {
		c.Store.DSN = DefaultDSN
	}
	if c.Service.BaseURL == "" {
		c.Service.BaseURL = DefaultBaseURL
	}
	if c.Service.Timeout == 0 {
		c.Service.Timeout = DefaultTimeout
	}
	for i := range c.Probes {
		if c.Probes[i].Method == "" {
			c.Probes[i].Method = "GET"
		}
		if c.Probes[i].Name == "" {
			c.Probes[i].Name = c.Probes[i].Method + " " + c.Probes[i].Path
		}
	}
	for i := range c.Rules.References {
		if c.Rules.References[i].TargetField == "" {
			c.Rules.References[i].TargetField = "id"
		}
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid store driver %q: must be sqlite or postgres", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store dsn is required for driver %s", c.Store.Driver)
	}
	if c.Service.MaxRetries < 0 {
		return fmt.Errorf("invalid max_retries %d: must be 0 or more", c.Service.MaxRetries)
	}
	for _, p := range c.Probes {
		if p.Path == "" {
			return fmt.Errorf("probe %q has no path", p.Name)
		}
	}
	for _, r := range c.Rules.References {
		if r.Collection == "" || r.Field == "" || r.Target == "" {
			return fmt.Errorf("reference rule needs collection, field and target: %+v", r)
		}
	}
	for _, r := range c.Rules.Enums {
		if r.Collection == "" || r.Field == "" || len(r.Values) == 0 {
			return fmt.Errorf("enum rule needs collection, field and values: %+v", r)
		}
	}
	return nil
}
