// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" and "12h"
// decode directly.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for a FieldGrid gateway.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Listen configures network listener addresses.
	Listen ListenConfig `yaml:"listen"`

	// Auth configures the shared credential and session tokens.
	Auth AuthConfig `yaml:"auth"`

	// Store configures the state and history backend.
	Store StoreConfig `yaml:"store"`

	// Liveness configures the connection probe sweep.
	Liveness LivenessConfig `yaml:"liveness"`

	// Retention configures history archival.
	Retention RetentionConfig `yaml:"retention"`

	// Per-environment overrides, applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Listen    *ListenConfig    `yaml:"listen,omitempty"`
	Auth      *AuthConfig      `yaml:"auth,omitempty"`
	Store     *StoreConfig     `yaml:"store,omitempty"`
	Liveness  *LivenessConfig  `yaml:"liveness,omitempty"`
	Retention *RetentionConfig `yaml:"retention,omitempty"`
}

// ListenConfig configures the two gateway listeners.
type ListenConfig struct {
	// Uplink is the TCP address for unit and dashboard connections.
	// Default: :7420
	Uplink string `yaml:"uplink"`

	// HTTP is the address for the management API.
	// Default: :7421
	HTTP string `yaml:"http"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	// Credential is the shared secret presented by every connecting
	// client and by the login endpoint. Required; there is no default.
	Credential string `yaml:"credential"`

	// CredentialFile reads the credential from a file instead,
	// trimming trailing whitespace. Takes precedence over Credential.
	CredentialFile string `yaml:"credential_file"`

	// TokenTTL is how long minted session tokens stay valid.
	// Default: 12h
	TokenTTL Duration `yaml:"token_ttl"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	// Backend selects the driver: "sqlite" or "postgres".
	// Default: sqlite
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Default: ${FIELDGRID_ROOT}/fieldgrid.db
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string, used when Backend is "postgres".
	DSN string `yaml:"dsn"`

	// PoolSize is the SQLite connection pool size. Default: 4
	PoolSize int `yaml:"pool_size"`
}

// LivenessConfig configures the ping sweep over open connections.
type LivenessConfig struct {
	// Interval between probe sweeps. A connection silent for two
	// consecutive sweeps is terminated. Default: 30s
	Interval Duration `yaml:"interval"`
}

// RetentionConfig configures history archival.
type RetentionConfig struct {
	// MaxAge is how long history points stay queryable before being
	// archived out of the live table. Zero disables retention.
	MaxAge Duration `yaml:"max_age"`

	// ArchiveDir is where compressed history archives are written.
	// Default: ${FIELDGRID_ROOT}/archives
	ArchiveDir string `yaml:"archive_dir"`

	// Sweep is how often the retention pass runs. Default: 1h
	Sweep Duration `yaml:"sweep"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; the config file itself is
// required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "fieldgrid")

	return &Config{
		Environment: Development,
		Listen: ListenConfig{
			Uplink: ":7420",
			HTTP:   ":7421",
		},
		Auth: AuthConfig{
			TokenTTL: Duration(12 * time.Hour),
		},
		Store: StoreConfig{
			Backend:  "sqlite",
			Path:     filepath.Join(defaultRoot, "fieldgrid.db"),
			PoolSize: 4,
		},
		Liveness: LivenessConfig{
			Interval: Duration(30 * time.Second),
		},
		Retention: RetentionConfig{
			ArchiveDir: filepath.Join(defaultRoot, "archives"),
			Sweep:      Duration(time.Hour),
		},
	}
}

// Load loads configuration from the FIELDGRID_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or automatic discovery; if FIELDGRID_CONFIG
// is not set, this fails. This ensures deterministic, auditable
// configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("FIELDGRID_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("FIELDGRID_CONFIG environment variable not set; " +
			"set it to the path of your fieldgrid.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values; the only expansion performed is
// ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	if err := cfg.resolveCredential(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Listen != nil {
		if overrides.Listen.Uplink != "" {
			c.Listen.Uplink = overrides.Listen.Uplink
		}
		if overrides.Listen.HTTP != "" {
			c.Listen.HTTP = overrides.Listen.HTTP
		}
	}

	if overrides.Auth != nil {
		if overrides.Auth.Credential != "" {
			c.Auth.Credential = overrides.Auth.Credential
		}
		if overrides.Auth.CredentialFile != "" {
			c.Auth.CredentialFile = overrides.Auth.CredentialFile
		}
		if overrides.Auth.TokenTTL != 0 {
			c.Auth.TokenTTL = overrides.Auth.TokenTTL
		}
	}

	if overrides.Store != nil {
		if overrides.Store.Backend != "" {
			c.Store.Backend = overrides.Store.Backend
		}
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
		if overrides.Store.DSN != "" {
			c.Store.DSN = overrides.Store.DSN
		}
		if overrides.Store.PoolSize != 0 {
			c.Store.PoolSize = overrides.Store.PoolSize
		}
	}

	if overrides.Liveness != nil {
		if overrides.Liveness.Interval != 0 {
			c.Liveness.Interval = overrides.Liveness.Interval
		}
	}

	if overrides.Retention != nil {
		if overrides.Retention.MaxAge != 0 {
			c.Retention.MaxAge = overrides.Retention.MaxAge
		}
		if overrides.Retention.ArchiveDir != "" {
			c.Retention.ArchiveDir = overrides.Retention.ArchiveDir
		}
		if overrides.Retention.Sweep != 0 {
			c.Retention.Sweep = overrides.Retention.Sweep
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Auth.CredentialFile = expandVars(c.Auth.CredentialFile, vars)
	c.Retention.ArchiveDir = expandVars(c.Retention.ArchiveDir, vars)
}

// resolveCredential loads Auth.CredentialFile into Auth.Credential.
func (c *Config) resolveCredential() error {
	if c.Auth.CredentialFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.Auth.CredentialFile)
	if err != nil {
		return fmt.Errorf("reading credential file: %w", err)
	}
	c.Auth.Credential = trimTrailingSpace(string(data))
	return nil
}

func trimTrailingSpace(s string) string {
	for len(s) > 0 {
		switch s[len(s)-1] {
		case '\n', '\r', '\t', ' ':
			s = s[:len(s)-1]
		default:
			return s
		}
	}
	return s
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Auth.Credential == "" {
		errs = append(errs, fmt.Errorf("auth.credential (or auth.credential_file) is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("auth.token_ttl must be positive"))
	}

	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the sqlite backend"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be sqlite or postgres, got %q", c.Store.Backend))
	}

	if c.Liveness.Interval <= 0 {
		errs = append(errs, fmt.Errorf("liveness.interval must be positive"))
	}

	if c.Retention.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("retention.max_age must not be negative"))
	}
	if c.Retention.MaxAge > 0 && c.Retention.ArchiveDir == "" {
		errs = append(errs, fmt.Errorf("retention.archive_dir is required when retention is enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
