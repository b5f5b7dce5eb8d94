// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the artifact bus.
//
// Configuration is loaded from a single YAML file specified by the
// ARTIFACTBUS_CONFIG environment variable or a --config flag. There
// are no fallbacks or automatic discovery — a single explicit file
// keeps daemon behavior deterministic and auditable.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "ARTIFACTBUS_CONFIG"

// Config is the master configuration for the bus daemon and the
// operator CLI.
type Config struct {
	// Paths configures directory and file locations.
	Paths PathsConfig `yaml:"paths"`

	// Daemon configures the ingestion daemon.
	Daemon DaemonConfig `yaml:"daemon"`

	// Export configures the golden-export engine.
	Export ExportConfig `yaml:"export"`
}

// PathsConfig configures where the bus keeps its state. Inbox and
// store must be on the same volume: commits rely on rename atomicity
// between them.
type PathsConfig struct {
	// Root is the base directory for bus data. The other paths default
	// to subdirectories of Root when left empty.
	Root string `yaml:"root"`

	// Inbox is the directory producers submit into.
	Inbox string `yaml:"inbox"`

	// Store is the root of the content-addressed artifact store.
	Store string `yaml:"store"`

	// Exports is where golden export files are materialized.
	Exports string `yaml:"exports"`

	// Catalog is the SQLite catalog database file.
	Catalog string `yaml:"catalog"`

	// Lock is the catalog lock file.
	Lock string `yaml:"lock"`
}

// DaemonConfig configures the ingestion daemon.
type DaemonConfig struct {
	// LockTimeoutSeconds is the maximum wait for the catalog lock
	// before a commit attempt fails with a lock timeout and the job is
	// left in the inbox for retry.
	LockTimeoutSeconds float64 `yaml:"lock_timeout_s"`

	// ScanIntervalSeconds is the pause between inbox scans.
	ScanIntervalSeconds float64 `yaml:"scan_interval_s"`

	// SchemaHints lists the schema hints the daemon registers in the
	// catalog at startup. A submission with an unregistered, non-empty
	// hint is rejected.
	SchemaHints []string `yaml:"schema_hints"`
}

// ExportConfig configures the golden-export engine.
type ExportConfig struct {
	// Compression selects golden file compression: "none" or "zstd".
	Compression string `yaml:"compression"`
}

// Default returns the default configuration rooted under the user
// cache directory. The config file is still required for daemon use;
// these defaults only ensure sensible zero values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".cache", "artifactbus")

	cfg := &Config{
		Paths: PathsConfig{Root: root},
		Daemon: DaemonConfig{
			LockTimeoutSeconds:  10,
			ScanIntervalSeconds: 2,
		},
		Export: ExportConfig{Compression: "none"},
	}
	cfg.applyPathDefaults()
	return cfg
}

// Load loads configuration from the path in ARTIFACTBUS_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your artifactbus.yaml, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyPathDefaults()
	return cfg, nil
}

// applyPathDefaults fills empty path fields from Root.
func (c *Config) applyPathDefaults() {
	root := c.Paths.Root
	if root == "" {
		return
	}
	if c.Paths.Inbox == "" {
		c.Paths.Inbox = filepath.Join(root, "inbox")
	}
	if c.Paths.Store == "" {
		c.Paths.Store = filepath.Join(root, "store")
	}
	if c.Paths.Exports == "" {
		c.Paths.Exports = filepath.Join(root, "exports")
	}
	if c.Paths.Catalog == "" {
		c.Paths.Catalog = filepath.Join(root, "catalog.db")
	}
	if c.Paths.Lock == "" {
		c.Paths.Lock = filepath.Join(root, "catalog.lock")
	}
}

// LockTimeout returns the configured lock timeout as a Duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Daemon.LockTimeoutSeconds * float64(time.Second))
}

// ScanInterval returns the configured scan interval as a Duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Daemon.ScanIntervalSeconds * float64(time.Second))
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Daemon.LockTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("daemon.lock_timeout_s must be > 0"))
	}
	if c.Daemon.ScanIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("daemon.scan_interval_s must be > 0"))
	}
	switch c.Export.Compression {
	case "none", "zstd":
	default:
		errs = append(errs, fmt.Errorf("export.compression must be \"none\" or \"zstd\", got %q", c.Export.Compression))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the configured directories if they don't exist.
// The catalog and lock files are created on first use by their owners,
// but their parent directories must exist.
func (c *Config) EnsurePaths() error {
	directories := []string{
		c.Paths.Root,
		c.Paths.Inbox,
		c.Paths.Store,
		c.Paths.Exports,
		filepath.Dir(c.Paths.Catalog),
		filepath.Dir(c.Paths.Lock),
	}
	for _, dir := range directories {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
