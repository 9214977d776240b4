// Package config loads the process configuration from YAML files and
// APPSEARCH_* environment variables.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	storage "github.com/syntrixbase/appsearch/internal/core/storage/config"
	"gopkg.in/yaml.v3"
)

// DefaultConfigDir is the directory LoadConfig reads when none is given.
const DefaultConfigDir = "config"

// Config holds the application configuration
type Config struct {
	// DataDir is the base of relative runtime paths. Empty means the parent
	// of the config directory.
	DataDir string `yaml:"data_dir"`

	Storage   storage.Config  `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Migration MigrationConfig `yaml:"migration"`
	Observer  ObserverConfig  `yaml:"observer"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns the configuration used when no file sets a value.
func DefaultConfig() *Config {
	return &Config{
		Storage:   storage.DefaultConfig(),
		Session:   DefaultSessionConfig(),
		Migration: DefaultMigrationConfig(),
		Observer:  DefaultObserverConfig(),
		Logging:   DefaultLoggingConfig(),
	}
}

// LoadConfig loads configuration from files in configDir and environment variables
// Order: defaults -> config.yml -> config.local.yml -> ApplyDefaults -> ApplyEnvOverrides -> ResolvePaths -> Validate
func LoadConfig(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir
	}

	// 1. Start with default values (so YAML can override them, including bool fields)
	cfg := DefaultConfig()

	// 2. Load config.yml (overrides defaults)
	loadFile(filepath.Join(configDir, "config.yml"), cfg)

	// 3. Load config.local.yml (overrides config.yml)
	loadFile(filepath.Join(configDir, "config.local.yml"), cfg)

	// 4. Apply the lifecycle to every section
	if err := cfg.Apply(configDir); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// Apply runs the configuration lifecycle on every section, resolving
// relative paths against the data directory.
func (c *Config) Apply(configDir string) error {
	if val := os.Getenv("APPSEARCH_DATA_DIR"); val != "" {
		c.DataDir = val
	}
	return ApplyServiceConfigs(configDir, c.dataDir(configDir),
		&c.Storage,
		&c.Session,
		&c.Migration,
		&c.Observer,
		&c.Logging,
	)
}

func (c *Config) dataDir(configDir string) string {
	if c.DataDir == "" {
		return filepath.Dir(configDir)
	}
	if filepath.IsAbs(c.DataDir) {
		return c.DataDir
	}
	return filepath.Join(filepath.Dir(configDir), c.DataDir)
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return // File doesn't exist, skip
		}
		log.Printf("Warning: Error reading %s: %v", filename, err)
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("Warning: Error parsing %s: %v", filename, err)
	}
}
