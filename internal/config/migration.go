package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// MigrationConfig configures the spill buffer used while migrating documents.
type MigrationConfig struct {
	// TempDir holds the per-migration buffers. Empty uses the system temp dir.
	TempDir string `yaml:"temp_dir"`

	// InMemory keeps the buffers in memory instead of on disk.
	InMemory bool `yaml:"in_memory"`

	// PageSize is the number of documents read per query page.
	PageSize int `yaml:"page_size"`
}

// DefaultMigrationConfig returns the default migration configuration.
func DefaultMigrationConfig() MigrationConfig {
	return MigrationConfig{
		PageSize: 100,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *MigrationConfig) ApplyDefaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultMigrationConfig().PageSize
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *MigrationConfig) ApplyEnvOverrides() {
	if val := os.Getenv("APPSEARCH_MIGRATION_TEMP_DIR"); val != "" {
		c.TempDir = val
	}
	if val := os.Getenv("APPSEARCH_MIGRATION_PAGE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.PageSize = n
		}
	}
}

// ResolvePaths resolves a relative temp dir against dataDir.
func (c *MigrationConfig) ResolvePaths(_, dataDir string) {
	if c.TempDir != "" && !filepath.IsAbs(c.TempDir) && dataDir != "" {
		c.TempDir = filepath.Clean(filepath.Join(dataDir, c.TempDir))
	}
}

// Validate returns an error if the configuration is invalid.
func (c *MigrationConfig) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("migration.page_size must be positive")
	}
	return nil
}
