package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	EnginePebble = "pebble"
)

// Config configures the document storage engine.
type Config struct {
	// Engine selects the implementation; only "pebble" is available.
	Engine string `yaml:"engine"`

	// Path is the directory holding the store files.
	Path string `yaml:"path"`

	// InMemory keeps everything in memory; Path is ignored.
	InMemory bool `yaml:"in_memory"`

	// BlockCacheSize is the size of the block cache in bytes.
	BlockCacheSize int64 `yaml:"block_cache_size"`

	// SyncWrites makes every write durable immediately instead of at PersistToDisk.
	SyncWrites bool `yaml:"sync_writes"`

	// OptimizeThreshold is the number of obsolete mutations after which
	// CheckForOptimize compacts the store.
	OptimizeThreshold int `yaml:"optimize_threshold"`

	// OptimizeInterval forces a compaction when this much time passed since
	// the last one and at least one mutation happened. Zero disables it.
	OptimizeInterval time.Duration `yaml:"optimize_interval"`
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() Config {
	return Config{
		Engine:            EnginePebble,
		Path:              "data/appsearch",
		BlockCacheSize:    64 * 1024 * 1024, // 64MB
		OptimizeThreshold: 1000,
		OptimizeInterval:  24 * time.Hour,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Engine == "" {
		c.Engine = defaults.Engine
	}
	if c.Path == "" {
		c.Path = defaults.Path
	}
	if c.BlockCacheSize == 0 {
		c.BlockCacheSize = defaults.BlockCacheSize
	}
	if c.OptimizeThreshold == 0 {
		c.OptimizeThreshold = defaults.OptimizeThreshold
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("APPSEARCH_STORAGE_PATH"); val != "" {
		c.Path = val
	}
	if val := os.Getenv("APPSEARCH_STORAGE_IN_MEMORY"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.InMemory = b
		}
	}
	if val := os.Getenv("APPSEARCH_STORAGE_OPTIMIZE_THRESHOLD"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.OptimizeThreshold = n
		}
	}
}

// ResolvePaths resolves a relative store path against dataDir.
func (c *Config) ResolvePaths(_, dataDir string) {
	if c.Path != "" && !filepath.IsAbs(c.Path) && dataDir != "" {
		c.Path = filepath.Clean(filepath.Join(dataDir, c.Path))
	}
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.Engine != EnginePebble {
		return fmt.Errorf("storage.engine: unknown engine %q", c.Engine)
	}
	if !c.InMemory && c.Path == "" {
		return fmt.Errorf("storage.path is required unless storage.in_memory is set")
	}
	if c.BlockCacheSize < 0 {
		return fmt.Errorf("storage.block_cache_size cannot be negative")
	}
	if c.OptimizeThreshold < 0 {
		return fmt.Errorf("storage.optimize_threshold cannot be negative")
	}
	if c.OptimizeInterval < 0 {
		return fmt.Errorf("storage.optimize_interval cannot be negative")
	}
	return nil
}
