package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string         `yaml:"level"`  // debug, info, warn, error
	Format   string         `yaml:"format"` // text, json
	Dir      string         `yaml:"dir"`    // log directory path
	Rotation RotationConfig `yaml:"rotation"`
	Console  ConsoleConfig  `yaml:"console"`
	File     FileConfig     `yaml:"file"`
	Async    AsyncConfig    `yaml:"async"`
	Dedup    DedupConfig    `yaml:"dedup"`
}

// AsyncConfig moves file writes off the logging goroutine
type AsyncConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`    // queued entries
	BatchSize     int           `yaml:"batch_size"`     // entries per write
	FlushInterval time.Duration `yaml:"flush_interval"` // max delay of a partial batch
}

// DedupConfig collapses identical records logged within one flush window
type DedupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RotationConfig holds log rotation settings
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // MB
	MaxBackups int  `yaml:"max_backups"` // number of files
	MaxAge     int  `yaml:"max_age"`     // days
	Compress   bool `yaml:"compress"`    // gzip old files
}

// ConsoleConfig holds console output configuration
type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`  // optional override
	Format  string `yaml:"format"` // text or json
}

// FileConfig holds file output configuration
type FileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`  // optional override
	Format  string `yaml:"format"` // text or json
}

// DefaultLoggingConfig returns default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Dir:    "logs",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Console: ConsoleConfig{
			Enabled: true,
			Level:   "info",
			Format:  "text",
		},
		File: FileConfig{
			Enabled: true,
			Level:   "info",
			Format:  "text",
		},
		Async: AsyncConfig{
			BufferSize:    10000,
			BatchSize:     100,
			FlushInterval: 100 * time.Millisecond,
		},
		Dedup: DedupConfig{
			BatchSize:     100,
			FlushInterval: time.Second,
		},
	}
}

// ApplyDefaults fills in missing values with defaults
func (c *LoggingConfig) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Dir == "" {
		c.Dir = "logs"
	}

	// Rotation defaults
	if c.Rotation.MaxSize == 0 {
		c.Rotation.MaxSize = 100
	}
	if c.Rotation.MaxBackups == 0 {
		c.Rotation.MaxBackups = 10
	}
	if c.Rotation.MaxAge == 0 {
		c.Rotation.MaxAge = 30
	}
	// Compress stays false here: an explicit false cannot be told apart
	// from an unset field.

	// Console defaults - check if console config is completely empty
	if c.Console.Level == "" && c.Console.Format == "" && !c.Console.Enabled {
		c.Console.Enabled = true
	}
	if c.Console.Level == "" {
		c.Console.Level = c.Level
	}
	if c.Console.Format == "" {
		c.Console.Format = c.Format
	}

	// File defaults - check if file config is completely empty
	if c.File.Level == "" && c.File.Format == "" && !c.File.Enabled {
		c.File.Enabled = true
	}
	if c.File.Level == "" {
		c.File.Level = c.Level
	}
	if c.File.Format == "" {
		c.File.Format = c.Format
	}

	defaults := DefaultLoggingConfig()
	if c.Async.BufferSize == 0 {
		c.Async.BufferSize = defaults.Async.BufferSize
	}
	if c.Async.BatchSize == 0 {
		c.Async.BatchSize = defaults.Async.BatchSize
	}
	if c.Async.FlushInterval == 0 {
		c.Async.FlushInterval = defaults.Async.FlushInterval
	}
	if c.Dedup.BatchSize == 0 {
		c.Dedup.BatchSize = defaults.Dedup.BatchSize
	}
	if c.Dedup.FlushInterval == 0 {
		c.Dedup.FlushInterval = defaults.Dedup.FlushInterval
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *LoggingConfig) ApplyEnvOverrides() {
	if val := os.Getenv("APPSEARCH_LOG_LEVEL"); val != "" {
		c.Level = val
		c.Console.Level = val
		c.File.Level = val
	}
	if val := os.Getenv("APPSEARCH_LOG_FORMAT"); val != "" {
		c.Format = val
		c.Console.Format = val
		c.File.Format = val
	}
	if val := os.Getenv("APPSEARCH_LOG_DIR"); val != "" {
		c.Dir = val
	}
}

// ResolvePaths resolves a relative log directory against dataDir, so logs
// end up next to the store rather than inside the config directory.
func (c *LoggingConfig) ResolvePaths(_, dataDir string) {
	if c.Dir != "" && !filepath.IsAbs(c.Dir) && dataDir != "" {
		c.Dir = filepath.Clean(filepath.Join(dataDir, c.Dir))
	}
}

// Validate validates the configuration
func (c *LoggingConfig) Validate() error {
	if !validLogLevels[c.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Level)
	}
	if !validLogFormats[c.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Format)
	}
	if c.File.Enabled && c.Dir == "" {
		return fmt.Errorf("log directory cannot be empty when file logging is enabled")
	}

	if c.Console.Enabled {
		if c.Console.Level != "" && !validLogLevels[c.Console.Level] {
			return fmt.Errorf("invalid console log level: %s", c.Console.Level)
		}
		if c.Console.Format != "" && !validLogFormats[c.Console.Format] {
			return fmt.Errorf("invalid console log format: %s", c.Console.Format)
		}
	}

	if c.File.Enabled {
		if c.File.Level != "" && !validLogLevels[c.File.Level] {
			return fmt.Errorf("invalid file log level: %s", c.File.Level)
		}
		if c.File.Format != "" && !validLogFormats[c.File.Format] {
			return fmt.Errorf("invalid file log format: %s", c.File.Format)
		}
	}

	if c.Async.Enabled {
		if c.Async.BufferSize <= 0 {
			return fmt.Errorf("async buffer size must be positive")
		}
		if c.Async.BatchSize <= 0 {
			return fmt.Errorf("async batch size must be positive")
		}
		if c.Async.FlushInterval <= 0 {
			return fmt.Errorf("async flush interval must be positive")
		}
	}

	if c.Dedup.Enabled {
		if c.Dedup.BatchSize <= 0 {
			return fmt.Errorf("dedup batch size must be positive")
		}
		if c.Dedup.FlushInterval <= 0 {
			return fmt.Errorf("dedup flush interval must be positive")
		}
	}

	return nil
}
