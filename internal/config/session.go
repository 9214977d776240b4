package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// SessionConfig configures the sessions opened on a store.
type SessionConfig struct {
	// ReadPoolSize is the number of workers shared by all sessions for reads.
	ReadPoolSize int `yaml:"read_pool_size"`

	// MaintenanceInterval is how often idle stores are checked for
	// compaction. Zero disables the background check.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ReadPoolSize:        runtime.NumCPU(),
		MaintenanceInterval: 5 * time.Minute,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *SessionConfig) ApplyDefaults() {
	if c.ReadPoolSize == 0 {
		c.ReadPoolSize = DefaultSessionConfig().ReadPoolSize
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *SessionConfig) ApplyEnvOverrides() {
	if val := os.Getenv("APPSEARCH_SESSION_READ_POOL_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.ReadPoolSize = n
		}
	}
	if val := os.Getenv("APPSEARCH_SESSION_MAINTENANCE_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.MaintenanceInterval = d
		}
	}
}

// ResolvePaths is a no-op; the session config has no paths.
func (c *SessionConfig) ResolvePaths(_, _ string) {}

// Validate returns an error if the configuration is invalid.
func (c *SessionConfig) Validate() error {
	if c.ReadPoolSize <= 0 {
		return fmt.Errorf("session.read_pool_size must be positive")
	}
	if c.MaintenanceInterval < 0 {
		return fmt.Errorf("session.maintenance_interval cannot be negative")
	}
	return nil
}
