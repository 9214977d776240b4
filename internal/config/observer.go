package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ObserverConfig configures the external change feed. Observers registered
// in process work regardless of it.
type ObserverConfig struct {
	// FeedEnabled publishes every dispatched change to NATS JetStream.
	FeedEnabled bool `yaml:"feed_enabled"`

	NatsURL       string `yaml:"nats_url"`
	ClientName    string `yaml:"client_name"`
	StreamName    string `yaml:"stream_name"`
	SubjectPrefix string `yaml:"subject_prefix"`

	// Storage is the stream storage, "memory" or "file".
	Storage string `yaml:"storage"`

	// RetryAttempts is the number of extra attempts for a failed publish.
	RetryAttempts int `yaml:"retry_attempts"`

	// MaxAge is how long the stream keeps events. Zero keeps them forever.
	MaxAge time.Duration `yaml:"max_age"`
}

// DefaultObserverConfig returns the default observer configuration.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		NatsURL:       "nats://localhost:4222",
		ClientName:    "appsearch",
		StreamName:    "APPSEARCH_CHANGES",
		SubjectPrefix: "appsearch.changes",
		Storage:       "file",
		RetryAttempts: 2,
		MaxAge:        24 * time.Hour,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *ObserverConfig) ApplyDefaults() {
	defaults := DefaultObserverConfig()
	if c.NatsURL == "" {
		c.NatsURL = defaults.NatsURL
	}
	if c.ClientName == "" {
		c.ClientName = defaults.ClientName
	}
	if c.StreamName == "" {
		c.StreamName = defaults.StreamName
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaults.SubjectPrefix
	}
	if c.Storage == "" {
		c.Storage = defaults.Storage
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *ObserverConfig) ApplyEnvOverrides() {
	if val := os.Getenv("APPSEARCH_OBSERVER_FEED_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.FeedEnabled = b
		}
	}
	if val := os.Getenv("APPSEARCH_OBSERVER_NATS_URL"); val != "" {
		c.NatsURL = val
	}
	if val := os.Getenv("APPSEARCH_OBSERVER_STREAM_NAME"); val != "" {
		c.StreamName = val
	}
	if val := os.Getenv("APPSEARCH_OBSERVER_MAX_AGE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.MaxAge = d
		}
	}
}

// ResolvePaths is a no-op; the observer config has no paths.
func (c *ObserverConfig) ResolvePaths(_, _ string) {}

// Validate returns an error if the configuration is invalid.
func (c *ObserverConfig) Validate() error {
	if !c.FeedEnabled {
		return nil
	}
	if c.NatsURL == "" {
		return fmt.Errorf("observer.nats_url is required when the change feed is enabled")
	}
	if c.StreamName == "" {
		return fmt.Errorf("observer.stream_name is required when the change feed is enabled")
	}
	switch strings.ToLower(c.Storage) {
	case "memory", "file":
	default:
		return fmt.Errorf("observer.storage: unknown storage %q (must be memory or file)", c.Storage)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("observer.retry_attempts cannot be negative")
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("observer.max_age cannot be negative")
	}
	return nil
}
