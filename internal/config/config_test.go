package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadConfig_Defaults(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "config")

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "data", "appsearch"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join(root, "logs"), cfg.Logging.Dir)
	assert.Equal(t, 100, cfg.Migration.PageSize)
	assert.Empty(t, cfg.Migration.TempDir)
	assert.Positive(t, cfg.Session.ReadPoolSize)
	assert.False(t, cfg.Observer.FeedEnabled)
	assert.Equal(t, "APPSEARCH_CHANGES", cfg.Observer.StreamName)
}

func TestLoadConfig_File(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "config")
	require.NoError(t, os.Mkdir(configDir, 0755))

	writeConfig(t, configDir, "config.yml", `
storage:
  path: "store"
  optimize_interval: 1h
session:
  read_pool_size: 3
migration:
  temp_dir: "tmp/migrations"
  page_size: 25
observer:
  feed_enabled: true
  nats_url: "nats://file:4222"
logging:
  level: "debug"
`)

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "store"), cfg.Storage.Path)
	assert.Equal(t, time.Hour, cfg.Storage.OptimizeInterval)
	assert.Equal(t, 3, cfg.Session.ReadPoolSize)
	assert.Equal(t, filepath.Join(root, "tmp", "migrations"), cfg.Migration.TempDir)
	assert.Equal(t, 25, cfg.Migration.PageSize)
	assert.True(t, cfg.Observer.FeedEnabled)
	assert.Equal(t, "nats://file:4222", cfg.Observer.NatsURL)
	assert.Equal(t, "appsearch", cfg.Observer.ClientName)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "debug", cfg.Logging.File.Level)
}

func TestLoadConfig_LocalOverridesFile(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "config")
	require.NoError(t, os.Mkdir(configDir, 0755))

	writeConfig(t, configDir, "config.yml", "session:\n  read_pool_size: 3\nmigration:\n  page_size: 25\n")
	writeConfig(t, configDir, "config.local.yml", "session:\n  read_pool_size: 7\n")

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Session.ReadPoolSize)
	assert.Equal(t, 25, cfg.Migration.PageSize)
}

func TestLoadConfig_EnvVars(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "config")

	t.Setenv("APPSEARCH_DATA_DIR", "/srv/appsearch")
	t.Setenv("APPSEARCH_STORAGE_IN_MEMORY", "true")
	t.Setenv("APPSEARCH_SESSION_READ_POOL_SIZE", "5")
	t.Setenv("APPSEARCH_MIGRATION_PAGE_SIZE", "10")
	t.Setenv("APPSEARCH_OBSERVER_FEED_ENABLED", "true")
	t.Setenv("APPSEARCH_OBSERVER_NATS_URL", "nats://env:4222")

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)

	assert.Equal(t, "/srv/appsearch", cfg.DataDir)
	assert.Equal(t, filepath.Join("/srv/appsearch", "data", "appsearch"), cfg.Storage.Path)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, 5, cfg.Session.ReadPoolSize)
	assert.Equal(t, 10, cfg.Migration.PageSize)
	assert.True(t, cfg.Observer.FeedEnabled)
	assert.Equal(t, "nats://env:4222", cfg.Observer.NatsURL)
}

func TestLoadConfig_LoadFileErrors(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "config")
	require.NoError(t, os.Mkdir(configDir, 0755))

	// a directory where a file is expected triggers the read error path
	require.NoError(t, os.Mkdir(filepath.Join(configDir, "config.yml"), 0755))
	// malformed YAML triggers the parse error path
	writeConfig(t, configDir, "config.local.yml", "not: [valid")

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)

	// defaults remain when files fail to load or parse
	assert.Equal(t, 100, cfg.Migration.PageSize)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_ValidationError(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "config")
	require.NoError(t, os.Mkdir(configDir, 0755))

	writeConfig(t, configDir, "config.yml", "storage:\n  engine: \"leveldb\"\n")

	_, err := LoadConfig(configDir)
	assert.ErrorContains(t, err, "unknown engine")
}

func TestConfig_DataDir(t *testing.T) {
	tests := []struct {
		name      string
		dataDir   string
		configDir string
		expected  string
	}{
		{"empty uses parent of config dir", "", "/app/config", "/app"},
		{"relative resolved next to config dir", "state", "/app/config", "/app/state"},
		{"absolute unchanged", "/var/lib/appsearch", "/app/config", "/var/lib/appsearch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{DataDir: tt.dataDir}
			assert.Equal(t, tt.expected, cfg.dataDir(tt.configDir))
		})
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := SessionConfig{}
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultSessionConfig().ReadPoolSize, cfg.ReadPoolSize)
	assert.Zero(t, cfg.MaintenanceInterval)
	assert.NoError(t, cfg.Validate())

	t.Setenv("APPSEARCH_SESSION_MAINTENANCE_INTERVAL", "30s")
	cfg.ApplyEnvOverrides()
	assert.Equal(t, 30*time.Second, cfg.MaintenanceInterval)

	cfg.ReadPoolSize = -1
	assert.ErrorContains(t, cfg.Validate(), "read_pool_size")

	cfg.ReadPoolSize = 1
	cfg.MaintenanceInterval = -time.Second
	assert.ErrorContains(t, cfg.Validate(), "maintenance_interval")
}

func TestMigrationConfig(t *testing.T) {
	cfg := MigrationConfig{TempDir: "buffers"}
	cfg.ApplyDefaults()
	cfg.ResolvePaths("/app/config", "/app")
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, "/app/buffers", cfg.TempDir)
	assert.NoError(t, cfg.Validate())

	abs := MigrationConfig{TempDir: "/tmp/buffers", PageSize: -1}
	abs.ResolvePaths("/app/config", "/app")
	assert.Equal(t, "/tmp/buffers", abs.TempDir)
	assert.ErrorContains(t, abs.Validate(), "page_size")
}

func TestObserverConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ObserverConfig)
		errMsg string
	}{
		{"feed disabled skips checks", func(c *ObserverConfig) { c.FeedEnabled = false; c.NatsURL = "" }, ""},
		{"valid feed", func(*ObserverConfig) {}, ""},
		{"memory storage", func(c *ObserverConfig) { c.Storage = "Memory" }, ""},
		{"missing url", func(c *ObserverConfig) { c.NatsURL = "" }, "nats_url"},
		{"missing stream", func(c *ObserverConfig) { c.StreamName = "" }, "stream_name"},
		{"unknown storage", func(c *ObserverConfig) { c.Storage = "disk" }, "unknown storage"},
		{"negative retries", func(c *ObserverConfig) { c.RetryAttempts = -1 }, "retry_attempts"},
		{"negative max age", func(c *ObserverConfig) { c.MaxAge = -time.Minute }, "max_age"},
		{"unbounded retention", func(c *ObserverConfig) { c.MaxAge = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultObserverConfig()
			cfg.FeedEnabled = true
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.errMsg != "" {
				assert.ErrorContains(t, err, tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
