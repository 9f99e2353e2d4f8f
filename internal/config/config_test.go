package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Scheduler.Concurrency)
	assert.Equal(t, 10, cfg.Scheduler.MaxRetries)
	assert.Equal(t, time.Second, cfg.Scheduler.RetryDelay)
	assert.Equal(t, []string{"dispatch"}, cfg.Scheduler.ExclusiveClasses)
	assert.Equal(t, 10*time.Second, cfg.Devices.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Devices.AwaitTimeout)
	assert.Equal(t, 30*time.Second, cfg.Camera.Interval)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
scheduler:
  concurrency: 2
devices:
  poll_interval: 3s
webhook:
  url: http://hooks.local/jobs
logging:
  level: debug
  format: text
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Scheduler.Concurrency)
	assert.Equal(t, 3*time.Second, cfg.Devices.PollInterval)
	assert.Equal(t, "http://hooks.local/jobs", cfg.Webhook.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched sections keep defaults
	assert.Equal(t, 8883, cfg.Devices.Port)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLEET_PORT", "7000")
	t.Setenv("FLEET_DB_PATH", "/tmp/fleet.db")
	t.Setenv("FLEET_CONCURRENCY", "3")
	t.Setenv("FLEET_LOG_LEVEL", "WARN")
	t.Setenv("FLEET_WEBHOOK_URL", "http://example.test/hook")

	cfg := LoadFromEnv()
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "/tmp/fleet.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Scheduler.Concurrency)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "http://example.test/hook", cfg.Webhook.URL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server port"},
		{"db path", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"secret key", func(c *Config) { c.Database.SecretKey = "abc" }, "secret key"},
		{"concurrency", func(c *Config) { c.Scheduler.Concurrency = 0 }, "concurrency"},
		{"class", func(c *Config) { c.Scheduler.ExclusiveClasses = []string{"print"} }, "exclusive class"},
		{"poll", func(c *Config) { c.Devices.PollInterval = 0 }, "poll interval"},
		{"staging", func(c *Config) { c.Dispatch.StagingDir = "relative" }, "staging"},
		{"page size", func(c *Config) { c.Dispatch.PageSize = 0 }, "page size"},
		{"webhook workers", func(c *Config) { c.Webhook.URL = "http://x"; c.Webhook.Workers = 0 }, "webhook workers"},
		{"level", func(c *Config) { c.Logging.Level = "trace" }, "log level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
