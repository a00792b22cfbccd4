package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7833", cfg.BindAddress)
	assert.Equal(t, "memory", cfg.HistoryStorage)
	assert.Equal(t, 60*time.Second, cfg.TaskPollTimeout)
	assert.Equal(t, 10*time.Second, cfg.StickyTTL)
	assert.Equal(t, 4, cfg.TimerShards)
	assert.Equal(t, 5, cfg.StuckThreshold)
	assert.Equal(t, time.Second, cfg.DefaultRetryPolicy.InitialInterval)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	doc := `
bind_address: "127.0.0.1:9000"
history_storage: "redis://localhost:6379/0"
task_poll_timeout: 30s
sticky_ttl: 2s
max_history_size_events: 5000
default_activity_timeouts:
  start_to_close: 90s
  heartbeat: 15s
default_retry_policy:
  initial_interval: 500ms
  backoff_coefficient: 3.0
  max_attempts: 7
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.BindAddress)
	assert.Equal(t, "redis://localhost:6379/0", cfg.HistoryStorage)
	assert.Equal(t, 30*time.Second, cfg.TaskPollTimeout)
	assert.Equal(t, 2*time.Second, cfg.StickyTTL)
	assert.Equal(t, int64(5000), cfg.MaxHistoryEvents)
	assert.Equal(t, 90*time.Second, cfg.DefaultActivityTimeouts.StartToClose)
	assert.Equal(t, 15*time.Second, cfg.DefaultActivityTimeouts.Heartbeat)
	assert.Equal(t, 500*time.Millisecond, cfg.DefaultRetryPolicy.InitialInterval)
	assert.Equal(t, 3.0, cfg.DefaultRetryPolicy.BackoffCoefficient)
	assert.Equal(t, 7, cfg.DefaultRetryPolicy.MaxAttempts)
	// Untouched fields keep their defaults.
	assert.Equal(t, "memory", cfg.VisibilityStorage)
}

func TestLoadUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_adress: \":1\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind_adress")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CASCADE_BIND_ADDRESS", ":9999")
	t.Setenv("CASCADE_TASK_POLL_TIMEOUT", "45s")
	t.Setenv("CASCADE_STUCK_THRESHOLD", "3")
	t.Setenv("CASCADE_MAX_HISTORY_SIZE_BYTES", "1048576")
	t.Setenv("CASCADE_DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.BindAddress)
	assert.Equal(t, 45*time.Second, cfg.TaskPollTimeout)
	assert.Equal(t, 3, cfg.StuckThreshold)
	assert.Equal(t, int64(1<<20), cfg.MaxHistoryBytes)
	assert.True(t, cfg.Debug)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_address: \":1000\"\n"), 0o600))
	t.Setenv("CASCADE_BIND_ADDRESS", ":2000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":2000", cfg.BindAddress)
}

func TestEnvInvalid(t *testing.T) {
	t.Setenv("CASCADE_TIMER_SHARDS", "four")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CASCADE_TIMER_SHARDS")
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty bind address", func(c *Config) { c.BindAddress = "" }},
		{"empty history storage", func(c *Config) { c.HistoryStorage = "" }},
		{"zero poll timeout", func(c *Config) { c.TaskPollTimeout = 0 }},
		{"negative sticky ttl", func(c *Config) { c.StickyTTL = -time.Second }},
		{"negative dispatch rate", func(c *Config) { c.DispatchRate = -1 }},
		{"zero timer shards", func(c *Config) { c.TimerShards = 0 }},
		{"zero stuck threshold", func(c *Config) { c.StuckThreshold = 0 }},
		{"negative retention", func(c *Config) { c.HistoryRetention = -time.Hour }},
		{"negative event cap", func(c *Config) { c.MaxHistoryEvents = -1 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
