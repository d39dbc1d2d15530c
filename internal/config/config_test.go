package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8420", cfg.Listen)
	assert.Equal(t, 100, cfg.MaxSessions)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval.Std())
	assert.Equal(t, 2, cfg.HeartbeatMultiplier)
	assert.Equal(t, 300*time.Second, cfg.ReconnectTokenTTL.Std())
	assert.Equal(t, 10*time.Second, cfg.AcceptTimeout.Std())
	assert.Equal(t, 8*1024, cfg.StreamChunkSize)
	assert.Equal(t, int64(8*1024*1024), cfg.OutputByteCap)
	assert.Equal(t, 100, cfg.QueueCapacity)
	assert.Equal(t, 120*time.Second, cfg.DefaultExecTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.KillGraceTimeout.Std())
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Listen, cfg.Listen)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "127.0.0.1:9000"
log_level: debug
max_sessions: 5
heartbeat_interval: 5s
reconnect_token_ttl: 60
default_exec_timeout: 1.5
output_byte_cap: 4096
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.MaxSessions)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval.Std())
	assert.Equal(t, 60*time.Second, cfg.ReconnectTokenTTL.Std())
	assert.Equal(t, 1500*time.Millisecond, cfg.DefaultExecTimeout.Std())
	assert.Equal(t, int64(4096), cfg.OutputByteCap)
	// Untouched keys keep their defaults.
	assert.Equal(t, 100, cfg.QueueCapacity)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CMDBRIDGE_LISTEN", ":9999")
	t.Setenv("CMDBRIDGE_LOG_LEVEL", "warn")
	t.Setenv("CMDBRIDGE_MAX_SESSIONS", "7")
	t.Setenv("CMDBRIDGE_HEARTBEAT_INTERVAL", "15s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7, cfg.MaxSessions)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval.Std())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max sessions", func(c *Config) { c.MaxSessions = 0 }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"multiplier below one", func(c *Config) { c.HeartbeatMultiplier = 0 }},
		{"zero chunk size", func(c *Config) { c.StreamChunkSize = 0 }},
		{"zero byte cap", func(c *Config) { c.OutputByteCap = 0 }},
		{"zero queue capacity", func(c *Config) { c.QueueCapacity = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationForms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
session_idle_timeout: 2h
accept_timeout: "3"
kill_grace_timeout: 750ms
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.SessionIdleTimeout.Std())
	assert.Equal(t, 3*time.Second, cfg.AcceptTimeout.Std())
	assert.Equal(t, 750*time.Millisecond, cfg.KillGraceTimeout.Std())
}
