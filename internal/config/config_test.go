package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)

	assert.Equal(t, 9180, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "claude", cfg.Agent.Binary)
	assert.Equal(t, 3, cfg.Loop.MaxConcurrency)
	assert.Equal(t, 2*time.Second, cfg.Loop.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Monitor.Window)
	assert.Equal(t, 3, cfg.Monitor.Threshold)
	assert.Equal(t, "autoboard.events", cfg.Events.NATSSubject)

	require.NoError(t, cfg.Validate())
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }, "server.port"},
		{"missing binary", func(c *Config) { c.Agent.Binary = "" }, "agent.binary"},
		{"bad concurrency", func(c *Config) { c.Loop.MaxConcurrency = 0 }, "max_concurrency"},
		{"bad threshold", func(c *Config) { c.Monitor.Threshold = 0 }, "monitor.threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			applyDefaults(&cfg)
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadWithFile_YAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("server:\n  port: 9999\nloop:\n  max_concurrency: 5\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("AUTOBOARD_AGENT_MODEL", "opus")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Loop.MaxConcurrency)
	assert.Equal(t, "opus", cfg.Agent.Model)
	// untouched fields fall back to defaults
	assert.Equal(t, "claude", cfg.Agent.Binary)
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "server.port", envTransform("AUTOBOARD_SERVER_PORT"))
	assert.Equal(t, "loop.max_concurrency", envTransform("AUTOBOARD_LOOP_MAX_CONCURRENCY"))
	assert.Equal(t, "events.nats_url", envTransform("AUTOBOARD_EVENTS_NATS_URL"))
}
