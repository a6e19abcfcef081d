// filename: internal/common/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.GetServerAddr())
	assert.Equal(t, "0.0.0.0:8081", cfg.GetIngestAddr())
	assert.Equal(t, 100, cfg.Engine.MaxPending)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, "nats", cfg.Executor.Backend)
	assert.Equal(t, "local", cfg.Alerting.Mode)
	assert.Equal(t, 600, cfg.Ingest.RateLimitPerMinute)
	assert.Equal(t, 30*time.Second, cfg.Ingest.BlockDuration)
	assert.False(t, cfg.PostgreSQL.Enabled)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
engine:
  max_pending: 5
  approval_timeout: 15m
executor:
  backend: local
alerting:
  routes:
    - id: crit
      severities: [critical]
      channels: [email]
      suppress_ttl: 5m
auth:
  enabled: true
  tokens:
    - user: alice
      hash: "$2a$10$abcdefghijklmnopqrstuuvwxyzABCDEFGHIJKLMNOPQRSTUV"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Engine.MaxPending)
	assert.Equal(t, 15*time.Minute, cfg.Engine.ApprovalTimeout)
	assert.Equal(t, "local", cfg.Executor.Backend)
	require.Len(t, cfg.Alerting.Routes, 1)
	assert.Equal(t, 5*time.Minute, cfg.Alerting.Routes[0].SuppressTTL)
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, "alice", cfg.Auth.Tokens[0].User)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("AUTOOPS_ENGINE_MAX_PENDING", "7")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.MaxPending)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad server port", func(c *Config) { c.Server.Port = 0 }},
		{"no nats urls", func(c *Config) { c.NATS.URLs = nil }},
		{"zero max pending", func(c *Config) { c.Engine.MaxPending = 0 }},
		{"negative approval timeout", func(c *Config) { c.Engine.ApprovalTimeout = -time.Second }},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{"unknown backend", func(c *Config) { c.Executor.Backend = "ssh" }},
		{"unknown alerting mode", func(c *Config) { c.Alerting.Mode = "pager" }},
		{"auth without tokens", func(c *Config) { c.Auth.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
