package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"relays": [
			{"url": "wss://relay.one"},
			{"url": "relay.two", "write": false}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultDedupCacheSize, cfg.DedupCacheSize)
	assert.Equal(t, 10*time.Second, cfg.GetAckTimeoutDuration())
	assert.Equal(t, time.Second, cfg.GetReconnectInitialIntervalDuration())
	assert.Equal(t, time.Minute, cfg.GetReconnectMaxIntervalDuration())
	assert.Equal(t, 30*time.Second, cfg.GetPingIntervalDuration())

	require.Len(t, cfg.Relays, 2)
	assert.True(t, cfg.Relays[0].CanRead())
	assert.True(t, cfg.Relays[0].CanWrite())
	assert.True(t, cfg.Relays[1].CanRead())
	assert.False(t, cfg.Relays[1].CanWrite())
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logLevel: debug
dedupCacheSize: 50
sendRateLimit: 5
statusLogInterval: 0
relays:
  - url: ws://localhost:7777
    read: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 50, cfg.DedupCacheSize)
	assert.Equal(t, 5.0, cfg.SendRateLimit)
	assert.Equal(t, 1, cfg.SendBurst)
	assert.Zero(t, cfg.GetStatusLogIntervalDuration())
	require.Len(t, cfg.Relays, 1)
	assert.False(t, cfg.Relays[0].CanRead())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RELAYPOOL_LOGLEVEL", "warn")
	t.Setenv("RELAYPOOL_ACKTIMEOUT", "2500")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 2500*time.Millisecond, cfg.GetAckTimeoutDuration())
	assert.Empty(t, cfg.Relays)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "bad log level",
			content: `{"logLevel": "verbose"}`,
			errMsg:  "LogLevel must be one of",
		},
		{
			name:    "bad relay scheme",
			content: `{"relays": [{"url": "ftp://relay.one"}]}`,
			errMsg:  "Relays[0].URL",
		},
		{
			name:    "missing relay url",
			content: `{"relays": [{"read": true}]}`,
			errMsg:  "Relays[0].URL is required",
		},
		{
			name:    "duplicate relay",
			content: `{"relays": [{"url": "wss://Relay.One/"}, {"url": "relay.one"}]}`,
			errMsg:  "duplicate relay",
		},
		{
			name:    "max below initial",
			content: `{"reconnectInitialInterval": 5000, "reconnectMaxInterval": 1000}`,
			errMsg:  "ReconnectMaxInterval",
		},
		{
			name:    "bad metrics address",
			content: `{"metricsAddr": "localhost"}`,
			errMsg:  "MetricsAddr",
		},
		{
			name:    "unknown key",
			content: `{"dedupCacheSise": 10}`,
			errMsg:  "failed to parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.json", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, DefaultSendQueueSize, cfg.SendQueueSize)
	assert.Equal(t, 10*time.Second, cfg.GetDialTimeoutDuration())
}
