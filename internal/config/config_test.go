package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a YAML config into a temp dir and returns its path.
// t.TempDir() is removed automatically after the test.
func writeConfig(t *testing.T, yamlContent string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))
	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

log:
  level: debug
  format: text

auth:
  keys:
    sk-team-a: org-a

fetch:
  allow_hosts: [images.example.com]

redis:
  addr: localhost:6379
  password: ${TEST_REDIS_PASSWORD}

providers:
  anthropic:
    api_key: ${TEST_API_KEY}
    base_url: https://example.com/v1
    org_keys:
      org-a: ${TEST_ORG_KEY}
`)

	// t.Setenv auto-restores the original value when the test finishes.
	t.Setenv("TEST_API_KEY", "my-secret-key")
	t.Setenv("TEST_ORG_KEY", "org-secret")
	t.Setenv("TEST_REDIS_PASSWORD", "hunter2")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, map[string]string{"sk-team-a": "org-a"}, cfg.Auth.Keys)
	assert.Equal(t, []string{"images.example.com"}, cfg.Fetch.AllowHosts)
	assert.Equal(t, "hunter2", cfg.Redis.Password)

	anthropic, ok := cfg.Providers["anthropic"]
	require.True(t, ok, "anthropic provider should exist")
	assert.Equal(t, "my-secret-key", anthropic.APIKey)
	assert.Equal(t, "https://example.com/v1", anthropic.BaseURL)
	assert.Equal(t, "org-secret", anthropic.OrgKeys["org-a"])
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8081\n"))
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, int64(20<<20), cfg.Fetch.MaxBytes)
	assert.Equal(t, 5*time.Second, cfg.Video.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Video.Timeout)
	assert.Equal(t, "llmgateway:logs", cfg.Redis.LogStream)
	assert.Empty(t, cfg.Redis.Addr)
	assert.NotNil(t, cfg.Providers)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("LLMGATEWAY_SERVER_PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 8080
  read_timeout: 30s
  write_timeout: 120s
redis:
  log_stream: from-file
`)

	// This should override server.port from 8080 to 3000.
	t.Setenv("LLMGATEWAY_SERVER_PORT", "3000")
	// A double underscore keeps a literal underscore in the key.
	t.Setenv("LLMGATEWAY_REDIS_LOG__STREAM", "from-env")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Redis.LogStream)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := map[string]string{
		"bad port":       "server:\n  port: 70000\n",
		"bad log format": "log:\n  format: xml\n",
		"bad log level":  "log:\n  level: loud\n",
		"poll > timeout": "video:\n  poll_interval: 1h\n  timeout: 1m\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.port", envKey("LLMGATEWAY_SERVER_PORT"))
	assert.Equal(t, "server.read_timeout", envKey("LLMGATEWAY_SERVER_READ__TIMEOUT"))
}
