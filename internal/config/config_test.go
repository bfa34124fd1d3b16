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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
api:
  origin: "http://localhost:8000"
session:
  id: 3
  project_id: 2
  pattern: "ieee_830"
stream:
  base_delay: 2s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.API.Origin)
	assert.Equal(t, int64(3), cfg.Session.ID)
	assert.Equal(t, int64(2), cfg.Session.ProjectID)
	assert.Equal(t, "ieee_830", cfg.Session.Pattern)
	assert.True(t, cfg.Session.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Stream.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Stream.MaxDelay)
	assert.Equal(t, 5, cfg.Stream.MaxRetries)
	assert.Equal(t, "/ws/chat/{project_id}/{session_id}", cfg.Chat.Path)
	assert.Equal(t, 7*24*time.Hour, cfg.Redis.TTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
api:
  origin: "http://localhost:8000"
`)
	t.Setenv("CRS_AUTH_TOKEN", "secret-token")
	t.Setenv("CRS_SESSION_ID", "42")
	t.Setenv("CRS_STREAM_MAX_RETRIES", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Auth.Token)
	assert.Equal(t, int64(42), cfg.Session.ID)
	assert.Equal(t, 2, cfg.Stream.MaxRetries)
}

func TestLoad_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("CRS_API_ORIGIN", "https://api.example.com")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.API.Origin)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing origin": `
session:
  pattern: "babok"
`,
		"unknown pattern": `
api:
  origin: "http://localhost:8000"
session:
  pattern: "rfc"
`,
		"max below base": `
api:
  origin: "http://localhost:8000"
stream:
  base_delay: 10s
  max_delay: 1s
`,
		"bad log format": `
api:
  origin: "http://localhost:8000"
log:
  format: "xml"
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
