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
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 90*time.Second, cfg.Presence.HeartbeatTimeout)
	assert.Equal(t, 12*time.Hour, cfg.Session.LiveCeiling)
	assert.Equal(t, "https://meet.jit.si", cfg.Session.RoomBaseURL)
	assert.Equal(t, 3, cfg.Sync.MaxWriteRetries)
	assert.Equal(t, 20, cfg.Assistant.MaxHistory)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: 9090
database:
  type: postgres
  dsn: "host=localhost user=loop dbname=loopcore"
session:
  room_base_url: "https://meet.internal.test"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "https://meet.internal.test", cfg.Session.RoomBaseURL)
	// Unset keys keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.Presence.SweepInterval)
	assert.Equal(t, 90*time.Second, cfg.Presence.HeartbeatTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("DATABASE_TYPE", "postgres")
	t.Setenv("DATABASE_DSN", "host=db")
	t.Setenv("ASSISTANT_MODEL", "gemini-2.0-flash")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "host=db", cfg.Database.DSN)
	assert.Equal(t, "gemini-2.0-flash", cfg.Assistant.Model)
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig()
	cfg.Database.Type = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig()
	cfg.Presence.HeartbeatTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig()
	cfg.Sync.MaxWriteRetries = 0
	assert.Error(t, cfg.Validate())
}
