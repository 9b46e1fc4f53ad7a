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
	cfg := Defaults()

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 10, cfg.Server.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Server.HandshakeTimeout)
	assert.Equal(t, 1000, cfg.Bus.QueueCapacity)
	assert.Equal(t, 100, cfg.Replay.Capacity)
	assert.Equal(t, 30*time.Second, cfg.Replay.TTL)
	require.NoError(t, Validate(cfg))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Server.Port, cfg.Server.Port)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  host: "localhost"
  port: 9000
  max_connections: 4
bus:
  queue_capacity: 50
replay:
  capacity: 20
  ttl: 10s
watcher:
  enabled: true
  root: "/tmp/project"
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", cfg.Server.Addr())
	assert.Equal(t, 4, cfg.Server.MaxConnections)
	assert.Equal(t, 50, cfg.Bus.QueueCapacity)
	assert.Equal(t, 20, cfg.Replay.Capacity)
	assert.Equal(t, 10*time.Second, cfg.Replay.TTL)
	assert.True(t, cfg.Watcher.Enabled)
	// Unset fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIRADOR_SERVER_PORT", "9999")
	t.Setenv("MIRADOR_REPLAY_TTL", "45s")
	t.Setenv("MIRADOR_WATCHER_ENABLED", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Replay.TTL)
	assert.True(t, cfg.Watcher.Enabled)
}

func TestValidateRejectsNonLoopback(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Host = "0.0.0.0"
	assert.Error(t, Validate(cfg))

	cfg.Server.Host = "192.168.1.5"
	assert.Error(t, Validate(cfg))

	cfg.Server.Host = "::1"
	assert.NoError(t, Validate(cfg))
}

func TestValidateRejectsBadCapacities(t *testing.T) {
	cfg := Defaults()
	cfg.Bus.QueueCapacity = 0
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Replay.Capacity = -1
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Lock.Path = ""
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsNonPositiveIntervals(t *testing.T) {
	// Zero durations would panic time.NewTicker downstream.
	cfg := Defaults()
	cfg.Server.HeartbeatInterval = 0
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Server.HandshakeTimeout = 0
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Replay.SweepInterval = -time.Second
	assert.Error(t, Validate(cfg))
}

func TestLoadRejectsZeroIntervalsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  heartbeat_interval: 0
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
