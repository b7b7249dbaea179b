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

	assert.Equal(t, "0.0.0.0:3737", cfg.Server.Addr())
	assert.Equal(t, 100, cfg.Queue.MaxPendingTasks)
	assert.Equal(t, 300*time.Second, cfg.Queue.TaskTimeout)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.Queue.Retention)
	assert.Equal(t, 10*time.Second, cfg.Worker.AuthTimeout)
	assert.Equal(t, 30*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Worker.MaxMissedHeartbeats)
	assert.Equal(t, "/var/lib/engram", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.Federation.ParentURL)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Server.Port, cfg.Server.Port)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	data := `
server:
  port: 4848
queue:
  max_pending_tasks: 42
  task_timeout: 2m
auth:
  worker_token: wtok
federation:
  parent_url: ws://parent:3737/ws/hub
  name: edge-1
  priority: 10
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4848, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host) // default survives partial override
	assert.Equal(t, 42, cfg.Queue.MaxPendingTasks)
	assert.Equal(t, 2*time.Minute, cfg.Queue.TaskTimeout)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, "wtok", cfg.Auth.WorkerToken)
	assert.Equal(t, "ws://parent:3737/ws/hub", cfg.Federation.ParentURL)
	assert.Equal(t, "edge-1", cfg.Federation.Name)
	assert.Equal(t, 10, cfg.Federation.Priority)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
