package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultRedisAddr, cfg.Redis.Addr)
	assert.Equal(t, time.Hour, cfg.Coordination.TaskTTL)
	assert.Equal(t, 30*time.Second, cfg.Coordination.LockTTL)
	assert.Equal(t, DefaultSweepSchedule, cfg.Sweep.Schedule)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Empty(t, cfg.Archive.Driver)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
redis:
  addr: redis:6380
  db: 2
coordination:
  taskTTL: 2h
  lockTTL: 45s
sweep:
  schedule: "@every 1m"
  maxKeys: 50
  keysPerSecond: 20
worker:
  concurrency: 3
  queue: images
logLevel: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 2*time.Hour, cfg.Coordination.TaskTTL)
	assert.Equal(t, 45*time.Second, cfg.Coordination.LockTTL)
	assert.Equal(t, "@every 1m", cfg.Sweep.Schedule)
	assert.Equal(t, 50, cfg.Sweep.MaxKeys)
	assert.Equal(t, 20.0, cfg.Sweep.KeysPerSecond)
	assert.Equal(t, int64(DefaultSweepBatchSize), cfg.Sweep.BatchSize)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, "images", cfg.Worker.Queue)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "redis:\n  addr: from-file:6379\n")
	t.Setenv("JOBGATE_REDIS_ADDR", "from-env:6379")
	t.Setenv("JOBGATE_REDIS_PASSWORD", "secret")
	t.Setenv("JOBGATE_LOCK_TTL", "10s")
	t.Setenv("JOBGATE_SWEEP_ENABLED", "false")
	t.Setenv("JOBGATE_ARCHIVE_DRIVER", "sqlite")
	t.Setenv("JOBGATE_ARCHIVE_DSN", "file:archive.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 10*time.Second, cfg.Coordination.LockTTL)
	assert.False(t, cfg.Sweep.Enabled)
	assert.Equal(t, "sqlite", cfg.Archive.Driver)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("JOBGATE_WORKER_CONCURRENCY", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JOBGATE_WORKER_CONCURRENCY")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Coordination.LockTTL = 2 * time.Hour
	assert.Error(t, cfg.Validate(), "lock TTL must be shorter than task TTL")

	cfg = Default()
	cfg.Archive.Driver = "postgres"
	assert.Error(t, cfg.Validate(), "archive driver without DSN")

	cfg = Default()
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}
