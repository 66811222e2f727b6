package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "localhost:7233", cfg.Temporal.HostPort)
	assert.Equal(t, "codeflow", cfg.Cache.Namespace)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 30*time.Second, cfg.Execution.SyncTimeout)
	assert.Equal(t, 55*time.Second, cfg.Execution.MaxSyncTimeout)
	assert.Less(t, cfg.Execution.MaxSyncTimeout, cfg.Server.WriteTimeout)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
db:
  driver: memory
  port: 6543
temporal:
  namespace: prod
cache:
  ttl: 1h
execution:
  sync_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CODEFLOW_TEMPORAL_HOST_PORT", "temporal:7233")
	t.Setenv("CODEFLOW_REDIS_URL", "redis://cache:6379/0")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.DB.Driver)
	assert.Equal(t, 6543, cfg.DB.Port)
	assert.Equal(t, "prod", cfg.Temporal.Namespace)
	assert.Equal(t, "temporal:7233", cfg.Temporal.HostPort)
	assert.Equal(t, "redis://cache:6379/0", cfg.Redis.URL)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 5*time.Second, cfg.Execution.SyncTimeout)
	assert.Contains(t, cfg.DSN(), "port=6543")
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db:\n  driver: sqlite\n"), 0o600))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "sqlite")

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_MaxSyncTimeoutBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("execution:\n  max_sync_timeout: 2m\n"), 0o600))
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "server.write_timeout")

	require.NoError(t, os.WriteFile(path, []byte("execution:\n  sync_timeout: 40s\n  max_sync_timeout: 20s\n"), 0o600))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "execution.sync_timeout")

	require.NoError(t, os.WriteFile(path, []byte("server:\n  write_timeout: 3m\nexecution:\n  max_sync_timeout: 2m\n"), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Execution.MaxSyncTimeout)
}
