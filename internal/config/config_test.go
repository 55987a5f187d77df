package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite://syncq.db", cfg.Store.DSN)
	assert.Equal(t, "syncq:queue", cfg.Store.Key)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Queue.LeaseTTL)
	assert.Equal(t, "", cfg.Driver.BaseURL)
	assert.Equal(t, "@every 30s", cfg.Driver.Schedule)
	assert.Equal(t, 10*time.Second, cfg.Driver.RequestTimeout)
	assert.Equal(t, uint32(5), cfg.Driver.Breaker.ConsecutiveFailures)
	assert.Equal(t, 30*time.Second, cfg.Driver.Breaker.Timeout)
	assert.Equal(t, "", cfg.Conflict.PolicyFile)
	assert.Equal(t, ":8089", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  dsn: memory://
queue:
  max_retries: 5
  lease_ttl: 45s
driver:
  base_url: https://api.example.com/v1
  clear_completed: true
  breaker:
    consecutive_failures: 2
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory://", cfg.Store.DSN)
	assert.Equal(t, "syncq:queue", cfg.Store.Key, "unset keys keep defaults")
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Queue.LeaseTTL)
	assert.Equal(t, "https://api.example.com/v1", cfg.Driver.BaseURL)
	assert.True(t, cfg.Driver.ClearCompleted)
	assert.Equal(t, uint32(2), cfg.Driver.Breaker.ConsecutiveFailures)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  dsn: memory://\n"), 0o644))
	t.Setenv("SYNCQ_STORE_DSN", "file:///tmp/queue")
	t.Setenv("SYNCQ_QUEUE_LEASE_TTL", "5m")
	t.Setenv("SYNCQ_HTTP_ADDR", "127.0.0.1:9000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file:///tmp/queue", cfg.Store.DSN)
	assert.Equal(t, 5*time.Minute, cfg.Queue.LeaseTTL)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("SYNCQ_LOG_FORMAT", "xml")
	t.Setenv("SYNCQ_QUEUE_MAX_RETRIES", "-1")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format")
	assert.Contains(t, err.Error(), "queue.max_retries")
}

func TestLoadEnvFiles_Precedence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SYNCQ_TEST_A=base\nSYNCQ_TEST_B=base\nSYNCQ_TEST_C=base\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("SYNCQ_TEST_B=local\n"), 0o644))

	t.Setenv("SYNCQ_TEST_C", "process")
	// t.Setenv restores these at the end of the test.
	t.Setenv("SYNCQ_TEST_A", "")
	t.Setenv("SYNCQ_TEST_B", "")
	require.NoError(t, os.Unsetenv("SYNCQ_TEST_A"))
	require.NoError(t, os.Unsetenv("SYNCQ_TEST_B"))

	require.NoError(t, LoadEnvFiles(dir))

	assert.Equal(t, "base", os.Getenv("SYNCQ_TEST_A"))
	assert.Equal(t, "local", os.Getenv("SYNCQ_TEST_B"))
	assert.Equal(t, "process", os.Getenv("SYNCQ_TEST_C"))
}

func TestLoadEnvFiles_MissingIsFine(t *testing.T) {
	assert.NoError(t, LoadEnvFiles(t.TempDir()))
}
