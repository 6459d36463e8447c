package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "file", cfg.Checkpoint.Driver)
	assert.Equal(t, 100, cfg.Pipeline.Retention)
	assert.Equal(t, []string{"worker"}, cfg.Workers.ProcessArgs)
	assert.Equal(t, "0.0.0.0:8090", cfg.Server.Addr())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
workers:
  cooperative: 3
  process: 0
  stop_grace: 5s
checkpoint:
  driver: badger
  dir: state
pipeline:
  retention: 10
  wait_timeout: 1m
observability:
  log_format: console
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Workers.Cooperative)
	assert.Equal(t, 0, cfg.Workers.Process)
	assert.Equal(t, 2, cfg.Workers.Thread, "unset fields keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Workers.StopGrace)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.Checkpoint.Dir)
	assert.Equal(t, time.Minute, cfg.Pipeline.WaitTimeout)
	assert.Equal(t, "console", cfg.Observability.LogFormat)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "parse config file")

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "invalid server port")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("WORKERS_PROCESS", "0")
	t.Setenv("DATABASE_URL", "sqlite:/tmp/checkpoints.db")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("AUDIT_DATABASE_URL", "postgres://u:p@db/audit")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 0, cfg.Workers.Process)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Driver)
	assert.Equal(t, "sqlite3", cfg.CheckpointDriver())
	assert.Equal(t, "/tmp/checkpoints.db", cfg.Checkpoint.DSN)
	assert.True(t, cfg.Events.RedisBridge)
	assert.Equal(t, "cache:6379", cfg.Events.Redis.Addr)
	assert.Equal(t, "cache:6379", cfg.Checkpoint.Redis.Addr)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "postgres", cfg.AuditDriver())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no cooperative workers", func(c *Config) { c.Workers.Cooperative = 0 }, "workers.cooperative"},
		{"negative threads", func(c *Config) { c.Workers.Thread = -1 }, "cannot be negative"},
		{"cpu threshold", func(c *Config) { c.Resources.MaxCPUPercent = 120 }, "max_cpu_percent"},
		{"unknown checkpoint driver", func(c *Config) { c.Checkpoint.Driver = "s3" }, "invalid checkpoint driver"},
		{"file without dir", func(c *Config) { c.Checkpoint.Dir = "" }, "checkpoint.dir"},
		{"sql without dsn", func(c *Config) { c.Checkpoint.Driver = "postgres" }, "checkpoint.dsn"},
		{"bridge without addr", func(c *Config) { c.Events.RedisBridge = true; c.Events.Redis.Addr = "" }, "events.redis.addr"},
		{"audit without dsn", func(c *Config) { c.Audit.Enabled = true; c.Audit.Driver = "sqlite" }, "audit.dsn"},
		{"log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "invalid log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := DefaultConfig()
	cfg.Checkpoint.Driver = "badger"
	cfg.Checkpoint.Dir = ""
	cfg.Checkpoint.InMemory = true
	assert.NoError(t, cfg.Validate())
}

func TestResolveRelativePath(t *testing.T) {
	assert.Equal(t, "/etc/engine/data", ResolveRelativePath("/etc/engine/engine.yaml", "data"))
	assert.Equal(t, "/var/data", ResolveRelativePath("/etc/engine/engine.yaml", "/var/data"))
}
