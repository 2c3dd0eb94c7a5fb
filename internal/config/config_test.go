package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrentTasks = 4
	return cfg
}

func TestDefaultConfig_RequiresConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 0, cfg.MaxConcurrentTasks)
	assert.ErrorContains(t, cfg.Validate(), "max_concurrent_tasks")

	cfg.MaxConcurrentTasks = 1
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no record types", func(c *Config) { c.Extract.Slot0, c.Extract.Ticks = false, false }, "extract"},
		{"empty rpc", func(c *Config) { c.RPC.Endpoint = "" }, "rpc.endpoint"},
		{"empty clickhouse", func(c *Config) { c.ClickHouse.DSN = "" }, "clickhouse.dsn"},
		{"zero batch", func(c *Config) { c.Sink.BatchSize = 0 }, "sink.batch_size"},
		{"zero interval", func(c *Config) { c.Sink.FlushInterval = 0 }, "sink.flush_interval"},
		{"negative retries", func(c *Config) { c.Scheduler.RetryAttempts = -1 }, "retry_attempts"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"unknown mode", func(c *Config) { c.Mode = "backfill" }, "mode"},
		{"gaps without postgres", func(c *Config) { c.Mode = "gaps" }, "postgres.dsn"},
		{"negative sink retry delay", func(c *Config) { c.Sink.RetryDelay = -time.Second }, "sink.retry_delay"},
		{"negative shutdown timeout", func(c *Config) { c.ShutdownTimeout = -time.Second }, "shutdown_timeout"},
		{"shutdown shorter than a trace", func(c *Config) { c.ShutdownTimeout = 30 * time.Second }, "shutdown_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := validConfig()
	cfg.Extract.Ticks = false
	assert.NoError(t, cfg.Validate())
}

func TestValidate_GapsWithPostgres(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "gaps"
	cfg.Postgres.DSN = "postgres://ledger@localhost/univ3"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ShutdownTimeout(t *testing.T) {
	cfg := validConfig()
	assert.Zero(t, cfg.ShutdownTimeout, "default waits for in-flight replays")

	// 5m trace timeout with 3 retries.
	assert.Equal(t, 20*time.Minute, cfg.MinShutdownTimeout())

	cfg.ShutdownTimeout = 20 * time.Minute
	assert.NoError(t, cfg.Validate())

	cfg.ShutdownTimeout = 19 * time.Minute
	assert.ErrorContains(t, cfg.Validate(), "shorter than one fully retried trace")
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_concurrent_tasks: 8
rpc:
  endpoint: http://archive:8545
  trace_timeout: 2m
sink:
  batch_size: 100
extract:
  ticks: false
`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrentTasks)
	assert.Equal(t, "http://archive:8545", cfg.RPC.Endpoint)
	assert.Equal(t, 2*time.Minute, cfg.RPC.TraceTimeout)
	assert.Equal(t, 100, cfg.Sink.BatchSize)
	assert.True(t, cfg.Extract.Slot0, "unset fields keep defaults")
	assert.False(t, cfg.Extract.Ticks)
	assert.Equal(t, 2*time.Second, cfg.Sink.FlushInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_concurrent_tasks": 2, "postgres": {"dsn": "postgres://x"}}`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxConcurrentTasks)
	assert.Equal(t, "postgres://x", cfg.Postgres.DSN)
}

func TestLoadFromFile_JSONDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	"max_concurrent_tasks": 4,
	"sink": {"batch_size": 2000000, "flush_interval": "2s", "retry_delay": "50ms"},
	"rpc": {"trace_timeout": "1m30s"},
	"extract": {"ticks": false}
}`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Sink.FlushInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Sink.RetryDelay)
	assert.Equal(t, 90*time.Second, cfg.RPC.TraceTimeout)
	assert.Equal(t, 2000000, cfg.Sink.BatchSize)
	assert.False(t, cfg.Extract.Ticks)
	assert.True(t, cfg.Extract.Slot0)
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	toml := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(toml, []byte("a = 1"), 0o600))
	_, err = LoadFromFile(toml)
	assert.ErrorContains(t, err, "unsupported")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("max_concurrent_tasks: [1"), 0o600))
	_, err = LoadFromFile(bad)
	assert.ErrorContains(t, err, "YAML")

	badJSON := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badJSON, []byte(`{"sink": {"flush_interval": "soon"}}`), 0o600))
	_, err = LoadFromFile(badJSON)
	assert.ErrorContains(t, err, "JSON")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("UNIV3_MAX_CONCURRENT_TASKS", "16")
	t.Setenv("UNIV3_RPC_ENDPOINT", "http://erigon:8545")
	t.Setenv("UNIV3_SINK_FLUSH_INTERVAL", "500ms")
	t.Setenv("UNIV3_SINK_RETRY_DELAY", "1s")
	t.Setenv("UNIV3_MODE", "gaps")
	t.Setenv("UNIV3_EXTRACT_SLOT0", "false")
	t.Setenv("UNIV3_POSTGRES_DSN", "")

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))
	assert.Equal(t, 16, cfg.MaxConcurrentTasks)
	assert.Equal(t, "http://erigon:8545", cfg.RPC.Endpoint)
	assert.Equal(t, 500*time.Millisecond, cfg.Sink.FlushInterval)
	assert.Equal(t, time.Second, cfg.Sink.RetryDelay)
	assert.Equal(t, "gaps", cfg.Mode)
	assert.False(t, cfg.Extract.Slot0)
	assert.Empty(t, cfg.Postgres.DSN)
}

func TestLoadFromEnv_Malformed(t *testing.T) {
	t.Setenv("UNIV3_MAX_CONCURRENT_TASKS", "many")

	cfg := DefaultConfig()
	err := LoadFromEnv(cfg)
	assert.ErrorContains(t, err, "UNIV3_MAX_CONCURRENT_TASKS")
	assert.Equal(t, 0, cfg.MaxConcurrentTasks)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("UNIV3_CLICKHOUSE_DSN=clickhouse://ch:9000/univ3\n"), 0o600))
	t.Setenv("UNIV3_CLICKHOUSE_DSN", "")
	require.NoError(t, os.Unsetenv("UNIV3_CLICKHOUSE_DSN"))

	require.NoError(t, LoadDotEnv(path))
	t.Cleanup(func() { os.Unsetenv("UNIV3_CLICKHOUSE_DSN") })

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))
	assert.Equal(t, "clickhouse://ch:9000/univ3", cfg.ClickHouse.DSN)

	assert.Error(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
