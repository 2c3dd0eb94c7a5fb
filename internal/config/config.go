// Package config provides configuration for the pool state extractor.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable read by LoadFromEnv.
const EnvPrefix = "UNIV3_"

// Config holds the extractor configuration.
type Config struct {
	// MaxConcurrentTasks is the ceiling on simultaneous replay jobs. No default.
	MaxConcurrentTasks int `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`

	// Mode is "range" (extract a block range) or "gaps" (re-process recorded gaps).
	Mode string `json:"mode" yaml:"mode"`

	// RegistryFile overrides the embedded pool list when set.
	RegistryFile string `json:"registry_file" yaml:"registry_file"`

	// ShutdownTimeout bounds the drain after the first interrupt. Zero waits
	// for in-flight replays however long they take; a second interrupt
	// always exits immediately.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	RPC        RPCConfig        `json:"rpc" yaml:"rpc"`
	ClickHouse ClickHouseConfig `json:"clickhouse" yaml:"clickhouse"`
	Postgres   PostgresConfig   `json:"postgres" yaml:"postgres"`
	Sink       SinkConfig       `json:"sink" yaml:"sink"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Extract    ExtractConfig    `json:"extract" yaml:"extract"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

// RPCConfig holds the archive node connection settings.
type RPCConfig struct {
	Endpoint     string        `json:"endpoint" yaml:"endpoint"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay   time.Duration `json:"retry_delay" yaml:"retry_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	CallTimeout  time.Duration `json:"call_timeout" yaml:"call_timeout"`
	TraceTimeout time.Duration `json:"trace_timeout" yaml:"trace_timeout"`
	MaxBatchSize int           `json:"max_batch_size" yaml:"max_batch_size"`

	// TraceCacheSize is the number of block traces kept for reuse across jobs.
	TraceCacheSize int `json:"trace_cache_size" yaml:"trace_cache_size"`
}

// ClickHouseConfig holds the pool state store settings.
type ClickHouseConfig struct {
	DSN     string `json:"dsn" yaml:"dsn"`
	Migrate bool   `json:"migrate" yaml:"migrate"`
}

// PostgresConfig holds the run ledger settings. An empty DSN keeps the ledger in memory.
type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// SinkConfig holds batch writer settings.
type SinkConfig struct {
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	FlushAttempts int           `json:"flush_attempts" yaml:"flush_attempts"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// SchedulerConfig holds job retry settings.
type SchedulerConfig struct {
	RetryAttempts int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay time.Duration `json:"retry_max_delay" yaml:"retry_max_delay"`
}

// ExtractConfig selects which record types are produced.
type ExtractConfig struct {
	Slot0 bool `json:"slot0" yaml:"slot0"`
	Ticks bool `json:"ticks" yaml:"ticks"`
}

// MetricsConfig holds the Prometheus endpoint settings. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text or json
}

// DefaultConfig returns the default configuration. MaxConcurrentTasks is left
// unset and must be provided.
func DefaultConfig() *Config {
	return &Config{
		Mode: "range",
		RPC: RPCConfig{
			Endpoint:       "http://localhost:8545",
			MaxRetries:     3,
			RetryDelay:     500 * time.Millisecond,
			MaxDelay:       10 * time.Second,
			CallTimeout:    30 * time.Second,
			TraceTimeout:   5 * time.Minute,
			MaxBatchSize:   500,
			TraceCacheSize: 64,
		},
		ClickHouse: ClickHouseConfig{
			DSN: "clickhouse://default:@localhost:9000/univ3",
		},
		Sink: SinkConfig{
			BatchSize:     5000,
			FlushInterval: 2 * time.Second,
			FlushAttempts: 3,
			RetryDelay:    200 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			RetryAttempts: 3,
			RetryDelay:    500 * time.Millisecond,
			MaxRetryDelay: 10 * time.Second,
		},
		Extract: ExtractConfig{
			Slot0: true,
			Ticks: true,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be at least 1, got %d", c.MaxConcurrentTasks)
	}
	switch c.Mode {
	case "range":
	case "gaps":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("mode gaps requires postgres.dsn: gaps kept in memory do not outlive the run that recorded them")
		}
	default:
		return fmt.Errorf("invalid mode: %s (must be range or gaps)", c.Mode)
	}
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("rpc.endpoint is required")
	}
	if c.ClickHouse.DSN == "" {
		return fmt.Errorf("clickhouse.dsn is required")
	}
	if !c.Extract.Slot0 && !c.Extract.Ticks {
		return fmt.Errorf("at least one of extract.slot0 and extract.ticks must be enabled")
	}
	if c.Sink.BatchSize < 1 {
		return fmt.Errorf("sink.batch_size must be at least 1, got %d", c.Sink.BatchSize)
	}
	if c.Sink.FlushInterval <= 0 {
		return fmt.Errorf("sink.flush_interval must be positive, got %s", c.Sink.FlushInterval)
	}
	if c.Sink.RetryDelay < 0 {
		return fmt.Errorf("sink.retry_delay must not be negative, got %s", c.Sink.RetryDelay)
	}
	if c.Scheduler.RetryAttempts < 0 {
		return fmt.Errorf("scheduler.retry_attempts must not be negative, got %d", c.Scheduler.RetryAttempts)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout)
	}
	if floor := c.MinShutdownTimeout(); c.ShutdownTimeout > 0 && c.ShutdownTimeout < floor {
		return fmt.Errorf("shutdown_timeout %s is shorter than one fully retried trace (%s); use 0 to wait without a limit",
			c.ShutdownTimeout, floor)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}
	return nil
}

// MinShutdownTimeout is the longest a single block trace may take with all
// RPC retries, excluding backoff pauses.
func (c *Config) MinShutdownTimeout() time.Duration {
	return c.RPC.TraceTimeout * time.Duration(c.RPC.MaxRetries+1)
}

// LoadFromFile loads configuration from a YAML or JSON file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		// JSON goes through the YAML decoder so durations read as "2s" in both formats.
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var doc interface{}
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		converted, err := yaml.Marshal(plainNumbers(doc))
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		if err := yaml.Unmarshal(converted, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// plainNumbers replaces json.Number values with int64 or float64 so they
// encode as YAML numbers.
func plainNumbers(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		for k, e := range v {
			v[k] = plainNumbers(e)
		}
	case []interface{}:
		for i, e := range v {
			v[i] = plainNumbers(e)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return v
}

// LoadDotEnv loads variables from an env file into the process environment.
// Variables already set take precedence.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overrides cfg from UNIV3_* environment variables. Malformed
// values are reported instead of ignored.
func LoadFromEnv(cfg *Config) error {
	e := envReader{}

	e.setInt("MAX_CONCURRENT_TASKS", &cfg.MaxConcurrentTasks)
	e.setString("MODE", &cfg.Mode)
	e.setString("REGISTRY_FILE", &cfg.RegistryFile)
	e.setDuration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	e.setString("RPC_ENDPOINT", &cfg.RPC.Endpoint)
	e.setInt("RPC_MAX_RETRIES", &cfg.RPC.MaxRetries)
	e.setDuration("RPC_RETRY_DELAY", &cfg.RPC.RetryDelay)
	e.setDuration("RPC_MAX_DELAY", &cfg.RPC.MaxDelay)
	e.setDuration("RPC_CALL_TIMEOUT", &cfg.RPC.CallTimeout)
	e.setDuration("RPC_TRACE_TIMEOUT", &cfg.RPC.TraceTimeout)
	e.setInt("RPC_MAX_BATCH_SIZE", &cfg.RPC.MaxBatchSize)
	e.setInt("RPC_TRACE_CACHE_SIZE", &cfg.RPC.TraceCacheSize)

	e.setString("CLICKHOUSE_DSN", &cfg.ClickHouse.DSN)
	e.setBool("CLICKHOUSE_MIGRATE", &cfg.ClickHouse.Migrate)
	e.setString("POSTGRES_DSN", &cfg.Postgres.DSN)

	e.setInt("SINK_BATCH_SIZE", &cfg.Sink.BatchSize)
	e.setDuration("SINK_FLUSH_INTERVAL", &cfg.Sink.FlushInterval)
	e.setInt("SINK_FLUSH_ATTEMPTS", &cfg.Sink.FlushAttempts)
	e.setDuration("SINK_RETRY_DELAY", &cfg.Sink.RetryDelay)

	e.setInt("SCHEDULER_RETRY_ATTEMPTS", &cfg.Scheduler.RetryAttempts)
	e.setDuration("SCHEDULER_RETRY_DELAY", &cfg.Scheduler.RetryDelay)
	e.setDuration("SCHEDULER_RETRY_MAX_DELAY", &cfg.Scheduler.MaxRetryDelay)

	e.setBool("EXTRACT_SLOT0", &cfg.Extract.Slot0)
	e.setBool("EXTRACT_TICKS", &cfg.Extract.Ticks)

	e.setString("METRICS_ADDR", &cfg.Metrics.Addr)
	e.setString("LOG_LEVEL", &cfg.Log.Level)
	e.setString("LOG_FORMAT", &cfg.Log.Format)

	return e.err
}

// envReader applies prefixed variables and keeps the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(name, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, v, err)
	}
}

func (e *envReader) setString(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) setInt(name string, dst *int) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = n
}

func (e *envReader) setBool(name string, dst *bool) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = b
}

func (e *envReader) setDuration(name string, dst *time.Duration) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = d
}
