package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"univ3-pool-states/internal/config"
	"univ3-pool-states/internal/storage/memory"
)

func parse(t *testing.T, args ...string) (*options, map[string]bool) {
	t.Helper()
	o, set, err := parseFlags(flag.NewFlagSet("poolstates", flag.ContinueOnError), args)
	require.NoError(t, err)
	return o, set
}

func TestLoadConfig_RequiresConcurrency(t *testing.T) {
	o, set := parse(t, "--start-block", "1")
	_, err := loadConfig(o, set)
	assert.ErrorContains(t, err, "max_concurrent_tasks")
}

func TestLoadConfig_FlagsOverrideFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_tasks: 2\nrpc:\n  endpoint: http://file:8545\n"), 0o600))
	t.Setenv("UNIV3_RPC_ENDPOINT", "http://env:8545")
	t.Setenv("UNIV3_MAX_CONCURRENT_TASKS", "3")

	o, set := parse(t, "--config", path, "-m", "6", "--ticks=false", "-v", "2")
	cfg, err := loadConfig(o, set)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.MaxConcurrentTasks)
	assert.Equal(t, "http://env:8545", cfg.RPC.Endpoint)
	assert.False(t, cfg.Extract.Ticks)
	assert.True(t, cfg.Extract.Slot0)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_UnsetFlagsKeepConfig(t *testing.T) {
	t.Setenv("UNIV3_MAX_CONCURRENT_TASKS", "5")
	t.Setenv("UNIV3_EXTRACT_SLOT0", "false")

	o, set := parse(t)
	cfg, err := loadConfig(o, set)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxConcurrentTasks)
	assert.False(t, cfg.Extract.Slot0, "flag default must not override env")
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLevelForVerbosity(t *testing.T) {
	assert.Equal(t, logrus.WarnLevel, levelForVerbosity(0))
	assert.Equal(t, logrus.InfoLevel, levelForVerbosity(1))
	assert.Equal(t, logrus.DebugLevel, levelForVerbosity(2))
	assert.Equal(t, logrus.TraceLevel, levelForVerbosity(3))
	assert.Equal(t, logrus.TraceLevel, levelForVerbosity(9))
}

func TestLoadConfig_GapsModeNeedsPostgres(t *testing.T) {
	t.Setenv("UNIV3_POSTGRES_DSN", "")

	o, set := parse(t, "--mode", "gaps", "-m", "2")
	_, err := loadConfig(o, set)
	assert.ErrorContains(t, err, "postgres.dsn")

	o, set = parse(t, "--mode", "gaps", "-m", "2", "--postgres-dsn", "postgres://ledger@localhost/univ3")
	cfg, err := loadConfig(o, set)
	require.NoError(t, err)
	assert.Equal(t, "gaps", cfg.Mode)
}

func TestSinkOptions_FromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Sink
	cfg.RetryDelay = 750 * time.Millisecond
	cfg.FlushAttempts = 5

	opts := sinkOptions(cfg, memory.NewPoolStateStore(), nil, logrus.New())
	assert.Equal(t, 750*time.Millisecond, opts.RetryDelay)
	assert.Equal(t, 5, opts.FlushAttempts)
	assert.Equal(t, cfg.BatchSize, opts.BatchSize)
	assert.Equal(t, cfg.FlushInterval, opts.FlushInterval)
}

type watcherHarness struct {
	signals  chan os.Signal
	exits    chan int
	ctx      context.Context
	done     chan struct{}
	finished chan struct{}
}

func startWatcher(t *testing.T, grace time.Duration) *watcherHarness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &watcherHarness{
		signals:  make(chan os.Signal, 2),
		exits:    make(chan int, 1),
		ctx:      ctx,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	w := &shutdownWatcher{
		signals: h.signals,
		cancel:  cancel,
		grace:   grace,
		exit:    func(code int) { h.exits <- code },
		logger:  logger,
	}
	go func() {
		defer close(h.finished)
		w.watch(h.done)
	}()
	return h
}

func TestShutdownWatcher_FirstSignalDrainsWithoutExit(t *testing.T) {
	h := startWatcher(t, 0)

	h.signals <- syscall.SIGINT
	select {
	case <-h.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("first signal did not cancel the run")
	}

	select {
	case code := <-h.exits:
		t.Fatalf("exit(%d) called while jobs may still be draining", code)
	case <-time.After(100 * time.Millisecond):
	}

	close(h.done)
	select {
	case <-h.finished:
	case <-time.After(time.Second):
		t.Fatal("watcher did not return after the run finished")
	}
	assert.Empty(t, h.exits)
}

func TestShutdownWatcher_SecondSignalForcesExit(t *testing.T) {
	h := startWatcher(t, 0)

	h.signals <- syscall.SIGINT
	h.signals <- syscall.SIGTERM

	select {
	case code := <-h.exits:
		assert.Equal(t, exitError, code)
	case <-time.After(time.Second):
		t.Fatal("second signal did not force exit")
	}
}

func TestShutdownWatcher_GracePeriodForcesExit(t *testing.T) {
	h := startWatcher(t, 20*time.Millisecond)

	h.signals <- syscall.SIGTERM
	select {
	case code := <-h.exits:
		assert.Equal(t, exitError, code)
	case <-time.After(time.Second):
		t.Fatal("grace period did not force exit")
	}
}

func TestShutdownWatcher_NoSignal(t *testing.T) {
	h := startWatcher(t, 0)
	close(h.done)

	select {
	case <-h.finished:
	case <-time.After(time.Second):
		t.Fatal("watcher did not return")
	}
	assert.NoError(t, h.ctx.Err())
}
