// Command poolstates extracts the post-transaction state of tracked Uniswap V3
// pools over a block range and writes it to ClickHouse.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"univ3-pool-states/internal/config"
	"univ3-pool-states/internal/observability"
	"univ3-pool-states/internal/pipeline"
)

// Exit codes.
const (
	exitOK         = 0
	exitIncomplete = 1 // jobs failed, blocks skipped or run interrupted
	exitError      = 2 // configuration or infrastructure error
)

// options are the command-line flags. Zero values mean "not set" unless
// the flag was explicitly given.
type options struct {
	mode        string
	startBlock  int64
	endBlock    int64
	gapLimit    int
	configPath  string
	envFile     string
	maxTasks    int
	rpcEndpoint string
	chDSN       string
	pgDSN       string
	metricsAddr string
	slot0       bool
	ticks       bool
	migrate     bool
	verbosity   int
	logFormat   string
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, map[string]bool, error) {
	o := &options{}
	fs.StringVar(&o.mode, "mode", "range", "Run mode: range or gaps")
	fs.Int64Var(&o.startBlock, "start-block", -1, "First block of the range (inclusive)")
	fs.Int64Var(&o.endBlock, "end-block", -1, "Last block of the range (inclusive, default: chain head)")
	fs.IntVar(&o.gapLimit, "gap-limit", 0, "Maximum recorded gaps to process in gaps mode (0 = all)")
	fs.StringVar(&o.configPath, "config", "", "Path to YAML or JSON config file")
	fs.StringVar(&o.envFile, "env-file", "", "Path to .env file with UNIV3_* variables")
	fs.IntVar(&o.maxTasks, "max-concurrent-tasks", 0, "Maximum simultaneous replay jobs (required)")
	fs.IntVar(&o.maxTasks, "m", 0, "Shorthand for --max-concurrent-tasks")
	fs.StringVar(&o.rpcEndpoint, "rpc-endpoint", "", "Archive node JSON-RPC endpoint with debug tracing")
	fs.StringVar(&o.chDSN, "clickhouse-dsn", "", "ClickHouse connection string")
	fs.StringVar(&o.pgDSN, "postgres-dsn", "", "PostgreSQL connection string for the run ledger (default: in-memory)")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "Prometheus metrics HTTP address (empty to disable)")
	fs.BoolVar(&o.slot0, "slot0", true, "Extract pool_slot0 rows")
	fs.BoolVar(&o.ticks, "ticks", true, "Extract pool_tick_info rows")
	fs.BoolVar(&o.migrate, "migrate", false, "Apply embedded migrations before running")
	fs.IntVar(&o.verbosity, "verbosity", 1, "Log verbosity 0-3 (warn, info, debug, trace)")
	fs.IntVar(&o.verbosity, "v", 1, "Shorthand for --verbosity")
	fs.StringVar(&o.logFormat, "log-format", "", "Log format: text or json")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return o, set, nil
}

// loadConfig layers defaults, the config file, the environment and explicit flags.
func loadConfig(o *options, set map[string]bool) (*config.Config, error) {
	if o.envFile != "" {
		if err := config.LoadDotEnv(o.envFile); err != nil {
			return nil, err
		}
	}

	cfg := config.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(o.configPath); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if set["mode"] {
		cfg.Mode = o.mode
	}
	if set["max-concurrent-tasks"] || set["m"] {
		cfg.MaxConcurrentTasks = o.maxTasks
	}
	if set["rpc-endpoint"] {
		cfg.RPC.Endpoint = o.rpcEndpoint
	}
	if set["clickhouse-dsn"] {
		cfg.ClickHouse.DSN = o.chDSN
	}
	if set["postgres-dsn"] {
		cfg.Postgres.DSN = o.pgDSN
	}
	if set["metrics-addr"] {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if set["slot0"] {
		cfg.Extract.Slot0 = o.slot0
	}
	if set["ticks"] {
		cfg.Extract.Ticks = o.ticks
	}
	if set["migrate"] {
		cfg.ClickHouse.Migrate = o.migrate
	}
	if set["verbosity"] || set["v"] {
		cfg.Log.Level = levelForVerbosity(o.verbosity).String()
	}
	if set["log-format"] {
		cfg.Log.Format = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func levelForVerbosity(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.WarnLevel
	case v == 1:
		return logrus.InfoLevel
	case v == 2:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	opts, set, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		return exitError
	}

	cfg, err := loadConfig(opts, set)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitError
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitError
	}

	metrics := observability.NewMetrics("", nil)
	if cfg.Metrics.Addr != "" {
		srv := startMetricsServer(cfg.Metrics.Addr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)

	w := &shutdownWatcher{
		signals: sigCh,
		cancel:  cancel,
		grace:   cfg.ShutdownTimeout,
		exit:    os.Exit,
		logger:  logger,
	}
	go w.watch(done)

	app, err := build(ctx, cfg, metrics, logger)
	if err != nil {
		logger.WithError(err).Error("startup failed")
		return exitError
	}
	defer app.close()

	var summary *pipeline.Summary
	switch cfg.Mode {
	case pipeline.ModeRange:
		from, to, rerr := app.resolveRange(ctx, opts.startBlock, opts.endBlock)
		if rerr != nil {
			logger.WithError(rerr).Error("invalid block range")
			return exitError
		}
		summary, err = app.pipeline.Run(ctx, from, to)
	case pipeline.ModeGaps:
		summary, err = app.pipeline.RunGaps(ctx, opts.gapLimit)
	default:
		logger.Errorf("unknown mode: %s (must be range or gaps)", cfg.Mode)
		return exitError
	}

	if err != nil {
		logger.WithError(err).Error("run failed")
		if summary == nil || errors.Is(err, context.Canceled) {
			return exitError
		}
	}

	report(logger, summary)
	if err != nil {
		return exitError
	}
	if !summary.OK() {
		return exitIncomplete
	}
	return exitOK
}

// shutdownWatcher turns interrupts into cancellation. The first signal
// cancels the run context, which stops admission while in-flight replays
// drain and their rows are flushed. A second signal exits at once, as does
// an elapsed grace period when one is configured.
type shutdownWatcher struct {
	signals <-chan os.Signal
	cancel  context.CancelFunc
	grace   time.Duration // zero waits indefinitely
	exit    func(code int)
	logger  logrus.FieldLogger
}

// watch returns when done is closed or after exit has been called.
func (w *shutdownWatcher) watch(done <-chan struct{}) {
	select {
	case sig := <-w.signals:
		w.logger.WithField("signal", sig.String()).Warn("initiating graceful shutdown, waiting for in-flight jobs (signal again to force exit)")
		w.cancel()
	case <-done:
		return
	}

	var expired <-chan time.Time
	if w.grace > 0 {
		timer := time.NewTimer(w.grace)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case sig := <-w.signals:
		w.logger.WithField("signal", sig.String()).Error("received second signal, forcing immediate shutdown")
		w.exit(exitError)
	case <-expired:
		w.logger.Errorf("graceful shutdown exceeded shutdown_timeout %s, forcing exit", w.grace)
		w.exit(exitError)
	case <-done:
	}
}

func startMetricsServer(addr string, logger logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.WithField("addr", addr).Info("starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server error")
		}
	}()
	return srv
}

// report logs the run summary and every failed job with its identity.
func report(logger logrus.FieldLogger, s *pipeline.Summary) {
	for _, f := range s.Failures {
		logger.WithFields(logrus.Fields(f.Job.LogFields())).
			WithField("attempts", f.Attempts).
			WithError(f.Err).
			Warn("failed job")
	}
	for _, b := range s.SkippedBlocks {
		logger.WithField("block_number", b.BlockNumber).WithError(b.Err).Warn("skipped block")
	}

	fields := logrus.Fields{
		"run_id":         s.RunID,
		"mode":           s.Mode,
		"from_block":     s.FromBlock,
		"to_block":       s.ToBlock,
		"jobs_located":   s.JobsLocated,
		"succeeded":      s.Succeeded,
		"failed":         s.Failed,
		"retries":        s.Retries,
		"skipped_blocks": len(s.SkippedBlocks),
		"resolved_gaps":  len(s.ResolvedGaps),
		"rows_slot0":     s.RowsSlot0,
		"rows_ticks":     s.RowsTicks,
		"interrupted":    s.Interrupted,
		"duration":       s.Duration.Round(time.Millisecond).String(),
	}
	for category, n := range s.FailedByCategory {
		fields["failed_"+string(category)] = n
	}
	logger.WithFields(fields).Info("extraction summary")
}
