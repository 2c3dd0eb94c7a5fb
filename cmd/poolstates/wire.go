package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"univ3-pool-states/internal/config"
	"univ3-pool-states/internal/ethereum"
	"univ3-pool-states/internal/extractor"
	"univ3-pool-states/internal/locator"
	"univ3-pool-states/internal/observability"
	"univ3-pool-states/internal/pipeline"
	"univ3-pool-states/internal/registry"
	"univ3-pool-states/internal/replay"
	"univ3-pool-states/internal/scheduler"
	"univ3-pool-states/internal/sink"
	"univ3-pool-states/internal/storage"
	chstore "univ3-pool-states/internal/storage/clickhouse"
	"univ3-pool-states/internal/storage/memory"
	"univ3-pool-states/internal/storage/migrations"
	pgstore "univ3-pool-states/internal/storage/postgres"
)

// app holds the wired components and the connections to release on exit.
type app struct {
	pipeline *pipeline.Pipeline
	chain    *ethereum.Client
	closers  []func()
	logger   logrus.FieldLogger
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger logrus.FieldLogger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	chain, err := ethereum.Dial(ctx, cfg.RPC.Endpoint,
		ethereum.WithMaxRetries(cfg.RPC.MaxRetries),
		ethereum.WithRetryDelay(cfg.RPC.RetryDelay),
		ethereum.WithMaxDelay(cfg.RPC.MaxDelay),
		ethereum.WithCallTimeout(cfg.RPC.CallTimeout),
		ethereum.WithTraceTimeout(cfg.RPC.TraceTimeout),
		ethereum.WithMaxBatchSize(cfg.RPC.MaxBatchSize),
		ethereum.WithMetrics(metrics),
		ethereum.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	a.chain = chain
	a.closers = append(a.closers, chain.Close)

	var reg *registry.Registry
	if cfg.RegistryFile != "" {
		reg, err = registry.Load(ctx, cfg.RegistryFile, chain)
	} else {
		reg, err = registry.Default(ctx, chain)
	}
	if err != nil {
		return nil, fmt.Errorf("load pool registry: %w", err)
	}
	logger.WithField("pools", reg.Len()).Info("pool registry loaded")

	store, err := openPoolStateStore(ctx, cfg.ClickHouse, logger, a)
	if err != nil {
		return nil, err
	}
	runs, gaps, err := openLedger(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}

	replayer := replay.NewPrestateReplayer(replay.PrestateOptions{
		State:          chain,
		TraceCacheSize: cfg.RPC.TraceCacheSize,
		Metrics:        metrics,
		Logger:         logger,
	})

	ext, err := extractor.New(extractor.Options{
		Replayer:  replayer,
		SkipSlot0: !cfg.Extract.Slot0,
		SkipTicks: !cfg.Extract.Ticks,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	loc, err := locator.New(locator.Options{
		Receipts: chain,
		Pools:    reg,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	snk, err := sink.New(sinkOptions(cfg.Sink, store, metrics, logger))
	if err != nil {
		return nil, err
	}

	retryAttempts := cfg.Scheduler.RetryAttempts
	if retryAttempts == 0 {
		retryAttempts = -1 // zero in config means no retries
	}
	sched, err := scheduler.New(scheduler.Options{
		MaxConcurrent: cfg.MaxConcurrentTasks,
		RetryAttempts: retryAttempts,
		RetryDelay:    cfg.Scheduler.RetryDelay,
		MaxRetryDelay: cfg.Scheduler.MaxRetryDelay,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	a.pipeline, err = pipeline.New(pipeline.Options{
		Locator:   loc,
		Registry:  reg,
		Extractor: ext,
		Sink:      snk,
		Scheduler: sched,
		Runs:      runs,
		Gaps:      gaps,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"max_concurrent_tasks": cfg.MaxConcurrentTasks,
		"slot0":                cfg.Extract.Slot0,
		"ticks":                cfg.Extract.Ticks,
		"batch_size":           cfg.Sink.BatchSize,
		"ledger":               ledgerKind(cfg.Postgres.DSN),
	}).Info("pipeline ready")
	return a, nil
}

func sinkOptions(cfg config.SinkConfig, store storage.PoolStateStore, metrics *observability.Metrics, logger logrus.FieldLogger) sink.Options {
	return sink.Options{
		Store:         store,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		FlushAttempts: cfg.FlushAttempts,
		RetryDelay:    cfg.RetryDelay,
		Metrics:       metrics,
		Logger:        logger,
	}
}

func openPoolStateStore(ctx context.Context, cfg config.ClickHouseConfig, logger logrus.FieldLogger, a *app) (storage.PoolStateStore, error) {
	var (
		conn *chstore.Conn
		err  error
	)
	if cfg.Migrate {
		conn, err = migrations.RunClickhouseMigrations(ctx, cfg.DSN, logger)
	} else {
		conn, err = chstore.NewConn(ctx, cfg.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	a.closers = append(a.closers, func() { _ = conn.Close() })
	return chstore.NewPoolStateStore(conn), nil
}

// openLedger returns the run and gap stores: PostgreSQL when a DSN is
// configured, in-memory otherwise.
func openLedger(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, a *app) (storage.RunStore, storage.GapStore, error) {
	if cfg.Postgres.DSN == "" {
		logger.Warn("no postgres dsn: run ledger and gaps are kept in memory only")
		return memory.NewRunStore(), memory.NewGapStore(), nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	if cfg.ClickHouse.Migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool, logger); err != nil {
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return pgstore.NewRunStore(pool), pgstore.NewGapStore(pool), nil
}

func ledgerKind(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return "postgres"
}

// resolveRange validates the requested range; a negative end means the chain head.
func (a *app) resolveRange(ctx context.Context, start, end int64) (uint64, uint64, error) {
	if start < 0 {
		return 0, 0, fmt.Errorf("--start-block is required in range mode")
	}
	to := uint64(end)
	if end < 0 {
		head, err := a.chain.BlockNumber(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("fetch chain head: %w", err)
		}
		to = head
		a.logger.WithField("end_block", head).Info("using chain head as end block")
	}
	from := uint64(start)
	if from > to {
		return 0, 0, fmt.Errorf("start block %d is after end block %d", from, to)
	}
	return from, to, nil
}
