// Package sink batches extracted pool state and writes it to the pool state store.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"univ3-pool-states/internal/domain"
	"univ3-pool-states/internal/errs"
	"univ3-pool-states/internal/observability"
	"univ3-pool-states/internal/storage"
)

// Defaults.
const (
	DefaultBatchSize     = 5000
	DefaultFlushInterval = 2 * time.Second
	DefaultFlushAttempts = 3
	DefaultRetryDelay    = 200 * time.Millisecond
)

// ErrClosed is returned by Commit after Close.
var ErrClosed = errors.New("sink closed")

// Options contains configuration for creating a BatchSink.
type Options struct {
	Store         storage.PoolStateStore
	BatchSize     int           // rows per flush
	FlushInterval time.Duration // upper bound on how long rows wait
	FlushAttempts int           // write attempts per flush
	RetryDelay    time.Duration // pause between write attempts
	Metrics       *observability.Metrics
	Logger        logrus.FieldLogger
}

type batch struct {
	slot0s []*domain.PoolSlot0
	ticks  []*domain.PoolTickInfo
	jobs   int
	done   chan struct{}
	err    error
}

func newBatch() *batch {
	return &batch{done: make(chan struct{})}
}

func (b *batch) rows() int {
	return len(b.slot0s) + len(b.ticks)
}

// BatchSink accumulates rows from many jobs and flushes them when the batch
// reaches BatchSize rows or FlushInterval elapses. Commit returns only after
// the batch holding its rows has been written.
type BatchSink struct {
	store         storage.PoolStateStore
	batchSize     int
	flushInterval time.Duration
	flushAttempts int
	retryDelay    time.Duration
	metrics       *observability.Metrics
	logger        logrus.FieldLogger

	mu      sync.Mutex
	current *batch
	closed  bool

	flushMu sync.Mutex // one write at a time
}

// New creates a BatchSink. Run must be started for interval flushes.
func New(opts Options) (*BatchSink, error) {
	if opts.Store == nil {
		return nil, errors.New("sink: store is required")
	}

	s := &BatchSink{
		store:         opts.Store,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		flushAttempts: opts.FlushAttempts,
		retryDelay:    opts.RetryDelay,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		current:       newBatch(),
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.flushInterval <= 0 {
		s.flushInterval = DefaultFlushInterval
	}
	if s.flushAttempts <= 0 {
		s.flushAttempts = DefaultFlushAttempts
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}
	if s.metrics == nil {
		s.metrics = observability.NewNop()
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	s.logger = s.logger.WithField("component", "sink")

	return s, nil
}

// Commit adds state's rows to the open batch and waits until that batch is
// flushed. The returned error is the batch's write error, shared by every
// job in the batch. A state with no rows is acknowledged immediately.
func (s *BatchSink) Commit(ctx context.Context, state *domain.PoolState) error {
	if state.Rows() == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	b := s.current
	if state.Slot0 != nil {
		b.slot0s = append(b.slot0s, state.Slot0)
	}
	b.ticks = append(b.ticks, state.Ticks...)
	b.jobs++

	var full *batch
	if b.rows() >= s.batchSize {
		full = b
		s.current = newBatch()
	}
	s.metrics.PendingRows.Set(float64(s.current.rows()))
	s.mu.Unlock()

	if full != nil {
		s.flush(ctx, full, "size")
	}

	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return errs.Transient(errs.CodeStoreWrite, "commit abandoned before flush", ctx.Err())
	}
}

// Run flushes the open batch every FlushInterval until ctx is cancelled,
// then flushes whatever remains.
func (s *BatchSink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return s.Flush(writeCtx)
		case <-ticker.C:
			_ = s.flushOpen(writeCtx, "interval")
		}
	}
}

// Flush writes the open batch now.
func (s *BatchSink) Flush(ctx context.Context) error {
	return s.flushOpen(ctx, "explicit")
}

// Close rejects further commits and flushes the open batch.
func (s *BatchSink) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.flushOpen(ctx, "close")
}

func (s *BatchSink) flushOpen(ctx context.Context, reason string) error {
	s.mu.Lock()
	b := s.current
	if b.rows() == 0 {
		s.mu.Unlock()
		return nil
	}
	s.current = newBatch()
	s.metrics.PendingRows.Set(0)
	s.mu.Unlock()

	s.flush(ctx, b, reason)
	return b.err
}

// flush writes b with retries and releases every Commit waiting on it.
func (s *BatchSink) flush(ctx context.Context, b *batch, reason string) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	defer close(b.done)

	logger := s.logger.WithFields(logrus.Fields{
		"reason": reason,
		"jobs":   b.jobs,
		"slot0":  len(b.slot0s),
		"ticks":  len(b.ticks),
	})

	start := time.Now()
	var err error
	for attempt := 1; attempt <= s.flushAttempts; attempt++ {
		err = s.store.WriteBatch(ctx, b.slot0s, b.ticks)
		if err == nil {
			break
		}
		s.metrics.FlushErrors.Inc()
		logger.WithField("attempt", attempt).WithError(err).Warn("flush failed")

		if attempt < s.flushAttempts {
			timer := time.NewTimer(s.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				attempt = s.flushAttempts
			case <-timer.C:
			}
		}
	}
	s.metrics.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		b.err = errs.Transient(errs.CodeStoreWrite, fmt.Sprintf("flush of %d rows from %d jobs", b.rows(), b.jobs), err)
		logger.WithError(err).Error("batch not written")
		return
	}

	s.metrics.RowsWritten.WithLabelValues("pool_slot0").Add(float64(len(b.slot0s)))
	s.metrics.RowsWritten.WithLabelValues("pool_tick_info").Add(float64(len(b.ticks)))
	logger.WithField("duration", time.Since(start)).Debug("flushed batch")
}
