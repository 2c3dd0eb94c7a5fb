// Package pipeline runs the end-to-end extraction: locate activity in a block
// range, replay and extract pool state for each job under the scheduler, and
// commit the rows through the batch sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"univ3-pool-states/internal/domain"
	"univ3-pool-states/internal/errs"
	"univ3-pool-states/internal/extractor"
	"univ3-pool-states/internal/locator"
	"univ3-pool-states/internal/observability"
	"univ3-pool-states/internal/scheduler"
	"univ3-pool-states/internal/sink"
	"univ3-pool-states/internal/storage"
	"univ3-pool-states/internal/storage/memory"
)

// Run modes recorded in the run ledger.
const (
	ModeRange = "range"
	ModeGaps  = "gaps"
)

// Registry resolves pool metadata by address.
type Registry interface {
	Lookup(addr common.Address) (domain.PoolMetadata, bool)
}

// Options contains configuration for creating a Pipeline.
type Options struct {
	Locator   *locator.Locator
	Registry  Registry
	Extractor *extractor.Extractor
	Sink      *sink.BatchSink
	Scheduler *scheduler.Scheduler

	// Runs and Gaps default to in-memory stores.
	Runs storage.RunStore
	Gaps storage.GapStore

	Metrics *observability.Metrics
	Logger  logrus.FieldLogger
}

// Pipeline orchestrates one or more extraction runs. Runs must not overlap.
type Pipeline struct {
	locator   *locator.Locator
	registry  Registry
	extractor *extractor.Extractor
	sink      *sink.BatchSink
	scheduler *scheduler.Scheduler
	runs      storage.RunStore
	gaps      storage.GapStore
	metrics   *observability.Metrics
	logger    logrus.FieldLogger
	clock     func() time.Time
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Locator == nil:
		return nil, errors.New("pipeline: locator is required")
	case opts.Registry == nil:
		return nil, errors.New("pipeline: registry is required")
	case opts.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case opts.Sink == nil:
		return nil, errors.New("pipeline: sink is required")
	case opts.Scheduler == nil:
		return nil, errors.New("pipeline: scheduler is required")
	}

	p := &Pipeline{
		locator:   opts.Locator,
		registry:  opts.Registry,
		extractor: opts.Extractor,
		sink:      opts.Sink,
		scheduler: opts.Scheduler,
		runs:      opts.Runs,
		gaps:      opts.Gaps,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		clock:     func() time.Time { return time.Now().UTC() },
	}
	if p.runs == nil {
		p.runs = memory.NewRunStore()
	}
	if p.gaps == nil {
		p.gaps = memory.NewGapStore()
	}
	if p.metrics == nil {
		p.metrics = observability.NewNop()
	}
	if p.logger == nil {
		p.logger = logrus.StandardLogger()
	}
	p.logger = p.logger.WithField("component", "pipeline")

	return p, nil
}

// WithClock sets a custom clock function for deterministic run records.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// Summary reports the outcome of one run.
type Summary struct {
	RunID     string
	Mode      string
	FromBlock uint64
	ToBlock   uint64

	JobsLocated      int
	Admitted         int
	Succeeded        int
	Failed           int
	Retries          int
	FailedByCategory map[errs.Category]int
	Failures         []scheduler.Failure

	SkippedBlocks []locator.SkippedBlock
	ResolvedGaps  []uint64 // gaps mode only

	RowsSlot0 int
	RowsTicks int

	// Interrupted is set when cancellation stopped the run before the range was exhausted.
	Interrupted bool
	Duration    time.Duration
}

// OK reports whether every located job succeeded and no block was skipped.
func (s *Summary) OK() bool {
	return s.Failed == 0 && len(s.SkippedBlocks) == 0 && !s.Interrupted
}

// Status returns the ledger status for the summary.
func (s *Summary) Status() storage.RunStatus {
	if s.OK() {
		return storage.RunStatusCompleted
	}
	return storage.RunStatusFailed
}

// Run extracts pool state for every tracked-pool transaction in [from, to].
// Blocks whose receipts cannot be fetched are recorded as gaps. Cancelling ctx
// stops scanning and admission; admitted jobs still finish and are flushed.
func (p *Pipeline) Run(ctx context.Context, from, to uint64) (*Summary, error) {
	if from > to {
		return nil, fmt.Errorf("pipeline: from block %d is after to block %d", from, to)
	}
	return p.execute(ctx, ModeRange, from, to, nil, func(ctx context.Context, st *runState, out chan<- domain.ExtractionJob) scanResult {
		return p.scan(ctx, st, out, from, to)
	})
}

// RunGaps re-processes up to limit recorded gaps (0 = all). A gap is resolved
// once its block was scanned and every job located in it succeeded.
func (p *Pipeline) RunGaps(ctx context.Context, limit int) (*Summary, error) {
	gaps, err := p.gaps.ListGaps(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list gaps: %w", err)
	}
	if len(gaps) == 0 {
		p.logger.Info("no gaps to process")
		return &Summary{Mode: ModeGaps, FailedByCategory: make(map[errs.Category]int)}, nil
	}

	blocks := make([]uint64, len(gaps))
	for i, g := range gaps {
		blocks[i] = g.BlockNumber
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	return p.execute(ctx, ModeGaps, blocks[0], blocks[len(blocks)-1], blocks, func(ctx context.Context, st *runState, out chan<- domain.ExtractionJob) scanResult {
		var res scanResult
		for _, b := range blocks {
			r := p.scan(ctx, st, out, b, b)
			res.skipped = append(res.skipped, r.skipped...)
			if r.err != nil {
				res.err = r.err
				break
			}
			st.markScanned(b)
		}
		return res
	})
}

// producer feeds located jobs into out and reports what it could not scan.
type producer func(ctx context.Context, st *runState, out chan<- domain.ExtractionJob) scanResult

// execute runs one ledger-recorded pass. gapBlocks is non-nil in gaps mode.
func (p *Pipeline) execute(ctx context.Context, mode string, from, to uint64, gapBlocks []uint64, produce producer) (*Summary, error) {
	start := time.Now()
	run := &storage.Run{
		ID:        uuid.NewString(),
		FromBlock: from,
		ToBlock:   to,
		Mode:      mode,
		StartedAt: p.clock(),
		Status:    storage.RunStatusRunning,
	}
	if err := p.runs.StartRun(ctx, run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	logger := p.logger.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"mode":       mode,
		"from_block": from,
		"to_block":   to,
	})
	logger.Info("run started")

	st := newRunState()

	// The sink outlives ctx so admitted jobs can still commit during shutdown.
	sinkCtx, stopSink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSink()

	var g errgroup.Group
	g.Go(func() error {
		return p.sink.Run(sinkCtx)
	})

	jobs := make(chan domain.ExtractionJob)
	var scan scanResult
	g.Go(func() error {
		defer close(jobs)
		scan = produce(ctx, st, jobs)
		return nil
	})

	sched := p.scheduler.Run(ctx, jobs, p.process(st))

	// Every admitted job has committed; stop the sink and the producer.
	stopSink()
	sinkErr := g.Wait()

	summary := &Summary{
		RunID:            run.ID,
		Mode:             mode,
		FromBlock:        from,
		ToBlock:          to,
		JobsLocated:      st.located(),
		Admitted:         sched.Admitted,
		Succeeded:        sched.Succeeded,
		Failed:           sched.Failed,
		Retries:          sched.Retries,
		FailedByCategory: sched.FailedByCategory,
		Failures:         sched.Failures,
		SkippedBlocks:    scan.skipped,
		Interrupted:      scan.err != nil || sched.Admitted < st.located(),
	}
	summary.RowsSlot0, summary.RowsTicks = st.rows()

	var runErr error
	if sinkErr != nil {
		runErr = fmt.Errorf("sink: %w", sinkErr)
	}

	if err := p.recordGaps(ctx, run.ID, scan.skipped); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if gapBlocks != nil {
		resolved, err := p.resolveGaps(ctx, st, gapBlocks, scan.skipped)
		summary.ResolvedGaps = resolved
		if err != nil {
			runErr = errors.Join(runErr, err)
		}
	}

	summary.Duration = time.Since(start)

	run.FinishedAt = p.clock()
	run.Status = summary.Status()
	if runErr != nil {
		run.Status = storage.RunStatusFailed
	}
	run.JobsLocated = summary.JobsLocated
	run.Succeeded = summary.Succeeded
	run.Failed = summary.Failed
	run.SkippedBlocks = len(summary.SkippedBlocks)
	if err := p.runs.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("finish run: %w", err))
	}
	p.metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()

	logger.WithFields(logrus.Fields{
		"status":         run.Status,
		"jobs_located":   summary.JobsLocated,
		"succeeded":      summary.Succeeded,
		"failed":         summary.Failed,
		"retries":        summary.Retries,
		"skipped_blocks": len(summary.SkippedBlocks),
		"rows_slot0":     summary.RowsSlot0,
		"rows_ticks":     summary.RowsTicks,
		"interrupted":    summary.Interrupted,
		"duration":       summary.Duration,
	}).Info("run finished")

	return summary, runErr
}

type scanResult struct {
	skipped []locator.SkippedBlock
	err     error
}

// scan feeds jobs for [from, to] into out until the range is exhausted or ctx is cancelled.
func (p *Pipeline) scan(ctx context.Context, st *runState, out chan<- domain.ExtractionJob, from, to uint64) scanResult {
	it := p.locator.FindActivity(from, to)
	for it.Next(ctx) {
		job := it.Job()
		select {
		case out <- job:
			st.markLocated(job.BlockNumber)
		case <-ctx.Done():
			return scanResult{skipped: it.Skipped(), err: ctx.Err()}
		}
	}
	return scanResult{skipped: it.Skipped(), err: it.Err()}
}

// process is the scheduler task for one job.
func (p *Pipeline) process(st *runState) scheduler.Task {
	return func(ctx context.Context, job domain.ExtractionJob) error {
		meta, ok := p.registry.Lookup(job.PoolAddress)
		if !ok {
			return errs.Configuration(errs.CodeUnknownPool, "pool not in registry").
				WithDetails(map[string]interface{}{"pool_address": domain.HexAddress(job.PoolAddress)})
		}

		state, err := p.extractor.Extract(ctx, job, &meta)
		if err != nil {
			return err
		}
		if err := p.sink.Commit(ctx, state); err != nil {
			return err
		}

		slot0s := 0
		if state.Slot0 != nil {
			slot0s = 1
		}
		st.markSucceeded(job.BlockNumber, slot0s, len(state.Ticks))
		return nil
	}
}

func (p *Pipeline) recordGaps(ctx context.Context, runID string, skipped []locator.SkippedBlock) error {
	if len(skipped) == 0 {
		return nil
	}
	now := p.clock()
	gaps := make([]storage.Gap, len(skipped))
	for i, s := range skipped {
		gaps[i] = storage.Gap{
			BlockNumber: s.BlockNumber,
			Reason:      s.Err.Error(),
			RunID:       runID,
			CreatedAt:   now,
		}
	}
	if err := p.gaps.AddGaps(context.WithoutCancel(ctx), gaps); err != nil {
		return fmt.Errorf("record gaps: %w", err)
	}
	p.logger.WithFields(logrus.Fields{"run_id": runID, "gaps": len(gaps)}).Warn("blocks skipped")
	return nil
}

func (p *Pipeline) resolveGaps(ctx context.Context, st *runState, blocks []uint64, skipped []locator.SkippedBlock) ([]uint64, error) {
	stillMissing := make(map[uint64]bool, len(skipped))
	for _, s := range skipped {
		stillMissing[s.BlockNumber] = true
	}

	var resolved []uint64
	for _, b := range blocks {
		if stillMissing[b] || !st.complete(b) {
			continue
		}
		if err := p.gaps.ResolveGap(context.WithoutCancel(ctx), b); err != nil {
			return resolved, fmt.Errorf("resolve gap %d: %w", b, err)
		}
		resolved = append(resolved, b)
	}
	return resolved, nil
}

// runState tracks per-block progress and row counts for one run.
type runState struct {
	mu        sync.Mutex
	jobs      map[uint64]int // located jobs per block
	succeeded map[uint64]int
	scanned   map[uint64]bool
	total     int
	slot0s    int
	ticks     int
}

func newRunState() *runState {
	return &runState{
		jobs:      make(map[uint64]int),
		succeeded: make(map[uint64]int),
		scanned:   make(map[uint64]bool),
	}
}

func (s *runState) markLocated(block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[block]++
	s.total++
}

func (s *runState) markScanned(block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanned[block] = true
}

func (s *runState) markSucceeded(block uint64, slot0s, ticks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded[block]++
	s.slot0s += slot0s
	s.ticks += ticks
}

// complete reports whether block was fully scanned and all its jobs succeeded.
func (s *runState) complete(block uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanned[block] && s.succeeded[block] == s.jobs[block]
}

func (s *runState) located() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *runState) rows() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot0s, s.ticks
}
