// Package scheduler runs extraction jobs under a fixed concurrency ceiling.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"univ3-pool-states/internal/domain"
	"univ3-pool-states/internal/errs"
	"univ3-pool-states/internal/observability"
)

// Retry defaults.
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultMaxRetryDelay = 10 * time.Second
)

// Task processes one job. The context passed to a task is not cancelled on
// shutdown; in-flight jobs always run to a terminal state.
type Task func(ctx context.Context, job domain.ExtractionJob) error

// Options contains configuration for creating a Scheduler.
type Options struct {
	// MaxConcurrent is the ceiling on simultaneously running tasks. Required.
	MaxConcurrent int

	// RetryAttempts is the number of retries after the first attempt for
	// retryable errors. Zero uses DefaultRetryAttempts; negative disables retries.
	RetryAttempts int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	Metrics *observability.Metrics
	Logger  logrus.FieldLogger
}

// Scheduler admits jobs in stream order, at most MaxConcurrent at a time.
type Scheduler struct {
	maxConcurrent int
	retryAttempts int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	metrics       *observability.Metrics
	logger        logrus.FieldLogger
}

// New creates a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.MaxConcurrent < 1 {
		return nil, errors.New("scheduler: max concurrent tasks must be at least 1")
	}

	s := &Scheduler{
		maxConcurrent: opts.MaxConcurrent,
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
		maxRetryDelay: opts.MaxRetryDelay,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}
	if s.retryAttempts == 0 {
		s.retryAttempts = DefaultRetryAttempts
	} else if s.retryAttempts < 0 {
		s.retryAttempts = 0
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}
	if s.maxRetryDelay <= 0 {
		s.maxRetryDelay = DefaultMaxRetryDelay
	}
	if s.metrics == nil {
		s.metrics = observability.NewNop()
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	s.logger = s.logger.WithField("component", "scheduler")

	return s, nil
}

// Failure is a job that ended in error.
type Failure struct {
	Job      domain.ExtractionJob
	Err      error
	Attempts int
}

// Summary reports the terminal state of every admitted job.
// Succeeded + Failed always equals Admitted.
type Summary struct {
	Admitted         int
	Succeeded        int
	Failed           int
	Retries          int
	FailedByCategory map[errs.Category]int
	Failures         []Failure
}

// Run consumes jobs until the channel is closed or ctx is cancelled and
// returns once every admitted job has finished. A job is pulled from the
// channel only after a slot is free, so producers block instead of queueing.
// Cancelling ctx stops admission and retries but never interrupts a running task.
func (s *Scheduler) Run(ctx context.Context, jobs <-chan domain.ExtractionJob, task Task) *Summary {
	sem := semaphore.NewWeighted(int64(s.maxConcurrent))
	taskCtx := context.WithoutCancel(ctx)

	summary := &Summary{FailedByCategory: make(map[errs.Category]int)}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

admission:
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		var job domain.ExtractionJob
		var ok bool
		select {
		case <-ctx.Done():
			sem.Release(1)
			break admission
		case job, ok = <-jobs:
		}
		if !ok {
			sem.Release(1)
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			s.logger.WithFields(logrus.Fields(job.LogFields())).Warn("job not admitted: shutting down")
			break
		}

		summary.Admitted++
		s.metrics.JobsAdmitted.Inc()
		s.metrics.JobsInFlight.Inc()
		wg.Add(1)

		go func(job domain.ExtractionJob) {
			defer wg.Done()
			defer sem.Release(1)
			defer s.metrics.JobsInFlight.Dec()

			start := time.Now()
			attempts, err := s.runWithRetry(ctx, taskCtx, job, task)
			s.metrics.JobDuration.Observe(time.Since(start).Seconds())

			mu.Lock()
			defer mu.Unlock()
			summary.Retries += attempts - 1
			if err == nil {
				summary.Succeeded++
				s.metrics.JobsSucceeded.Inc()
				return
			}

			category := errs.CategoryOf(err)
			summary.Failed++
			summary.FailedByCategory[category]++
			summary.Failures = append(summary.Failures, Failure{Job: job, Err: err, Attempts: attempts})
			s.metrics.JobsFailed.WithLabelValues(string(category)).Inc()
			s.logger.WithFields(logrus.Fields(job.LogFields())).
				WithFields(logrus.Fields{"category": category, "attempts": attempts}).
				WithError(err).
				Error("job failed")
		}(job)
	}

	wg.Wait()
	return summary
}

// runWithRetry runs task until it succeeds, fails with a non-retryable
// error, or runs out of attempts. Backoff doubles up to maxRetryDelay.
// stop ends retrying early but does not cancel a running attempt.
func (s *Scheduler) runWithRetry(stop, taskCtx context.Context, job domain.ExtractionJob, task Task) (int, error) {
	delay := s.retryDelay
	for attempt := 1; ; attempt++ {
		err := task(taskCtx, job)
		if err == nil {
			return attempt, nil
		}
		if !errs.IsRetryable(err) || attempt > s.retryAttempts || stop.Err() != nil {
			return attempt, err
		}

		s.metrics.JobRetries.Inc()
		s.logger.WithFields(logrus.Fields(job.LogFields())).
			WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).
			WithError(err).
			Warn("retrying job")

		timer := time.NewTimer(delay)
		select {
		case <-stop.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}

		delay *= 2
		if delay > s.maxRetryDelay {
			delay = s.maxRetryDelay
		}
	}
}
