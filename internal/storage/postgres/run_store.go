package postgres

import (
	"context"
	"time"

	"univ3-pool-states/internal/storage"
)

// RunStore is a PostgreSQL implementation of storage.RunStore backed by extraction_runs.
type RunStore struct {
	pool *Pool
}

// NewRunStore creates a new PostgreSQL run store.
func NewRunStore(pool *Pool) *RunStore {
	return &RunStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RunStore = (*RunStore)(nil)

// StartRun records a new run. Restarting an existing id resets it to running.
func (s *RunStore) StartRun(ctx context.Context, run *storage.Run) error {
	if run == nil || run.ID == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO extraction_runs (id, from_block, to_block, mode, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET from_block = EXCLUDED.from_block,
		    to_block = EXCLUDED.to_block,
		    mode = EXCLUDED.mode,
		    status = EXCLUDED.status,
		    started_at = EXCLUDED.started_at,
		    finished_at = NULL
	`, run.ID, run.FromBlock, run.ToBlock, run.Mode, string(storage.RunStatusRunning), run.StartedAt)

	return err
}

// FinishRun stores the final counters and status of a run.
func (s *RunStore) FinishRun(ctx context.Context, run *storage.Run) error {
	if run == nil || run.ID == "" {
		return storage.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_runs
		SET status = $2,
		    finished_at = $3,
		    jobs_located = $4,
		    succeeded = $5,
		    failed = $6,
		    skipped_blocks = $7
		WHERE id = $1
	`, run.ID, string(run.Status), run.FinishedAt,
		run.JobsLocated, run.Succeeded, run.Failed, run.SkippedBlocks)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// LastRun returns the most recently started run.
func (s *RunStore) LastRun(ctx context.Context) (*storage.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, from_block, to_block, mode, status, started_at, finished_at,
		       jobs_located, succeeded, failed, skipped_blocks
		FROM extraction_runs
		ORDER BY started_at DESC
		LIMIT 1
	`)

	var run storage.Run
	var status string
	var finishedAt *time.Time
	err := row.Scan(
		&run.ID, &run.FromBlock, &run.ToBlock, &run.Mode, &status, &run.StartedAt, &finishedAt,
		&run.JobsLocated, &run.Succeeded, &run.Failed, &run.SkippedBlocks,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	run.Status = storage.RunStatus(status)
	if finishedAt != nil {
		run.FinishedAt = *finishedAt
	}
	return &run, nil
}
