package storage

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"univ3-pool-states/internal/domain"
)

// PoolStateStore provides access to pool_slot0 and pool_tick_info storage.
// Rows are replaced on conflict of (block_number, pool_address, tx_hash[, tick]),
// so writing the same rows twice leaves the store unchanged.
type PoolStateStore interface {
	// WriteBatch upserts slot0 and tick rows. Either slice may be empty.
	WriteBatch(ctx context.Context, slot0s []*domain.PoolSlot0, ticks []*domain.PoolTickInfo) error

	// GetSlot0 retrieves the slot0 row after one transaction. Returns ErrNotFound if not exists.
	GetSlot0(ctx context.Context, blockNumber uint64, pool common.Address, txHash common.Hash) (*domain.PoolSlot0, error)

	// GetTicks retrieves the tick rows after one transaction, ordered by tick ASC.
	GetTicks(ctx context.Context, blockNumber uint64, pool common.Address, txHash common.Hash) ([]*domain.PoolTickInfo, error)

	// GetSlot0Range retrieves slot0 rows for a pool within [from, to] (inclusive),
	// ordered by block_number, tx_index ASC.
	GetSlot0Range(ctx context.Context, pool common.Address, from, to uint64) ([]*domain.PoolSlot0, error)

	// Counts returns the number of distinct slot0 and tick rows.
	Counts(ctx context.Context) (slot0s, ticks int, err error)
}

// RunStatus is the lifecycle state of an extraction run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one invocation of the pipeline over a block range.
type Run struct {
	ID            string
	FromBlock     uint64
	ToBlock       uint64
	Mode          string // "range" or "gaps"
	StartedAt     time.Time
	FinishedAt    time.Time // zero while running
	Status        RunStatus
	JobsLocated   int
	Succeeded     int
	Failed        int
	SkippedBlocks int
}

// RunStore provides persistence for the extraction_runs ledger.
type RunStore interface {
	// StartRun records a new run in RunStatusRunning.
	StartRun(ctx context.Context, run *Run) error

	// FinishRun stores the final counters and status of a run. Returns ErrNotFound if the run was never started.
	FinishRun(ctx context.Context, run *Run) error

	// LastRun returns the most recently started run. Returns ErrNotFound if no run exists.
	LastRun(ctx context.Context) (*Run, error)
}

// Gap is a block whose receipts could not be fetched during a run.
type Gap struct {
	BlockNumber uint64
	Reason      string
	RunID       string
	CreatedAt   time.Time
}

// GapStore provides persistence for known_gaps.
type GapStore interface {
	// AddGaps records skipped blocks. Re-adding a block replaces its reason and run.
	AddGaps(ctx context.Context, gaps []Gap) error

	// ListGaps returns unresolved gaps ordered by block_number ASC, at most limit (0 = all).
	ListGaps(ctx context.Context, limit int) ([]Gap, error)

	// ResolveGap removes a gap once its block has been processed. Returns ErrNotFound if unknown.
	ResolveGap(ctx context.Context, blockNumber uint64) error
}
