// Package locator finds the transactions in a block range that touched a
// tracked pool.
package locator

import (
	"context"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"univ3-pool-states/internal/domain"
	"univ3-pool-states/internal/ethereum"
	"univ3-pool-states/internal/observability"
)

// PoolSet reports whether an address is a tracked pool.
type PoolSet interface {
	Contains(addr common.Address) bool
}

// Options contains configuration for creating a Locator.
type Options struct {
	Receipts ethereum.ReceiptSource
	Pools    PoolSet
	Metrics  *observability.Metrics
	Logger   logrus.FieldLogger
}

// Locator scans block receipts for logs emitted by tracked pools.
type Locator struct {
	receipts ethereum.ReceiptSource
	pools    PoolSet
	metrics  *observability.Metrics
	logger   logrus.FieldLogger
}

// New creates a Locator.
func New(opts Options) (*Locator, error) {
	if opts.Receipts == nil {
		return nil, errors.New("locator: receipt source is required")
	}
	if opts.Pools == nil {
		return nil, errors.New("locator: pool set is required")
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewNop()
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Locator{
		receipts: opts.Receipts,
		pools:    opts.Pools,
		metrics:  metrics,
		logger:   logger.WithField("component", "locator"),
	}, nil
}

// SkippedBlock is a block whose receipts could not be fetched.
type SkippedBlock struct {
	BlockNumber uint64
	Err         error
}

// FindActivity returns a lazy iterator over the jobs in [from, to].
// Blocks are fetched one at a time as the iterator advances.
func (l *Locator) FindActivity(from, to uint64) *Iterator {
	return &Iterator{
		locator: l,
		next:    from,
		to:      to,
		done:    from > to,
	}
}

// Iterator yields extraction jobs ordered by block number, then tx index.
// It is not safe for concurrent use.
type Iterator struct {
	locator *Locator
	next    uint64 // next block to fetch
	to      uint64
	done    bool

	pending []domain.ExtractionJob
	current domain.ExtractionJob
	skipped []SkippedBlock
	err     error
}

// Next advances to the next job. It returns false when the range is
// exhausted or ctx is cancelled; check Err afterwards.
func (it *Iterator) Next(ctx context.Context) bool {
	for len(it.pending) == 0 {
		if it.done || it.err != nil {
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}

		block := it.next
		if block == it.to {
			it.done = true
		} else {
			it.next++
		}
		it.pending = it.locator.scanBlock(ctx, block, it)
	}

	it.current = it.pending[0]
	it.pending = it.pending[1:]
	return true
}

// Job returns the current job.
func (it *Iterator) Job() domain.ExtractionJob {
	return it.current
}

// Err returns the error that stopped iteration early, if any.
// Skipped blocks are not errors; see Skipped.
func (it *Iterator) Err() error {
	return it.err
}

// Skipped returns the blocks skipped so far, ascending.
func (it *Iterator) Skipped() []SkippedBlock {
	out := make([]SkippedBlock, len(it.skipped))
	copy(out, it.skipped)
	return out
}

// scanBlock returns the jobs of one block. A fetch failure records the block
// as skipped and yields no jobs.
func (l *Locator) scanBlock(ctx context.Context, block uint64, it *Iterator) []domain.ExtractionJob {
	receipts, err := l.receipts.BlockReceipts(ctx, block)
	if err != nil {
		if ctx.Err() != nil {
			it.err = ctx.Err()
			return nil
		}
		it.skipped = append(it.skipped, SkippedBlock{BlockNumber: block, Err: err})
		l.metrics.BlocksSkipped.Inc()
		l.logger.WithFields(logrus.Fields{
			"block_number": block,
			"not_found":    errors.Is(err, ethereum.ErrBlockNotFound),
		}).WithError(err).Warn("skipping block: receipts unavailable")
		return nil
	}

	l.metrics.BlocksScanned.Inc()
	l.metrics.LastBlockScanned.Set(float64(block))

	jobs := JobsFromReceipts(block, receipts, l.pools)
	l.metrics.JobsLocated.Add(float64(len(jobs)))
	if len(jobs) > 0 {
		l.logger.WithFields(logrus.Fields{"block_number": block, "jobs": len(jobs)}).Debug("located pool activity")
	}
	return jobs
}

// JobsFromReceipts returns one job per (transaction, tracked pool) pair,
// ordered by transaction index and, within a transaction, by the pool's first
// log. Any log emitted by a pool counts, so pools reached through a router
// are found as well. Removed logs are ignored.
func JobsFromReceipts(block uint64, receipts []*types.Receipt, pools PoolSet) []domain.ExtractionJob {
	sorted := make([]*types.Receipt, len(receipts))
	copy(sorted, receipts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TransactionIndex < sorted[j].TransactionIndex
	})

	var jobs []domain.ExtractionJob
	for _, r := range sorted {
		var seen map[common.Address]struct{}
		for _, lg := range r.Logs {
			if lg == nil || lg.Removed || !pools.Contains(lg.Address) {
				continue
			}
			if _, dup := seen[lg.Address]; dup {
				continue
			}
			if seen == nil {
				seen = make(map[common.Address]struct{})
			}
			seen[lg.Address] = struct{}{}

			jobs = append(jobs, domain.ExtractionJob{
				BlockNumber: block,
				TxHash:      r.TxHash,
				TxIndex:     uint64(r.TransactionIndex),
				PoolAddress: lg.Address,
			})
		}
	}
	return jobs
}
