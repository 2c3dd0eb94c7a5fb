package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"univ3-pool-states/internal/errs"
	"univ3-pool-states/internal/ethereum"
	"univ3-pool-states/internal/observability"
)

// DefaultTraceCacheSize is the number of traced blocks kept in memory.
const DefaultTraceCacheSize = 16

// PrestateReplayer reconstructs post-transaction storage from the node's
// prestate tracer: storage at the end of the previous block overlaid with the
// diffs of every transaction up to and including the target.
type PrestateReplayer struct {
	state   ethereum.StateSource
	group   singleflight.Group
	cache   *lru.Cache[uint64, []ethereum.TxStateDiff]
	metrics *observability.Metrics
	logger  logrus.FieldLogger
}

// Compile-time interface check.
var _ Replayer = (*PrestateReplayer)(nil)

// PrestateOptions contains configuration for creating a PrestateReplayer.
type PrestateOptions struct {
	State          ethereum.StateSource
	TraceCacheSize int
	Metrics        *observability.Metrics
	Logger         logrus.FieldLogger
}

// NewPrestateReplayer creates a replayer backed by debug tracing.
func NewPrestateReplayer(opts PrestateOptions) *PrestateReplayer {
	size := opts.TraceCacheSize
	if size <= 0 {
		size = DefaultTraceCacheSize
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewNop()
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &PrestateReplayer{
		state:   opts.State,
		cache:   lru.NewCache[uint64, []ethereum.TxStateDiff](size),
		metrics: metrics,
		logger:  logger.WithField("component", "replay"),
	}
}

// ReplayThrough returns storage after transaction txIndex of blockNumber.
func (r *PrestateReplayer) ReplayThrough(ctx context.Context, blockNumber, txIndex uint64) (StorageReader, error) {
	start := time.Now()
	defer func() {
		r.metrics.ReplayLatency.Observe(time.Since(start).Seconds())
	}()

	if blockNumber == 0 {
		return nil, errs.DataIntegrity(errs.CodeTxOutOfRange, "genesis block has no transactions", nil)
	}

	diffs, err := r.blockDiffs(ctx, blockNumber)
	if err != nil {
		return nil, classify(ctx, fmt.Sprintf("trace block %d", blockNumber), err)
	}
	if txIndex >= uint64(len(diffs)) {
		return nil, errs.DataIntegrity(errs.CodeTxOutOfRange,
			fmt.Sprintf("tx index %d beyond %d traced transactions in block %d", txIndex, len(diffs), blockNumber), nil)
	}

	overlay := make(map[common.Address]map[common.Hash]common.Hash)
	for i := uint64(0); i <= txIndex; i++ {
		d := diffs[i]
		if d.Error != "" {
			return nil, errs.Transient(errs.CodeReplayUnavailable,
				fmt.Sprintf("trace of tx %d in block %d failed", i, blockNumber), errors.New(d.Error))
		}
		applyDiff(overlay, d.Result)
	}

	return &overlayReader{
		state:       r.state,
		baseBlock:   blockNumber - 1,
		overlay:     overlay,
		blockNumber: blockNumber,
	}, nil
}

// blockDiffs returns the block's diffs, tracing at most once across concurrent callers.
func (r *PrestateReplayer) blockDiffs(ctx context.Context, blockNumber uint64) ([]ethereum.TxStateDiff, error) {
	if diffs, ok := r.cache.Get(blockNumber); ok {
		r.metrics.TraceCacheHit.Inc()
		return diffs, nil
	}

	v, err, shared := r.group.Do(strconv.FormatUint(blockNumber, 10), func() (interface{}, error) {
		if diffs, ok := r.cache.Get(blockNumber); ok {
			return diffs, nil
		}
		diffs, err := r.state.TraceBlockStateDiff(ctx, blockNumber)
		if err != nil {
			return nil, err
		}
		r.cache.Add(blockNumber, diffs)
		return diffs, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.WithField("block_number", blockNumber).Debug("shared block trace")
	}
	return v.([]ethereum.TxStateDiff), nil
}

// applyDiff folds one transaction's diff into overlay. Slots present in pre
// but absent from post were cleared.
func applyDiff(overlay map[common.Address]map[common.Hash]common.Hash, diff ethereum.StateDiff) {
	slotsOf := func(addr common.Address) map[common.Hash]common.Hash {
		s, ok := overlay[addr]
		if !ok {
			s = make(map[common.Hash]common.Hash)
			overlay[addr] = s
		}
		return s
	}

	for addr, pre := range diff.Pre {
		if pre == nil {
			continue
		}
		var post map[common.Hash]common.Hash
		if acct := diff.Post[addr]; acct != nil {
			post = acct.Storage
		}
		for slot := range pre.Storage {
			if _, ok := post[slot]; !ok {
				slotsOf(addr)[slot] = common.Hash{}
			}
		}
	}
	for addr, post := range diff.Post {
		if post == nil {
			continue
		}
		for slot, value := range post.Storage {
			slotsOf(addr)[slot] = value
		}
	}
}

// classify turns a collaborator error into the pipeline taxonomy.
func classify(ctx context.Context, msg string, err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, ethereum.ErrBlockNotFound) {
		return errs.Wrap(errs.CategoryRangeScan, errs.CodeBlockUnavailable, msg, err)
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errs.Transient(errs.CodeReplayTimeout, msg, err)
	}
	return errs.Transient(errs.CodeReplayUnavailable, msg, err)
}

// overlayReader serves reads from the overlay first and falls back to the
// end state of the previous block.
type overlayReader struct {
	state       ethereum.StateSource
	baseBlock   uint64
	blockNumber uint64
	overlay     map[common.Address]map[common.Hash]common.Hash
}

func (o *overlayReader) Read(ctx context.Context, account common.Address, slot common.Hash) (common.Hash, error) {
	if v, ok := o.overlay[account][slot]; ok {
		return v, nil
	}
	w, err := o.state.StorageAt(ctx, account, slot, o.baseBlock)
	if err != nil {
		return common.Hash{}, classify(ctx, fmt.Sprintf("read storage at block %d", o.baseBlock), err)
	}
	return w, nil
}

func (o *overlayReader) ReadMany(ctx context.Context, account common.Address, slots []common.Hash) ([]common.Hash, error) {
	words := make([]common.Hash, len(slots))
	overridden := o.overlay[account]

	var missing []common.Hash
	var missingIdx []int
	for i, slot := range slots {
		if v, ok := overridden[slot]; ok {
			words[i] = v
			continue
		}
		missing = append(missing, slot)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		fetched, err := o.state.BatchStorageAt(ctx, account, missing, o.baseBlock)
		if err != nil {
			return nil, classify(ctx, fmt.Sprintf("batch read storage at block %d", o.baseBlock), err)
		}
		for j, idx := range missingIdx {
			words[idx] = fetched[j]
		}
	}
	return words, nil
}
