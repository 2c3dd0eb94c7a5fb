// Package stub provides a map-backed Replayer for tests.
package stub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"univ3-pool-states/internal/errs"
	"univ3-pool-states/internal/replay"
)

// Snapshot is the complete storage of every account at one replay point.
// Slots that are not present read as zero.
type Snapshot map[common.Address]map[common.Hash]common.Hash

// Set stores a word, creating the account map if needed.
func (s Snapshot) Set(account common.Address, slot, value common.Hash) {
	slots, ok := s[account]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		s[account] = slots
	}
	slots[slot] = value
}

type point struct {
	block   uint64
	txIndex uint64
}

// Replayer implements replay.Replayer with fixed snapshots per (block, txIndex).
type Replayer struct {
	mu        sync.RWMutex
	snapshots map[point]Snapshot
	failures  map[point][]error

	// Delay is slept inside every ReplayThrough call.
	Delay time.Duration

	calls    atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

// Compile-time interface check.
var _ replay.Replayer = (*Replayer)(nil)

// NewReplayer creates an empty stub.
func NewReplayer() *Replayer {
	return &Replayer{
		snapshots: make(map[point]Snapshot),
		failures:  make(map[point][]error),
	}
}

// SetSnapshot registers the storage after txIndex of block.
func (r *Replayer) SetSnapshot(block, txIndex uint64, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[point{block, txIndex}] = snap
}

// FailNext queues errors returned by successive calls for (block, txIndex)
// before the snapshot is served.
func (r *Replayer) FailNext(block, txIndex uint64, errors ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := point{block, txIndex}
	r.failures[p] = append(r.failures[p], errors...)
}

// Calls returns the number of ReplayThrough calls.
func (r *Replayer) Calls() int64 {
	return r.calls.Load()
}

// PeakInFlight returns the highest number of concurrent ReplayThrough calls observed.
func (r *Replayer) PeakInFlight() int64 {
	return r.peak.Load()
}

// ReplayThrough returns the registered snapshot.
func (r *Replayer) ReplayThrough(ctx context.Context, block, txIndex uint64) (replay.StorageReader, error) {
	r.calls.Add(1)
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.Delay):
		}
	}

	r.mu.Lock()
	p := point{block, txIndex}
	if queued := r.failures[p]; len(queued) > 0 {
		err := queued[0]
		r.failures[p] = queued[1:]
		r.mu.Unlock()
		return nil, err
	}
	snap, ok := r.snapshots[p]
	r.mu.Unlock()

	if !ok {
		return nil, errs.Transient(errs.CodeReplayUnavailable,
			fmt.Sprintf("no snapshot for block %d tx %d", block, txIndex), nil)
	}
	return reader(snap), nil
}

type reader Snapshot

func (s reader) Read(_ context.Context, account common.Address, slot common.Hash) (common.Hash, error) {
	return s[account][slot], nil
}

func (s reader) ReadMany(_ context.Context, account common.Address, slots []common.Hash) ([]common.Hash, error) {
	words := make([]common.Hash, len(slots))
	for i, slot := range slots {
		words[i] = s[account][slot]
	}
	return words, nil
}
