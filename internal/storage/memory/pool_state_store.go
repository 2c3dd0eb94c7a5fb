package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"univ3-pool-states/internal/domain"
	"univ3-pool-states/internal/storage"
)

type stateKey struct {
	block  uint64
	pool   common.Address
	txHash common.Hash
}

type tickKey struct {
	stateKey
	tick int32
}

// PoolStateStore is an in-memory implementation of storage.PoolStateStore.
// Rows are replaced on key conflict, mirroring ReplacingMergeTree.
type PoolStateStore struct {
	mu     sync.RWMutex
	slot0s map[stateKey]*domain.PoolSlot0
	ticks  map[tickKey]*domain.PoolTickInfo
	writes int
}

// NewPoolStateStore creates a new in-memory pool state store.
func NewPoolStateStore() *PoolStateStore {
	return &PoolStateStore{
		slot0s: make(map[stateKey]*domain.PoolSlot0),
		ticks:  make(map[tickKey]*domain.PoolTickInfo),
	}
}

// WriteBatch upserts slot0 and tick rows. The batch is validated before anything is stored.
func (s *PoolStateStore) WriteBatch(_ context.Context, slot0s []*domain.PoolSlot0, ticks []*domain.PoolTickInfo) error {
	if len(slot0s) == 0 && len(ticks) == 0 {
		return nil
	}

	for _, r := range slot0s {
		if r == nil || r.SqrtPriceX96 == nil {
			return storage.ErrInvalidInput
		}
	}
	for _, r := range ticks {
		if r == nil || r.LiquidityGross == nil || r.LiquidityNet == nil {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range slot0s {
		rowCopy := *r
		s.slot0s[stateKey{r.BlockNumber, r.PoolAddress, r.TxHash}] = &rowCopy
	}
	for _, r := range ticks {
		rowCopy := *r
		s.ticks[tickKey{stateKey{r.BlockNumber, r.PoolAddress, r.TxHash}, r.Tick}] = &rowCopy
	}
	s.writes++

	return nil
}

// GetSlot0 retrieves the slot0 row after one transaction.
func (s *PoolStateStore) GetSlot0(_ context.Context, blockNumber uint64, pool common.Address, txHash common.Hash) (*domain.PoolSlot0, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.slot0s[stateKey{blockNumber, pool, txHash}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rowCopy := *r
	return &rowCopy, nil
}

// GetTicks retrieves the tick rows after one transaction, ordered by tick ASC.
func (s *PoolStateStore) GetTicks(_ context.Context, blockNumber uint64, pool common.Address, txHash common.Hash) ([]*domain.PoolTickInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := stateKey{blockNumber, pool, txHash}
	var result []*domain.PoolTickInfo
	for k, r := range s.ticks {
		if k.stateKey == key {
			rowCopy := *r
			result = append(result, &rowCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Tick < result[j].Tick
	})

	return result, nil
}

// GetSlot0Range retrieves slot0 rows for a pool within [from, to] (inclusive).
func (s *PoolStateStore) GetSlot0Range(_ context.Context, pool common.Address, from, to uint64) ([]*domain.PoolSlot0, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PoolSlot0
	for k, r := range s.slot0s {
		if k.pool == pool && k.block >= from && k.block <= to {
			rowCopy := *r
			result = append(result, &rowCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].BlockNumber != result[j].BlockNumber {
			return result[i].BlockNumber < result[j].BlockNumber
		}
		return result[i].TxIndex < result[j].TxIndex
	})

	return result, nil
}

// Counts returns the number of distinct slot0 and tick rows.
func (s *PoolStateStore) Counts(_ context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slot0s), len(s.ticks), nil
}

// Writes returns the number of non-empty WriteBatch calls.
func (s *PoolStateStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

var _ storage.PoolStateStore = (*PoolStateStore)(nil)
