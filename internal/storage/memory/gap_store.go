package memory

import (
	"context"
	"sort"
	"sync"

	"univ3-pool-states/internal/storage"
)

// GapStore is an in-memory implementation of storage.GapStore.
type GapStore struct {
	mu   sync.RWMutex
	gaps map[uint64]storage.Gap
}

// NewGapStore creates a new in-memory gap store.
func NewGapStore() *GapStore {
	return &GapStore{
		gaps: make(map[uint64]storage.Gap),
	}
}

// AddGaps records skipped blocks.
func (s *GapStore) AddGaps(_ context.Context, gaps []storage.Gap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range gaps {
		s.gaps[g.BlockNumber] = g
	}
	return nil
}

// ListGaps returns unresolved gaps ordered by block number.
func (s *GapStore) ListGaps(_ context.Context, limit int) ([]storage.Gap, error) {
	if limit < 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]storage.Gap, 0, len(s.gaps))
	for _, g := range s.gaps {
		result = append(result, g)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].BlockNumber < result[j].BlockNumber
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ResolveGap removes a gap.
func (s *GapStore) ResolveGap(_ context.Context, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.gaps[blockNumber]; !ok {
		return storage.ErrNotFound
	}
	delete(s.gaps, blockNumber)
	return nil
}

var _ storage.GapStore = (*GapStore)(nil)
