package memory

import (
	"context"
	"sync"

	"univ3-pool-states/internal/storage"
)

// RunStore is an in-memory implementation of storage.RunStore.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[string]*storage.Run
	order []string // run ids in start order
}

// NewRunStore creates a new in-memory run store.
func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]*storage.Run),
	}
}

// StartRun records a new run.
func (s *RunStore) StartRun(_ context.Context, run *storage.Run) error {
	if run == nil || run.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runCopy := *run
	runCopy.Status = storage.RunStatusRunning
	if _, exists := s.runs[run.ID]; !exists {
		s.order = append(s.order, run.ID)
	}
	s.runs[run.ID] = &runCopy
	return nil
}

// FinishRun stores the final counters and status of a run.
func (s *RunStore) FinishRun(_ context.Context, run *storage.Run) error {
	if run == nil || run.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if !ok {
		return storage.ErrNotFound
	}

	existing.FinishedAt = run.FinishedAt
	existing.Status = run.Status
	existing.JobsLocated = run.JobsLocated
	existing.Succeeded = run.Succeeded
	existing.Failed = run.Failed
	existing.SkippedBlocks = run.SkippedBlocks
	return nil
}

// LastRun returns the most recently started run.
func (s *RunStore) LastRun(_ context.Context) (*storage.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return nil, storage.ErrNotFound
	}
	runCopy := *s.runs[s.order[len(s.order)-1]]
	return &runCopy, nil
}

var _ storage.RunStore = (*RunStore)(nil)
