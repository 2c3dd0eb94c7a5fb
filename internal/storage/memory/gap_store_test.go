package memory

import (
	"context"
	"errors"
	"testing"

	"univ3-pool-states/internal/storage"
)

func TestGapStore_AddListResolve(t *testing.T) {
	store := NewGapStore()
	ctx := context.Background()

	err := store.AddGaps(ctx, []storage.Gap{
		{BlockNumber: 30, Reason: "block not found", RunID: "r1"},
		{BlockNumber: 10, Reason: "block not found", RunID: "r1"},
		{BlockNumber: 20, Reason: "timeout", RunID: "r1"},
	})
	if err != nil {
		t.Fatalf("AddGaps failed: %v", err)
	}

	gaps, err := store.ListGaps(ctx, 2)
	if err != nil {
		t.Fatalf("ListGaps failed: %v", err)
	}
	if len(gaps) != 2 || gaps[0].BlockNumber != 10 || gaps[1].BlockNumber != 20 {
		t.Fatalf("Unexpected gaps: %+v", gaps)
	}

	if err := store.ResolveGap(ctx, 10); err != nil {
		t.Fatalf("ResolveGap failed: %v", err)
	}
	if err := store.ResolveGap(ctx, 10); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second resolve, got %v", err)
	}

	gaps, _ = store.ListGaps(ctx, 0)
	if len(gaps) != 2 {
		t.Errorf("Expected 2 remaining gaps, got %d", len(gaps))
	}
}

func TestGapStore_ReAddReplaces(t *testing.T) {
	store := NewGapStore()
	ctx := context.Background()

	_ = store.AddGaps(ctx, []storage.Gap{{BlockNumber: 5, Reason: "a", RunID: "r1"}})
	_ = store.AddGaps(ctx, []storage.Gap{{BlockNumber: 5, Reason: "b", RunID: "r2"}})

	gaps, _ := store.ListGaps(ctx, 0)
	if len(gaps) != 1 || gaps[0].RunID != "r2" {
		t.Errorf("Expected single gap from r2, got %+v", gaps)
	}
}
