package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"univ3-pool-states/internal/storage"
	"univ3-pool-states/internal/storage/postgres"
)

func TestGapStore_AddListResolve(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewGapStore(pool)

	require.NoError(t, store.AddGaps(ctx, []storage.Gap{
		{BlockNumber: 300, Reason: "block not found", RunID: "run-1"},
		{BlockNumber: 100, Reason: "block not found", RunID: "run-1"},
		{BlockNumber: 200, Reason: "timeout", RunID: "run-1"},
	}))

	gaps, err := store.ListGaps(ctx, 2)
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, uint64(100), gaps[0].BlockNumber)
	assert.Equal(t, uint64(200), gaps[1].BlockNumber)
	assert.Equal(t, "timeout", gaps[1].Reason)

	require.NoError(t, store.ResolveGap(ctx, 100))
	assert.ErrorIs(t, store.ResolveGap(ctx, 100), storage.ErrNotFound)

	gaps, err = store.ListGaps(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, gaps, 2)
}

func TestGapStore_ReAddReplaces(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewGapStore(pool)

	require.NoError(t, store.AddGaps(ctx, []storage.Gap{{BlockNumber: 5, Reason: "a", RunID: "run-1"}}))
	require.NoError(t, store.AddGaps(ctx, []storage.Gap{{BlockNumber: 5, Reason: "b", RunID: "run-2"}}))

	gaps, err := store.ListGaps(ctx, 0)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "run-2", gaps[0].RunID)
	assert.Equal(t, "b", gaps[0].Reason)
}
