package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"univ3-pool-states/internal/storage"
	"univ3-pool-states/internal/storage/postgres"
)

func TestRunStore_StartFinishLast(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewRunStore(pool)

	_, err := store.LastRun(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	started := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.StartRun(ctx, &storage.Run{
		ID: "run-1", FromBlock: 12_370_000, ToBlock: 12_370_100, Mode: "range", StartedAt: started,
	}))
	require.NoError(t, store.StartRun(ctx, &storage.Run{
		ID: "run-2", FromBlock: 12_370_101, ToBlock: 12_370_200, Mode: "range", StartedAt: started.Add(time.Second),
	}))

	last, err := store.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-2", last.ID)
	assert.Equal(t, storage.RunStatusRunning, last.Status)
	assert.True(t, last.FinishedAt.IsZero())

	finished := started.Add(time.Minute)
	require.NoError(t, store.FinishRun(ctx, &storage.Run{
		ID: "run-2", Status: storage.RunStatusCompleted, FinishedAt: finished,
		JobsLocated: 10, Succeeded: 9, Failed: 1, SkippedBlocks: 2,
	}))

	last, err = store.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStatusCompleted, last.Status)
	assert.Equal(t, uint64(12_370_101), last.FromBlock)
	assert.Equal(t, 9, last.Succeeded)
	assert.Equal(t, 1, last.Failed)
	assert.Equal(t, 2, last.SkippedBlocks)
	assert.True(t, finished.Equal(last.FinishedAt))
}

func TestRunStore_FinishUnknown(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewRunStore(pool)
	err := store.FinishRun(context.Background(), &storage.Run{ID: "missing", Status: storage.RunStatusFailed})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
