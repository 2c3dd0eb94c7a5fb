package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"univ3-pool-states/internal/storage"
)

// GapStore is a PostgreSQL implementation of storage.GapStore backed by known_gaps.
type GapStore struct {
	pool *Pool
}

// NewGapStore creates a new PostgreSQL gap store.
func NewGapStore(pool *Pool) *GapStore {
	return &GapStore{pool: pool}
}

// Compile-time interface check.
var _ storage.GapStore = (*GapStore)(nil)

// AddGaps records skipped blocks in one round trip.
func (s *GapStore) AddGaps(ctx context.Context, gaps []storage.Gap) error {
	if len(gaps) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, g := range gaps {
		batch.Queue(`
			INSERT INTO known_gaps (block_number, reason, run_id, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (block_number) DO UPDATE
			SET reason = EXCLUDED.reason,
			    run_id = EXCLUDED.run_id,
			    created_at = EXCLUDED.created_at
		`, g.BlockNumber, g.Reason, g.RunID)
	}

	return s.pool.SendBatch(ctx, batch).Close()
}

// ListGaps returns unresolved gaps ordered by block number.
func (s *GapStore) ListGaps(ctx context.Context, limit int) ([]storage.Gap, error) {
	if limit < 0 {
		return nil, storage.ErrInvalidInput
	}

	query := `
		SELECT block_number, reason, run_id, created_at
		FROM known_gaps
		ORDER BY block_number ASC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gaps []storage.Gap
	for rows.Next() {
		var g storage.Gap
		if err := rows.Scan(&g.BlockNumber, &g.Reason, &g.RunID, &g.CreatedAt); err != nil {
			return nil, err
		}
		gaps = append(gaps, g)
	}

	return gaps, rows.Err()
}

// ResolveGap removes a gap.
func (s *GapStore) ResolveGap(ctx context.Context, blockNumber uint64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM known_gaps WHERE block_number = $1`, blockNumber)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
