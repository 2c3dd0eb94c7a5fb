package clickhouse

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"univ3-pool-states/internal/domain"
	"univ3-pool-states/internal/storage"
)

// PoolStateStore implements storage.PoolStateStore using ClickHouse.
// Both tables are ReplacingMergeTree(last_updated); reads use FINAL so a
// re-written key is observed once.
type PoolStateStore struct {
	conn *Conn
	now  func() time.Time
	last atomic.Uint64 // last issued last_updated
}

// NewPoolStateStore creates a new PoolStateStore.
func NewPoolStateStore(conn *Conn) *PoolStateStore {
	return &PoolStateStore{conn: conn, now: time.Now}
}

// Compile-time interface check.
var _ storage.PoolStateStore = (*PoolStateStore)(nil)

const slot0Columns = `
	block_number, pool_address, tx_hash, tx_index,
	token0, token0_decimals, token1, token1_decimals,
	tick, sqrt_price_x96, calculated_price,
	observation_index, observation_cardinality, observation_cardinality_next,
	fee_protocol, unlocked`

const tickColumns = `
	block_number, pool_address, tx_hash, tx_index,
	tick, tick_spacing, liquidity_gross, liquidity_net,
	fee_growth_outside_0_x128, fee_growth_outside_1_x128,
	tick_cumulative_outside, seconds_per_liquidity_outside_x128,
	seconds_outside, initialized`

// WriteBatch upserts slot0 and tick rows. All rows share one last_updated
// value so a later re-write of the same key wins.
func (s *PoolStateStore) WriteBatch(ctx context.Context, slot0s []*domain.PoolSlot0, ticks []*domain.PoolTickInfo) error {
	lastUpdated := s.nextVersion()

	if len(slot0s) > 0 {
		if err := s.writeSlot0s(ctx, slot0s, lastUpdated); err != nil {
			return err
		}
	}
	if len(ticks) > 0 {
		if err := s.writeTicks(ctx, ticks, lastUpdated); err != nil {
			return err
		}
	}
	return nil
}

// nextVersion returns the wall clock in milliseconds, bumped past the
// previous value so versions issued by this process strictly increase even
// if the clock steps back.
func (s *PoolStateStore) nextVersion() uint64 {
	for {
		prev := s.last.Load()
		v := uint64(s.now().UnixMilli())
		if v <= prev {
			v = prev + 1
		}
		if s.last.CompareAndSwap(prev, v) {
			return v
		}
	}
}

func (s *PoolStateStore) writeSlot0s(ctx context.Context, rows []*domain.PoolSlot0, lastUpdated uint64) error {
	for _, r := range rows {
		if r == nil || r.SqrtPriceX96 == nil {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO pool_slot0 (`+slot0Columns+`, last_updated)`)
	if err != nil {
		return fmt.Errorf("prepare slot0 batch: %w", err)
	}

	for _, r := range rows {
		err = batch.Append(
			r.BlockNumber, domain.HexAddress(r.PoolAddress), domain.HexHash(r.TxHash), r.TxIndex,
			domain.HexAddress(r.Token0), r.Token0Decimals, domain.HexAddress(r.Token1), r.Token1Decimals,
			r.Tick, r.SqrtPriceX96, r.CalculatedPrice,
			r.ObservationIndex, r.ObservationCardinality, r.ObservationCardinalityNext,
			r.FeeProtocol, r.Unlocked, lastUpdated,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append slot0 to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send slot0 batch: %w", err)
	}
	return nil
}

func (s *PoolStateStore) writeTicks(ctx context.Context, rows []*domain.PoolTickInfo, lastUpdated uint64) error {
	for _, r := range rows {
		if r == nil || r.LiquidityGross == nil || r.LiquidityNet == nil ||
			r.FeeGrowthOutside0X128 == nil || r.FeeGrowthOutside1X128 == nil ||
			r.SecondsPerLiquidityOutsideX128 == nil {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO pool_tick_info (`+tickColumns+`, last_updated)`)
	if err != nil {
		return fmt.Errorf("prepare tick batch: %w", err)
	}

	for _, r := range rows {
		err = batch.Append(
			r.BlockNumber, domain.HexAddress(r.PoolAddress), domain.HexHash(r.TxHash), r.TxIndex,
			r.Tick, r.TickSpacing, r.LiquidityGross, r.LiquidityNet,
			r.FeeGrowthOutside0X128, r.FeeGrowthOutside1X128,
			r.TickCumulativeOutside, r.SecondsPerLiquidityOutsideX128,
			r.SecondsOutside, r.Initialized, lastUpdated,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append tick to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send tick batch: %w", err)
	}
	return nil
}

// GetSlot0 retrieves the slot0 row after one transaction.
func (s *PoolStateStore) GetSlot0(ctx context.Context, blockNumber uint64, pool common.Address, txHash common.Hash) (*domain.PoolSlot0, error) {
	query := `SELECT ` + slot0Columns + `
		FROM pool_slot0 FINAL
		WHERE block_number = ? AND pool_address = ? AND tx_hash = ?`

	rows, err := s.conn.Query(ctx, query, blockNumber, domain.HexAddress(pool), domain.HexHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("query slot0: %w", err)
	}
	defer rows.Close()

	result, err := scanSlot0s(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, storage.ErrNotFound
	}
	return result[0], nil
}

// GetTicks retrieves the tick rows after one transaction, ordered by tick ASC.
func (s *PoolStateStore) GetTicks(ctx context.Context, blockNumber uint64, pool common.Address, txHash common.Hash) ([]*domain.PoolTickInfo, error) {
	query := `SELECT ` + tickColumns + `
		FROM pool_tick_info FINAL
		WHERE block_number = ? AND pool_address = ? AND tx_hash = ?
		ORDER BY tick ASC`

	rows, err := s.conn.Query(ctx, query, blockNumber, domain.HexAddress(pool), domain.HexHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	return scanTicks(rows)
}

// GetSlot0Range retrieves slot0 rows for a pool within [from, to] (inclusive).
func (s *PoolStateStore) GetSlot0Range(ctx context.Context, pool common.Address, from, to uint64) ([]*domain.PoolSlot0, error) {
	query := `SELECT ` + slot0Columns + `
		FROM pool_slot0 FINAL
		WHERE pool_address = ? AND block_number >= ? AND block_number <= ?
		ORDER BY block_number ASC, tx_index ASC`

	rows, err := s.conn.Query(ctx, query, domain.HexAddress(pool), from, to)
	if err != nil {
		return nil, fmt.Errorf("query slot0 range: %w", err)
	}
	defer rows.Close()

	return scanSlot0s(rows)
}

// Counts returns the number of distinct slot0 and tick rows.
func (s *PoolStateStore) Counts(ctx context.Context) (int, int, error) {
	var slot0s, ticks uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM pool_slot0 FINAL`).Scan(&slot0s); err != nil {
		return 0, 0, fmt.Errorf("count slot0: %w", err)
	}
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM pool_tick_info FINAL`).Scan(&ticks); err != nil {
		return 0, 0, fmt.Errorf("count ticks: %w", err)
	}
	return int(slot0s), int(ticks), nil
}

// scanSlot0s scans multiple slot0 rows.
func scanSlot0s(rows chRows) ([]*domain.PoolSlot0, error) {
	var result []*domain.PoolSlot0

	for rows.Next() {
		var r domain.PoolSlot0
		var pool, txHash, token0, token1 string
		var sqrtPrice *big.Int

		err := rows.Scan(
			&r.BlockNumber, &pool, &txHash, &r.TxIndex,
			&token0, &r.Token0Decimals, &token1, &r.Token1Decimals,
			&r.Tick, &sqrtPrice, &r.CalculatedPrice,
			&r.ObservationIndex, &r.ObservationCardinality, &r.ObservationCardinalityNext,
			&r.FeeProtocol, &r.Unlocked,
		)
		if err != nil {
			return nil, fmt.Errorf("scan slot0 row: %w", err)
		}

		r.PoolAddress = common.HexToAddress(pool)
		r.TxHash = common.HexToHash(txHash)
		r.Token0 = common.HexToAddress(token0)
		r.Token1 = common.HexToAddress(token1)
		r.SqrtPriceX96 = sqrtPrice
		result = append(result, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slot0 rows: %w", err)
	}
	return result, nil
}

// scanTicks scans multiple tick rows.
func scanTicks(rows chRows) ([]*domain.PoolTickInfo, error) {
	var result []*domain.PoolTickInfo

	for rows.Next() {
		var r domain.PoolTickInfo
		var pool, txHash string

		err := rows.Scan(
			&r.BlockNumber, &pool, &txHash, &r.TxIndex,
			&r.Tick, &r.TickSpacing, &r.LiquidityGross, &r.LiquidityNet,
			&r.FeeGrowthOutside0X128, &r.FeeGrowthOutside1X128,
			&r.TickCumulativeOutside, &r.SecondsPerLiquidityOutsideX128,
			&r.SecondsOutside, &r.Initialized,
		)
		if err != nil {
			return nil, fmt.Errorf("scan tick row: %w", err)
		}

		r.PoolAddress = common.HexToAddress(pool)
		r.TxHash = common.HexToHash(txHash)
		result = append(result, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tick rows: %w", err)
	}
	return result, nil
}
