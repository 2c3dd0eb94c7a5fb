package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PoolSlot0 is the pool's packed slot0 configuration after a transaction.
// Corresponds to pool_slot0 table in ClickHouse.
// Key: (block_number, pool_address, tx_hash).
type PoolSlot0 struct {
	BlockNumber                uint64         // block containing the transaction
	PoolAddress                common.Address // pool contract
	TxHash                     common.Hash    // transaction after which the state holds
	TxIndex                    uint64         // position of the transaction in the block
	Token0                     common.Address // from registry
	Token0Decimals             uint8          // from registry
	Token1                     common.Address // from registry
	Token1Decimals             uint8          // from registry
	Tick                       int32          // current tick
	SqrtPriceX96               *big.Int       // Q64.96 sqrt price (uint160)
	CalculatedPrice            float64        // token1 per token0, decimals adjusted
	ObservationIndex           uint16         // most recently written oracle observation
	ObservationCardinality     uint16         // populated oracle observations
	ObservationCardinalityNext uint16         // oracle observations to grow to
	FeeProtocol                uint8          // protocol fee, token0 in low nibble
	Unlocked                   bool           // reentrancy lock flag
}

// PoolTickInfo is the state of one initialized tick after a transaction.
// Corresponds to pool_tick_info table in ClickHouse.
// Key: (block_number, pool_address, tx_hash, tick).
type PoolTickInfo struct {
	BlockNumber                    uint64         // block containing the transaction
	PoolAddress                    common.Address // pool contract
	TxHash                         common.Hash    // transaction after which the state holds
	TxIndex                        uint64         // position of the transaction in the block
	Tick                           int32          // multiple of TickSpacing
	TickSpacing                    int32          // from registry
	LiquidityGross                 *big.Int       // uint128
	LiquidityNet                   *big.Int       // int128
	FeeGrowthOutside0X128          *big.Int       // uint256
	FeeGrowthOutside1X128          *big.Int       // uint256
	TickCumulativeOutside          int64          // int56, sign-extended
	SecondsPerLiquidityOutsideX128 *big.Int       // uint160
	SecondsOutside                 uint32         // seconds spent on the other side of the tick
	Initialized                    bool           // tick storage initialized flag
}

// PoolState is the complete extraction result for one job.
type PoolState struct {
	Job   ExtractionJob
	Slot0 *PoolSlot0      // nil when slot0 extraction is disabled
	Ticks []*PoolTickInfo // ascending by tick
}

// Rows returns the number of rows the state contributes to the store.
func (s *PoolState) Rows() int {
	if s == nil {
		return 0
	}
	n := len(s.Ticks)
	if s.Slot0 != nil {
		n++
	}
	return n
}
