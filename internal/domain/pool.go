package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// PoolMetadata describes a tracked Uniswap V3 pool.
// Loaded once at startup from the pool registry and never mutated.
type PoolMetadata struct {
	Address        common.Address // pool contract address
	Token0         common.Address // lower-sorted token
	Token0Decimals uint8          // ERC-20 decimals of token0
	Token1         common.Address // higher-sorted token
	Token1Decimals uint8          // ERC-20 decimals of token1
	Fee            uint32         // fee tier in hundredths of a bip (500 = 0.05%)
	TickSpacing    int32          // immutable tick spacing of the pool
	Label          string         // human-readable pair name, e.g. "USDC/WETH"
}

// ExtractionJob identifies one unit of replay work: pool state after
// the transaction at TxIndex within BlockNumber.
type ExtractionJob struct {
	BlockNumber uint64         // block containing the transaction
	TxHash      common.Hash    // transaction that touched the pool
	TxIndex     uint64         // position of the transaction in the block
	PoolAddress common.Address // tracked pool that emitted a log
}

// LogFields returns the job identity as structured log fields.
func (j ExtractionJob) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"block_number": j.BlockNumber,
		"tx_hash":      HexHash(j.TxHash),
		"tx_index":     j.TxIndex,
		"pool_address": HexAddress(j.PoolAddress),
	}
}

// HexAddress returns the lowercase 0x-prefixed form used in persisted rows.
func HexAddress(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// HexHash returns the lowercase 0x-prefixed form used in persisted rows.
func HexHash(h common.Hash) string {
	return h.Hex()
}
