// Package uniswapv3 decodes Uniswap V3 pool contract storage.
package uniswapv3

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Storage slots of UniswapV3Pool state variables in declaration order.
const (
	Slot0Slot                uint64 = 0
	FeeGrowthGlobal0X128Slot uint64 = 1
	FeeGrowthGlobal1X128Slot uint64 = 2
	ProtocolFeesSlot         uint64 = 3
	LiquiditySlot            uint64 = 4
	TicksSlot                uint64 = 5
	TickBitmapSlot           uint64 = 6
	PositionsSlot            uint64 = 7
	ObservationsSlot         uint64 = 8
)

// Tick bounds from TickMath.
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

// TickInfoWords is the number of storage words occupied by one Tick.Info.
const TickInfoWords = 4

// SlotHash returns the storage key of a top-level slot.
func SlotHash(slot uint64) common.Hash {
	return common.Hash(uint256.NewInt(slot).Bytes32())
}

// MappingSlot returns the storage key of mapping[key] for a mapping declared at slot.
// The key is ABI-encoded as a sign-extended 32-byte word.
func MappingSlot(key int64, slot uint64) common.Hash {
	var k *uint256.Int
	if key < 0 {
		k = new(uint256.Int).Neg(uint256.NewInt(uint64(-key)))
	} else {
		k = uint256.NewInt(uint64(key))
	}

	var buf [64]byte
	kb := k.Bytes32()
	sb := uint256.NewInt(slot).Bytes32()
	copy(buf[:32], kb[:])
	copy(buf[32:], sb[:])
	return crypto.Keccak256Hash(buf[:])
}

// TickInfoSlots returns the consecutive storage keys of ticks[tick].
func TickInfoSlots(tick int32) [TickInfoWords]common.Hash {
	base := MappingSlot(int64(tick), TicksSlot)
	b := new(uint256.Int).SetBytes32(base[:])

	var slots [TickInfoWords]common.Hash
	for i := range slots {
		slots[i] = common.Hash(new(uint256.Int).AddUint64(b, uint64(i)).Bytes32())
	}
	return slots
}

// BitmapSlot returns the storage key of tickBitmap[wordPos].
func BitmapSlot(wordPos int16) common.Hash {
	return MappingSlot(int64(wordPos), TickBitmapSlot)
}

// compress divides tick by spacing rounding toward negative infinity.
func compress(tick, spacing int32) int32 {
	c := tick / spacing
	if tick < 0 && tick%spacing != 0 {
		c--
	}
	return c
}

// BitmapPosition returns the bitmap word and bit flagging tick.
func BitmapPosition(tick, spacing int32) (wordPos int16, bitPos uint8) {
	c := compress(tick, spacing)
	return int16(c >> 8), uint8(c & 0xff)
}

// TickAt is the inverse of BitmapPosition for aligned ticks.
func TickAt(wordPos int16, bitPos uint8, spacing int32) int32 {
	return (int32(wordPos)*256 + int32(bitPos)) * spacing
}

// BitmapWordRange returns the inclusive range of bitmap words that can hold
// initialized ticks for the given spacing.
func BitmapWordRange(spacing int32) (minWord, maxWord int16) {
	minWord, _ = BitmapPosition(MinTick, spacing)
	maxWord, _ = BitmapPosition(MaxTick, spacing)
	return minWord, maxWord
}

// SetBits returns the positions of set bits in a bitmap word, ascending.
func SetBits(word common.Hash) []uint8 {
	var bits []uint8
	for i := 0; i < 256; i++ {
		if word[31-i/8]&(1<<(uint(i)%8)) != 0 {
			bits = append(bits, uint8(i))
		}
	}
	return bits
}
