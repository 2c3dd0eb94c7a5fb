package uniswapv3

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Decode errors.
var (
	ErrUninitializedPool = errors.New("slot0 sqrtPriceX96 is zero")
	ErrTickOutOfRange    = errors.New("tick outside TickMath bounds")
	ErrUnexpectedLayout  = errors.New("unexpected storage layout")
)

// Slot0 is the decoded slot0 word.
//
// Layout, low bits first:
//
//	sqrtPriceX96               uint160  [0, 160)
//	tick                       int24    [160, 184)
//	observationIndex           uint16   [184, 200)
//	observationCardinality     uint16   [200, 216)
//	observationCardinalityNext uint16   [216, 232)
//	feeProtocol                uint8    [232, 240)
//	unlocked                   bool     [240, 248)
type Slot0 struct {
	SqrtPriceX96               *big.Int
	Tick                       int32
	ObservationIndex           uint16
	ObservationCardinality     uint16
	ObservationCardinalityNext uint16
	FeeProtocol                uint8
	Unlocked                   bool
}

// TickInfo is the decoded Tick.Info struct.
//
// Layout:
//
//	word 0: liquidityGross uint128 [0, 128), liquidityNet int128 [128, 256)
//	word 1: feeGrowthOutside0X128
//	word 2: feeGrowthOutside1X128
//	word 3: tickCumulativeOutside int56 [0, 56), secondsPerLiquidityOutsideX128 uint160 [56, 216),
//	        secondsOutside uint32 [216, 248), initialized bool [248, 256)
type TickInfo struct {
	LiquidityGross                 *big.Int
	LiquidityNet                   *big.Int
	FeeGrowthOutside0X128          *big.Int
	FeeGrowthOutside1X128          *big.Int
	TickCumulativeOutside          int64
	SecondsPerLiquidityOutsideX128 *big.Int
	SecondsOutside                 uint32
	Initialized                    bool
}

var two128 = new(big.Int).Lsh(big.NewInt(1), 128)

// DecodeSlot0 decodes the packed slot0 word.
func DecodeSlot0(word common.Hash) (Slot0, error) {
	w := new(uint256.Int).SetBytes32(word[:])

	if pad := bitField(w, 248, 8); !pad.IsZero() {
		return Slot0{}, fmt.Errorf("%w: slot0 high byte is %d", ErrUnexpectedLayout, pad.Uint64())
	}

	unlocked, err := decodeBool(bitField(w, 240, 8), "slot0.unlocked")
	if err != nil {
		return Slot0{}, err
	}

	s := Slot0{
		SqrtPriceX96:               toBig(bitField(w, 0, 160)),
		Tick:                       int32(signExtend(bitField(w, 160, 24).Uint64(), 24)),
		ObservationIndex:           uint16(bitField(w, 184, 16).Uint64()),
		ObservationCardinality:     uint16(bitField(w, 200, 16).Uint64()),
		ObservationCardinalityNext: uint16(bitField(w, 216, 16).Uint64()),
		FeeProtocol:                uint8(bitField(w, 232, 8).Uint64()),
		Unlocked:                   unlocked,
	}

	if s.SqrtPriceX96.Sign() == 0 {
		return Slot0{}, ErrUninitializedPool
	}
	if s.Tick < MinTick || s.Tick > MaxTick {
		return Slot0{}, fmt.Errorf("%w: %d", ErrTickOutOfRange, s.Tick)
	}
	return s, nil
}

// DecodeTickInfo decodes the four storage words of a Tick.Info.
func DecodeTickInfo(words [TickInfoWords]common.Hash) (TickInfo, error) {
	w0 := new(uint256.Int).SetBytes32(words[0][:])
	w3 := new(uint256.Int).SetBytes32(words[3][:])

	initialized, err := decodeBool(bitField(w3, 248, 8), "tick.initialized")
	if err != nil {
		return TickInfo{}, err
	}

	net := toBig(bitField(w0, 128, 128))
	if net.Bit(127) == 1 {
		net.Sub(net, two128)
	}

	return TickInfo{
		LiquidityGross:                 toBig(bitField(w0, 0, 128)),
		LiquidityNet:                   net,
		FeeGrowthOutside0X128:          toBig(new(uint256.Int).SetBytes32(words[1][:])),
		FeeGrowthOutside1X128:          toBig(new(uint256.Int).SetBytes32(words[2][:])),
		TickCumulativeOutside:          signExtend(bitField(w3, 0, 56).Uint64(), 56),
		SecondsPerLiquidityOutsideX128: toBig(bitField(w3, 56, 160)),
		SecondsOutside:                 uint32(bitField(w3, 216, 32).Uint64()),
		Initialized:                    initialized,
	}, nil
}

// bitField extracts bits [offset, offset+width) of w.
func bitField(w *uint256.Int, offset, width uint) *uint256.Int {
	v := new(uint256.Int).Rsh(w, offset)
	if width >= 256 {
		return v
	}
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), width)
	mask.SubUint64(mask, 1)
	return v.And(v, mask)
}

func signExtend(v uint64, width uint) int64 {
	shift := 64 - width
	return int64(v<<shift) >> shift
}

func decodeBool(v *uint256.Int, name string) (bool, error) {
	switch v.Uint64() {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s byte is %d", ErrUnexpectedLayout, name, v.Uint64())
	}
}

// toBig converts through bytes so that zero values share one big.Int representation.
func toBig(v *uint256.Int) *big.Int {
	return new(big.Int).SetBytes(v.Bytes())
}
