package uniswapv3

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EncodeSlot0 packs s into a storage word. It is the inverse of DecodeSlot0
// and is used to build replay fixtures.
func EncodeSlot0(s Slot0) common.Hash {
	w := uint256.MustFromBig(s.SqrtPriceX96)
	orField(w, uint64(uint32(s.Tick))&0xffffff, 160)
	orField(w, uint64(s.ObservationIndex), 184)
	orField(w, uint64(s.ObservationCardinality), 200)
	orField(w, uint64(s.ObservationCardinalityNext), 216)
	orField(w, uint64(s.FeeProtocol), 232)
	if s.Unlocked {
		orField(w, 1, 240)
	}
	return common.Hash(w.Bytes32())
}

// EncodeTickInfo packs t into its four storage words.
func EncodeTickInfo(t TickInfo) [TickInfoWords]common.Hash {
	net := new(big.Int).Set(t.LiquidityNet)
	if net.Sign() < 0 {
		net.Add(net, two128)
	}
	w0 := new(uint256.Int).Lsh(uint256.MustFromBig(net), 128)
	w0.Or(w0, uint256.MustFromBig(t.LiquidityGross))

	w3 := new(uint256.Int).Lsh(uint256.MustFromBig(t.SecondsPerLiquidityOutsideX128), 56)
	orField(w3, uint64(t.TickCumulativeOutside)&(1<<56-1), 0)
	orField(w3, uint64(t.SecondsOutside), 216)
	if t.Initialized {
		orField(w3, 1, 248)
	}

	return [TickInfoWords]common.Hash{
		common.Hash(w0.Bytes32()),
		common.BigToHash(t.FeeGrowthOutside0X128),
		common.BigToHash(t.FeeGrowthOutside1X128),
		common.Hash(w3.Bytes32()),
	}
}

// SetBitmapBits returns a bitmap word with the given bits set.
func SetBitmapBits(bits ...uint8) common.Hash {
	var word common.Hash
	for _, b := range bits {
		word[31-int(b)/8] |= 1 << (b % 8)
	}
	return word
}

func orField(w *uint256.Int, v uint64, offset uint) {
	f := new(uint256.Int).Lsh(uint256.NewInt(v), offset)
	w.Or(w, f)
}
