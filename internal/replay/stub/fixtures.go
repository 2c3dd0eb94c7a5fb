package stub

import (
	"github.com/ethereum/go-ethereum/common"

	"univ3-pool-states/internal/uniswapv3"
)

// SetPool writes a pool's slot0, tick bitmap and Tick.Info entries into the
// snapshot using the on-chain storage layout.
func (s Snapshot) SetPool(pool common.Address, spacing int32, slot0 uniswapv3.Slot0, ticks map[int32]uniswapv3.TickInfo) {
	s.Set(pool, uniswapv3.SlotHash(uniswapv3.Slot0Slot), uniswapv3.EncodeSlot0(slot0))

	for tick, info := range ticks {
		s.FlagTick(pool, tick, spacing)
		words := uniswapv3.EncodeTickInfo(info)
		for i, slot := range uniswapv3.TickInfoSlots(tick) {
			s.Set(pool, slot, words[i])
		}
	}
}

// FlagTick sets tick's bit in the pool's bitmap without touching Tick.Info.
func (s Snapshot) FlagTick(pool common.Address, tick, spacing int32) {
	wordPos, bitPos := uniswapv3.BitmapPosition(tick, spacing)
	slot := uniswapv3.BitmapSlot(wordPos)

	word := s[pool][slot]
	flag := uniswapv3.SetBitmapBits(bitPos)
	for i := range word {
		word[i] |= flag[i]
	}
	s.Set(pool, slot, word)
}
