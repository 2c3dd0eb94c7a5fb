package uniswapv3

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

var spacings = []int32{1, 10, 60, 200}

func TestMappingSlot(t *testing.T) {
	// Positive key: abi.encode(uint256(5), uint256(6))
	want := crypto.Keccak256Hash(common.LeftPadBytes([]byte{5}, 32), common.LeftPadBytes([]byte{6}, 32))
	assert.Equal(t, want, MappingSlot(5, 6))

	// Negative key is sign-extended: -1 is 32 bytes of 0xff.
	want = crypto.Keccak256Hash(bytes.Repeat([]byte{0xff}, 32), common.LeftPadBytes([]byte{5}, 32))
	assert.Equal(t, want, MappingSlot(-1, TicksSlot))

	assert.Equal(t, MappingSlot(-1, TickBitmapSlot), BitmapSlot(-1))
}

func TestTickInfoSlots_Consecutive(t *testing.T) {
	slots := TickInfoSlots(-200)
	base := MappingSlot(-200, TicksSlot)

	assert.Equal(t, base, slots[0])
	for i := 1; i < TickInfoWords; i++ {
		prev := slots[i-1].Big()
		assert.Equal(t, int64(1), slots[i].Big().Sub(slots[i].Big(), prev).Int64())
	}
}

func TestBitmapPosition(t *testing.T) {
	tests := []struct {
		name    string
		tick    int32
		spacing int32
		word    int16
		bit     uint8
	}{
		{"zero", 0, 10, 0, 0},
		{"negative aligned", -200, 10, -1, 236},
		{"last bit of word 0", 2550, 10, 0, 255},
		{"first bit of word 1", 2560, 10, 1, 0},
		{"minus one spacing", -10, 10, -1, 255},
		{"unaligned rounds down", -15, 10, -1, 254},
		{"spacing 60", -84120, 60, -6, 134},
		{"spacing 1", 256, 1, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			word, bit := BitmapPosition(tt.tick, tt.spacing)
			assert.Equal(t, tt.word, word)
			assert.Equal(t, tt.bit, bit)
		})
	}
}

func TestBitmapWordRange(t *testing.T) {
	tests := []struct {
		spacing  int32
		min, max int16
	}{
		{1, -3466, 3465},
		{10, -347, 346},
		{60, -58, 57},
		{200, -18, 17},
	}

	for _, tt := range tests {
		minWord, maxWord := BitmapWordRange(tt.spacing)
		assert.Equal(t, tt.min, minWord, "spacing %d", tt.spacing)
		assert.Equal(t, tt.max, maxWord, "spacing %d", tt.spacing)
	}
}

func TestSetBits(t *testing.T) {
	assert.Empty(t, SetBits(common.Hash{}))
	assert.Equal(t, []uint8{0, 7, 8, 236, 255}, SetBits(SetBitmapBits(255, 0, 236, 8, 7)))
}

func TestProperty_BitmapRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("aligned ticks map back to themselves through the bitmap", prop.ForAll(
		func(raw int32, si int) bool {
			spacing := spacings[si]
			tick := (raw / spacing) * spacing

			word, bit := BitmapPosition(tick, spacing)
			minWord, maxWord := BitmapWordRange(spacing)
			if word < minWord || word > maxWord {
				return false
			}
			got := TickAt(word, bit, spacing)
			return got == tick && got%spacing == 0
		},
		gen.Int32Range(MinTick, MaxTick),
		gen.IntRange(0, len(spacings)-1),
	))

	properties.TestingRun(t)
}
