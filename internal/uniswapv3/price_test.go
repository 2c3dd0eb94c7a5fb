package uniswapv3

import (
	"math/big"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrice(t *testing.T) {
	q96 := new(big.Int).Lsh(big.NewInt(1), 96)

	tests := []struct {
		name      string
		sqrt      *big.Int
		dec0      uint8
		dec1      uint8
		wantPrice float64
	}{
		{"parity same decimals", q96, 18, 18, 1},
		{"parity 6/18 decimals", q96, 6, 18, 1e-12},
		{"parity 18/6 decimals", q96, 18, 6, 1e12},
		{"double sqrt quadruples price", new(big.Int).Lsh(q96, 1), 18, 18, 4},
		{"half sqrt quarters price", new(big.Int).Rsh(q96, 1), 8, 8, 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InEpsilon(t, tt.wantPrice, Price(tt.sqrt, tt.dec0, tt.dec1), 1e-12)
		})
	}
}

func TestPrice_Deterministic(t *testing.T) {
	sqrt, ok := new(big.Int).SetString("1987654321987654321987654321987654", 10)
	require.True(t, ok)

	assert.Equal(t, Price(sqrt, 6, 18), Price(sqrt, 6, 18))
}

func TestCheckTickConsistency(t *testing.T) {
	sqrt, err := SqrtRatioAtTick(-200)
	require.NoError(t, err)

	assert.NoError(t, CheckTickConsistency(-200, sqrt))
	// Exactly on the boundary after a downward swap.
	assert.NoError(t, CheckTickConsistency(-201, sqrt))
	assert.ErrorIs(t, CheckTickConsistency(-199, sqrt), ErrUnexpectedLayout)
	assert.ErrorIs(t, CheckTickConsistency(-300, sqrt), ErrUnexpectedLayout)
	assert.ErrorIs(t, CheckTickConsistency(MaxTick+1, sqrt), ErrTickOutOfRange)

	above := new(big.Int).Add(sqrt, big.NewInt(1))
	assert.NoError(t, CheckTickConsistency(-200, above))
}

func TestCheckTickConsistency_Bounds(t *testing.T) {
	minSqrt, err := SqrtRatioAtTick(MinTick)
	require.NoError(t, err)
	maxSqrt, err := SqrtRatioAtTick(MaxTick)
	require.NoError(t, err)

	assert.NoError(t, CheckTickConsistency(MinTick, minSqrt))
	assert.NoError(t, CheckTickConsistency(MaxTick, maxSqrt))
}

func TestExpectedTickSpacing(t *testing.T) {
	spacing, ok := ExpectedTickSpacing(3000)
	require.True(t, ok)
	assert.Equal(t, int32(60), spacing)

	spacing, ok = ExpectedTickSpacing(500)
	require.True(t, ok)
	assert.Equal(t, int32(10), spacing)

	_, ok = ExpectedTickSpacing(1234)
	assert.False(t, ok)
}

func TestProperty_TickConsistency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("sqrt ratio at a tick is consistent with that tick only", prop.ForAll(
		func(tick int32) bool {
			sqrt, err := SqrtRatioAtTick(tick)
			if err != nil {
				return false
			}
			return CheckTickConsistency(tick, sqrt) == nil &&
				CheckTickConsistency(tick+1, sqrt) != nil &&
				CheckTickConsistency(tick-2, sqrt) != nil
		},
		gen.Int32Range(MinTick+2, MaxTick-1),
	))

	properties.TestingRun(t)
}
