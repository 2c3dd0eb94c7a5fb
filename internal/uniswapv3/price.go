package uniswapv3

import (
	"fmt"
	"math/big"

	"github.com/daoleno/uniswapv3-sdk/constants"
	"github.com/daoleno/uniswapv3-sdk/utils"
	"github.com/shopspring/decimal"
)

// pricePrecision is the number of decimal places kept when dividing by 2^192.
const pricePrecision = 80

var q192 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 192), 0)

// Price returns the price of token0 in units of token1:
// sqrtPriceX96^2 / 2^192 * 10^decimals0 / 10^decimals1.
func Price(sqrtPriceX96 *big.Int, decimals0, decimals1 uint8) float64 {
	sq := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	num := decimal.NewFromBigInt(sq, int32(decimals0)-int32(decimals1))
	f, _ := num.DivRound(q192, pricePrecision).Float64()
	return f
}

// CheckTickConsistency verifies that tick is the slot0 tick for sqrtPriceX96:
// sqrtRatioAtTick(tick) <= sqrtPriceX96 <= sqrtRatioAtTick(tick+1).
// The upper bound is inclusive because a swap that stops exactly on an
// initialized tick while moving down leaves slot0.tick one below it.
func CheckTickConsistency(tick int32, sqrtPriceX96 *big.Int) error {
	if tick < MinTick || tick > MaxTick {
		return fmt.Errorf("%w: %d", ErrTickOutOfRange, tick)
	}

	lower, err := utils.GetSqrtRatioAtTick(int(tick))
	if err != nil {
		return fmt.Errorf("sqrt ratio at tick %d: %w", tick, err)
	}
	upper := lower
	if tick < MaxTick {
		upper, err = utils.GetSqrtRatioAtTick(int(tick) + 1)
		if err != nil {
			return fmt.Errorf("sqrt ratio at tick %d: %w", tick+1, err)
		}
	}

	if sqrtPriceX96.Cmp(lower) < 0 || sqrtPriceX96.Cmp(upper) > 0 {
		return fmt.Errorf("%w: sqrtPriceX96 %s outside [%s, %s] for tick %d",
			ErrUnexpectedLayout, sqrtPriceX96, lower, upper, tick)
	}
	return nil
}

// SqrtRatioAtTick returns the Q64.96 sqrt price at tick.
func SqrtRatioAtTick(tick int32) (*big.Int, error) {
	return utils.GetSqrtRatioAtTick(int(tick))
}

// ExpectedTickSpacing returns the factory tick spacing for a fee tier, if known.
func ExpectedTickSpacing(fee uint32) (int32, bool) {
	spacing, ok := constants.TickSpacings[constants.FeeAmount(fee)]
	return int32(spacing), ok
}
