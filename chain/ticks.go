package chain

import (
	"math"
	"math/big"
)

// Tick bounds of the concentrated-liquidity pool contract.
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// MinUsableTick returns the lowest tick a position may use for the given
// spacing. Division truncates toward zero, matching the pool contract.
func MinUsableTick(spacing int32) int32 {
	if spacing <= 0 {
		return MinTick
	}
	return (MinTick / spacing) * spacing
}

// MaxUsableTick returns the highest tick a position may use for the given
// spacing.
func MaxUsableTick(spacing int32) int32 {
	if spacing <= 0 {
		return MaxTick
	}
	return (MaxTick / spacing) * spacing
}

// FullRange reports whether the tick range spans the whole usable window.
func FullRange(lower, upper, spacing int32) bool {
	return lower == MinUsableTick(spacing) && upper == MaxUsableTick(spacing)
}

// InRange reports whether the pool's current tick lies inside the position's
// range. The upper bound is exclusive, matching the pool's accounting.
func InRange(current, lower, upper int32) bool {
	return current >= lower && current < upper
}

// SqrtRatioAtTick approximates sqrt(1.0001^tick) in Q64.96 fixed point.
// Accuracy is valuation-grade, not settlement-grade: the daemon only uses it
// to price positions in USD.
func SqrtRatioAtTick(tick int32) *big.Int {
	ratio := math.Pow(1.0001, float64(tick)/2)
	f := new(big.Float).SetPrec(96).SetFloat64(ratio)
	f.Mul(f, new(big.Float).SetInt(q96))
	out, _ := f.Int(nil)
	if out.Sign() <= 0 {
		return big.NewInt(1)
	}
	return out
}

// PositionAmounts converts a position's liquidity and range into the token
// amounts it currently represents, given the pool's sqrt price and tick.
func PositionAmounts(liquidity, sqrtPriceX96 *big.Int, currentTick, lower, upper int32) (amount0, amount1 *big.Int) {
	amount0 = new(big.Int)
	amount1 = new(big.Int)
	if liquidity == nil || liquidity.Sign() <= 0 {
		return amount0, amount1
	}
	sqrtA := SqrtRatioAtTick(lower)
	sqrtB := SqrtRatioAtTick(upper)
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}

	sqrtP := sqrtPriceX96
	switch {
	case currentTick < lower:
		sqrtP = sqrtA
	case currentTick >= upper:
		sqrtP = sqrtB
	default:
		if sqrtP == nil || sqrtP.Sign() <= 0 {
			sqrtP = SqrtRatioAtTick(currentTick)
		}
		if sqrtP.Cmp(sqrtA) < 0 {
			sqrtP = sqrtA
		}
		if sqrtP.Cmp(sqrtB) > 0 {
			sqrtP = sqrtB
		}
	}

	// amount0 = L * 2^96 * (sqrtB - sqrtP) / (sqrtB * sqrtP)
	if sqrtP.Cmp(sqrtB) < 0 {
		num := new(big.Int).Sub(sqrtB, sqrtP)
		num.Mul(num, liquidity)
		num.Mul(num, q96)
		den := new(big.Int).Mul(sqrtB, sqrtP)
		amount0.Quo(num, den)
	}
	// amount1 = L * (sqrtP - sqrtA) / 2^96
	if sqrtP.Cmp(sqrtA) > 0 {
		num := new(big.Int).Sub(sqrtP, sqrtA)
		num.Mul(num, liquidity)
		amount1.Quo(num, q96)
	}
	return amount0, amount1
}

// FeeFraction converts a pool fee tier (hundredths of a basis point, e.g.
// 3000 for 0.3%) into a rational fraction.
func FeeFraction(fee uint32) *big.Rat {
	return new(big.Rat).SetFrac64(int64(fee), 1_000_000)
}
