package fixed

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	SizeConfig  = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000} // signed base-asset quantity
	PriceConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}                  // 0.000001 quote
	QuoteConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}                  // 0.000001 quote (notional, margin, fees)
	RateConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}                  // fee/margin fractions (ppm)
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)

	result := quotient.Int64()

	if roundingMode == RoundHalfEven && remainder.Sign() != 0 {
		// Banker's rounding on the absolute remainder
		absRem := getInt128().Abs(remainder)
		half := big.NewInt(denominator / 2)
		cmp := absRem.Cmp(half)

		bump := int64(0)
		if cmp > 0 {
			bump = 1
		} else if cmp == 0 && denominator%2 == 0 && result%2 != 0 {
			bump = 1
		}

		if bump != 0 {
			if numerator.Sign() < 0 != (denominator < 0) {
				result--
			} else {
				result++
			}
		}
		putInt128(absRem)
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// Abs returns |v| for a signed fixed-point value.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Sign returns +1, -1, or 0.
func Sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Notional converts |size| * price into the quote scale.
// size is SizeConfig scale (1e18), price is PriceConfig scale (1e6),
// result is QuoteConfig scale (1e6): raw product carries 1e24, rescale /1e18.
func Notional(size, price int64) int64 {
	raw := MultiplyInt128(Abs(size), price)

	// product scale = sizeScale * priceScale = 1e24; price and quote share
	// the same precision so rescaling back is a single /sizeScale
	result := DivideInt128(raw, SizeConfig.Scale, RoundHalfEven)

	putInt128(raw)

	return result
}

// MulRate applies a 1e6-scale fraction (fee rate, margin fraction) to a
// quote-scale amount.
func MulRate(amount, rate int64) int64 {
	raw := MultiplyInt128(amount, rate)
	result := DivideInt128(raw, RateConfig.Scale, RoundHalfEven)
	putInt128(raw)
	return result
}

// MulDiv computes amount * num / den through int128.
func MulDiv(amount, num, den int64) int64 {
	if den == 0 {
		return 0
	}
	raw := MultiplyInt128(amount, num)
	result := DivideInt128(raw, den, RoundHalfEven)
	putInt128(raw)
	return result
}

// PnLOnClose computes realized PnL for closing closedSize (signed, the
// position's direction) at exitPrice, given the entry notional attributable
// to the closed slice. Positive = profit for the trader.
func PnLOnClose(closedSize int64, entryNotionalClosed int64, exitPrice int64) int64 {
	exitNotional := Notional(closedSize, exitPrice)
	if closedSize > 0 {
		// long: gain when exit > entry
		return exitNotional - entryNotionalClosed
	}
	// short: gain when exit < entry
	return entryNotionalClosed - exitNotional
}

// FundingPayment computes the quote-scale funding owed by a position since
// its last checkpoint. premiumDelta is PriceConfig scale (premium fraction
// per unit of size), size is SizeConfig scale. Positive = trader pays.
func FundingPayment(premiumDelta, size int64) int64 {
	raw := MultiplyInt128(premiumDelta, size)
	result := DivideInt128(raw, SizeConfig.Scale, RoundHalfEven)
	putInt128(raw)
	return result
}
