package math

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
	PriceConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}                  // 0.000001
	AmountConfig   = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000} // 1 wei of base asset
	UsdConfig      = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000} // collateral units
	FractionConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}                  // risk fractions (1_000_000 = 100%)
)

// BpsScale is the denominator of basis-point values.
const BpsScale = 10_000

var (
	bigPriceScale    = big.NewInt(PriceConfig.Scale)
	bigAmountScale   = big.NewInt(AmountConfig.Scale)
	bigFractionScale = big.NewInt(FractionConfig.Scale)
	bigUsdScale      = big.NewInt(UsdConfig.Scale)
)

// Pooled big.Int scratch values for intermediate products.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // toward zero
	RoundUp                       // away from zero
)

// divide returns numerator / denominator as a fresh big.Int.
func divide(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getInt()
	defer putInt(remainder)

	quotient.QuoRem(numerator, denominator, remainder)

	if mode == RoundUp && remainder.Sign() != 0 {
		if numerator.Sign()*denominator.Sign() > 0 {
			quotient.Add(quotient, big.NewInt(1))
		} else {
			quotient.Sub(quotient, big.NewInt(1))
		}
	}
	return quotient
}

// mulDiv computes a * b / c with a pooled intermediate.
func mulDiv(a, b, c *big.Int, mode RoundingMode) *big.Int {
	product := getInt()
	defer putInt(product)
	product.Mul(a, b)
	return divide(product, c, mode)
}

// Notional returns price * |amount| in collateral units, rounded toward zero.
func Notional(price Price, amount Amount) Usd {
	return Usd{v: mulDiv(big.NewInt(int64(price)), amount.Abs().big(), bigPriceScale, RoundDown)}
}

// PnL returns (exit - entry) * size for a signed size. A positive size is
// long, a negative size is short, so the sign of the result follows the side.
func PnL(entry, exit Price, size Amount) Usd {
	diff := big.NewInt(int64(exit) - int64(entry))
	return Usd{v: mulDiv(diff, size.big(), bigPriceScale, RoundDown)}
}

// MarginFor returns the margin required for a notional at a fractional rate
// (FractionConfig scale).
func MarginFor(price Price, amount Amount, fraction int64) Usd {
	return Notional(price, amount).MulFraction(fraction)
}

// ComputeAvgEntryPrice returns the volume-weighted entry price after adding
// fillQty at fillPrice to a position of oldSize at oldAvgEntry. Sizes are
// magnitudes.
func ComputeAvgEntryPrice(oldSize Amount, oldAvgEntry Price, fillQty Amount, fillPrice Price) Price {
	if oldSize.IsZero() {
		return fillPrice
	}

	term1 := getInt()
	term2 := getInt()
	defer putInt(term1)
	defer putInt(term2)

	term1.Mul(oldSize.Abs().big(), big.NewInt(int64(oldAvgEntry)))
	term2.Mul(fillQty.Abs().big(), big.NewInt(int64(fillPrice)))
	term1.Add(term1, term2)

	denominator := new(big.Int).Add(oldSize.Abs().big(), fillQty.Abs().big())
	return Price(divide(term1, denominator, RoundDown).Int64())
}

// UnitsForValue returns the amount of a position of |size| whose pro-rata share
// of total equals value: ceil(value * |size| / total), capped at |size|.
func UnitsForValue(value Usd, size Amount, total Usd) Amount {
	abs := size.Abs()
	if total.Sign() <= 0 || value.Sign() <= 0 {
		return ZeroAmount()
	}
	units := Amount{v: mulDiv(value.big(), abs.big(), total.big(), RoundUp)}
	return MinAmount(units, abs)
}
