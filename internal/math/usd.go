package math

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Usd is a collateral value at UsdConfig scale (18 decimals). Like Amount it
// is immutable and its zero value is zero.
type Usd struct {
	v *big.Int
}

func ZeroUsd() Usd { return Usd{} }

// NewUsd returns units whole collateral units.
func NewUsd(units int64) Usd {
	v := big.NewInt(units)
	return Usd{v: v.Mul(v, bigUsdScale)}
}

// UsdFromRaw wraps a raw scaled integer. The argument is copied.
func UsdFromRaw(raw *big.Int) Usd {
	if raw == nil {
		return Usd{}
	}
	return Usd{v: new(big.Int).Set(raw)}
}

func ParseUsd(s string) (Usd, error) {
	raw, err := parseScaled(s, int32(UsdConfig.DecimalPrecision))
	if err != nil {
		return Usd{}, err
	}
	return Usd{v: raw}, nil
}

func MustParseUsd(s string) Usd {
	u, err := ParseUsd(s)
	if err != nil {
		panic(err)
	}
	return u
}

func (u Usd) big() *big.Int {
	if u.v == nil {
		return new(big.Int)
	}
	return u.v
}

// Raw returns a copy of the scaled integer.
func (u Usd) Raw() *big.Int { return new(big.Int).Set(u.big()) }

func (u Usd) Sign() int {
	if u.v == nil {
		return 0
	}
	return u.v.Sign()
}

func (u Usd) IsZero() bool { return u.Sign() == 0 }

func (u Usd) IsNegative() bool { return u.Sign() < 0 }

func (u Usd) Cmp(o Usd) int { return u.big().Cmp(o.big()) }

func (u Usd) Equal(o Usd) bool { return u.Cmp(o) == 0 }

func (u Usd) Add(o Usd) Usd {
	return Usd{v: new(big.Int).Add(u.big(), o.big())}
}

func (u Usd) Sub(o Usd) Usd {
	return Usd{v: new(big.Int).Sub(u.big(), o.big())}
}

func (u Usd) Neg() Usd {
	return Usd{v: new(big.Int).Neg(u.big())}
}

func (u Usd) Abs() Usd {
	if u.Sign() >= 0 {
		return u
	}
	return u.Neg()
}

// MulFraction returns u * fraction / FractionConfig.Scale rounded toward zero.
func (u Usd) MulFraction(fraction int64) Usd {
	return Usd{v: mulDiv(u.big(), big.NewInt(fraction), bigFractionScale, RoundDown)}
}

// MulBps returns u * bps / 10_000 rounded toward zero.
func (u Usd) MulBps(bps int64) Usd {
	return Usd{v: mulDiv(u.big(), big.NewInt(bps), big.NewInt(BpsScale), RoundDown)}
}

// ProRata returns u * part / whole rounded toward zero. A zero whole yields zero.
func (u Usd) ProRata(part, whole Amount) Usd {
	if whole.IsZero() {
		return Usd{}
	}
	return Usd{v: mulDiv(u.big(), part.Abs().big(), whole.Abs().big(), RoundDown)}
}

// MulAmount returns u * |a| / AmountConfig.Scale, the Usd-Amount product used
// for ranking scores.
func (u Usd) MulAmount(a Amount) Usd {
	return Usd{v: mulDiv(u.big(), a.Abs().big(), bigAmountScale, RoundDown)}
}

func MinUsd(a, b Usd) Usd {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func MaxUsd(a, b Usd) Usd {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

func (u Usd) String() string {
	return formatScaled(u.big(), int32(UsdConfig.DecimalPrecision))
}

// Float64 is a lossy conversion for metrics only.
func (u Usd) Float64() float64 {
	return scaledFloat(u.big(), int32(UsdConfig.DecimalPrecision))
}

func (u Usd) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *Usd) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("usd must be a decimal string: %w", err)
	}
	parsed, err := ParseUsd(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
