package math

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Amount is a base-asset quantity at AmountConfig scale (18 decimals).
// The zero value is zero. Values are immutable: every operation returns a
// new Amount.
type Amount struct {
	v *big.Int
}

func ZeroAmount() Amount { return Amount{} }

// NewAmount returns units whole base units.
func NewAmount(units int64) Amount {
	v := big.NewInt(units)
	return Amount{v: v.Mul(v, bigAmountScale)}
}

// AmountFromRaw wraps a raw scaled integer. The argument is copied.
func AmountFromRaw(raw *big.Int) Amount {
	if raw == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(raw)}
}

// ParseAmount parses a decimal string such as "0.5".
func ParseAmount(s string) (Amount, error) {
	raw, err := parseScaled(s, int32(AmountConfig.DecimalPrecision))
	if err != nil {
		return Amount{}, err
	}
	return Amount{v: raw}, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// Raw returns a copy of the scaled integer.
func (a Amount) Raw() *big.Int { return new(big.Int).Set(a.big()) }

func (a Amount) Sign() int {
	if a.v == nil {
		return 0
	}
	return a.v.Sign()
}

func (a Amount) IsZero() bool { return a.Sign() == 0 }

func (a Amount) Cmp(b Amount) int { return a.big().Cmp(b.big()) }

func (a Amount) Equal(b Amount) bool { return a.Cmp(b) == 0 }

func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.big(), b.big())}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.big(), b.big())}
}

func (a Amount) Neg() Amount {
	return Amount{v: new(big.Int).Neg(a.big())}
}

func (a Amount) Abs() Amount {
	if a.Sign() >= 0 {
		return a
	}
	return a.Neg()
}

// MulRatio returns a * num / den rounded toward zero.
func (a Amount) MulRatio(num, den Amount) Amount {
	if den.IsZero() {
		return Amount{}
	}
	return Amount{v: mulDiv(a.big(), num.big(), den.big(), RoundDown)}
}

func MinAmount(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func (a Amount) String() string {
	return formatScaled(a.big(), int32(AmountConfig.DecimalPrecision))
}

// Float64 is a lossy conversion for metrics only.
func (a Amount) Float64() float64 {
	return scaledFloat(a.big(), int32(AmountConfig.DecimalPrecision))
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("amount must be a decimal string: %w", err)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
