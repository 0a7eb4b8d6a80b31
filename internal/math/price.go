package math

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Price is a quote price at PriceConfig scale (6 decimals).
type Price int64

// NewPrice returns units whole quote units as a Price.
func NewPrice(units int64) Price {
	return Price(units * PriceConfig.Scale)
}

// ParsePrice parses a decimal string such as "2.272727".
func ParsePrice(s string) (Price, error) {
	raw, err := parseScaled(s, int32(PriceConfig.DecimalPrecision))
	if err != nil {
		return 0, err
	}
	if !raw.IsInt64() {
		return 0, fmt.Errorf("price %q out of range", s)
	}
	return Price(raw.Int64()), nil
}

// MustParsePrice is ParsePrice for constants and tests.
func MustParsePrice(s string) Price {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Price) Raw() int64 { return int64(p) }

func (p Price) String() string {
	return formatScaled(big.NewInt(int64(p)), int32(PriceConfig.DecimalPrecision))
}

// MulRatio returns p * num / den rounded toward zero.
func (p Price) MulRatio(num, den int64) Price {
	return Price(mulDiv(big.NewInt(int64(p)), big.NewInt(num), big.NewInt(den), RoundDown).Int64())
}

// WithSlippage widens p by bps basis points: upward for buys, downward for sells.
func (p Price) WithSlippage(bps int64, up bool) Price {
	if up {
		return p.MulRatio(BpsScale+bps, BpsScale)
	}
	if bps >= BpsScale {
		return 0
	}
	return p.MulRatio(BpsScale-bps, BpsScale)
}

func (p Price) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Price) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("price must be a decimal string: %w", err)
	}
	parsed, err := ParsePrice(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
