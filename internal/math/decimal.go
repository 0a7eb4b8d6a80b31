package math

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// parseScaled converts a decimal string to a raw integer at 10^exp.
// Inputs with more fractional digits than the scale allows are rejected
// rather than rounded.
func parseScaled(s string, exp int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	shifted := d.Shift(exp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("parse %q: more than %d decimal places", s, exp)
	}
	return shifted.BigInt(), nil
}

func formatScaled(raw *big.Int, exp int32) string {
	return decimal.NewFromBigInt(raw, -exp).String()
}

func scaledFloat(raw *big.Int, exp int32) float64 {
	return decimal.NewFromBigInt(raw, -exp).InexactFloat64()
}
