package state

import (
	"fmt"

	"PerpBook/internal/math"
)

// RiskParams defines margin and liquidation rules for the market. Fractions
// are at FractionConfig scale (1_000_000 = 100%); fees and slippage are in
// basis points.
type RiskParams struct {
	MarketID                   string `json:"market_id" mapstructure:"market_id"`
	LongMarginFraction         int64  `json:"long_margin_fraction" mapstructure:"long_margin_fraction"`
	ShortMarginFraction        int64  `json:"short_margin_fraction" mapstructure:"short_margin_fraction"`
	MaintenanceFraction        int64  `json:"maintenance_fraction" mapstructure:"maintenance_fraction"`
	LiquidationPenaltyFraction int64  `json:"liquidation_penalty_fraction" mapstructure:"liquidation_penalty_fraction"`
	LiquidationSlippageBps     int64  `json:"liquidation_slippage_bps" mapstructure:"liquidation_slippage_bps"`
	MakerFeeBps                int64  `json:"maker_fee_bps" mapstructure:"maker_fee_bps"`
	TakerFeeBps                int64  `json:"taker_fee_bps" mapstructure:"taker_fee_bps"`
}

// DefaultRiskParams returns the fully collateralized defaults: 100% long,
// 150% short, 10% maintenance, 5% penalty.
func DefaultRiskParams(marketID string) RiskParams {
	return RiskParams{
		MarketID:                   marketID,
		LongMarginFraction:         1_000_000,
		ShortMarginFraction:        1_500_000,
		MaintenanceFraction:        100_000,
		LiquidationPenaltyFraction: 50_000,
		LiquidationSlippageBps:     5_000,
		MakerFeeBps:                0,
		TakerFeeBps:                0,
	}
}

// MarginFraction returns the initial margin fraction for a buy (long) or a
// sell (short).
func (p RiskParams) MarginFraction(buy bool) int64 {
	if buy {
		return p.LongMarginFraction
	}
	return p.ShortMarginFraction
}

// ValidateRiskParams checks that risk parameters are within valid ranges.
// Leverage is capped at 1:1, so both margin fractions are at least 100%.
func ValidateRiskParams(params RiskParams) error {
	scale := math.FractionConfig.Scale
	if params.MarketID == "" {
		return fmt.Errorf("market_id must be set")
	}
	if params.LongMarginFraction < scale {
		return fmt.Errorf("long_margin_fraction must be >= %d, got %d", scale, params.LongMarginFraction)
	}
	if params.ShortMarginFraction < scale {
		return fmt.Errorf("short_margin_fraction must be >= %d, got %d", scale, params.ShortMarginFraction)
	}
	if params.MaintenanceFraction <= 0 || params.MaintenanceFraction >= scale {
		return fmt.Errorf("maintenance_fraction must be in (0, %d), got %d", scale, params.MaintenanceFraction)
	}
	if params.LiquidationPenaltyFraction < 0 || params.LiquidationPenaltyFraction > scale {
		return fmt.Errorf("liquidation_penalty_fraction must be in [0, %d], got %d", scale, params.LiquidationPenaltyFraction)
	}
	if params.LiquidationSlippageBps <= 0 {
		return fmt.Errorf("liquidation_slippage_bps must be > 0, got %d", params.LiquidationSlippageBps)
	}
	if params.MakerFeeBps < 0 || params.MakerFeeBps >= math.BpsScale {
		return fmt.Errorf("maker_fee_bps must be in [0, %d), got %d", math.BpsScale, params.MakerFeeBps)
	}
	if params.TakerFeeBps < 0 || params.TakerFeeBps >= math.BpsScale {
		return fmt.Errorf("taker_fee_bps must be in [0, %d), got %d", math.BpsScale, params.TakerFeeBps)
	}
	return nil
}
