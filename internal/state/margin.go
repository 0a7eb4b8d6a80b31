package state

import (
	"PerpBook/internal/math"
)

// MarginCalculator applies the market's risk parameters to orders and
// positions.
type MarginCalculator struct {
	params RiskParams
}

func NewMarginCalculator(params RiskParams) *MarginCalculator {
	return &MarginCalculator{params: params}
}

func (mc *MarginCalculator) Params() RiskParams { return mc.params }

// RequiredMargin is the reservation for an order: 100% of notional for buys,
// 150% for sells under the defaults.
func (mc *MarginCalculator) RequiredMargin(buy bool, price math.Price, amount math.Amount) math.Usd {
	return math.MarginFor(price, amount, mc.params.MarginFraction(buy))
}

// MaintenanceRequirement is m * notional at the reference price.
func (mc *MarginCalculator) MaintenanceRequirement(pos *Position, ref math.Price) math.Usd {
	return pos.Notional(ref).MulFraction(mc.params.MaintenanceFraction)
}

// IsLiquidatable reports equity below the maintenance requirement at ref.
func (mc *MarginCalculator) IsLiquidatable(pos *Position, ref math.Price) bool {
	if pos.IsFlat() {
		return false
	}
	return pos.Equity(ref).Cmp(mc.MaintenanceRequirement(pos, ref)) < 0
}

// LiquidationPrice returns the reference price at which a position with margin
// posted at its initial fraction reaches the maintenance threshold.
//
//	short: E * (1 + short_fraction) / (1 + m)
//	long:  E * (1 - long_fraction) / (1 - m), floored at 0
//
// With 150% short margin and m = 10% the short price is 2.5E / 1.1. A fully
// collateralized long only reaches zero equity at price 0.
func (mc *MarginCalculator) LiquidationPrice(pos *Position) math.Price {
	if pos.IsFlat() {
		return 0
	}
	scale := math.FractionConfig.Scale
	m := mc.params.MaintenanceFraction
	if pos.IsLong() {
		if mc.params.LongMarginFraction >= scale {
			return 0
		}
		return pos.EntryPrice.MulRatio(scale-mc.params.LongMarginFraction, scale-m)
	}
	return pos.EntryPrice.MulRatio(scale+mc.params.ShortMarginFraction, scale+m)
}

// FeeFor returns the fee for one side of a trade of the given notional.
func (mc *MarginCalculator) FeeFor(notional math.Usd, maker bool) math.Usd {
	if maker {
		return notional.MulBps(mc.params.MakerFeeBps)
	}
	return notional.MulBps(mc.params.TakerFeeBps)
}

// LiquidationPenalty is the penalty fraction of the position's locked margin.
func (mc *MarginCalculator) LiquidationPenalty(locked math.Usd) math.Usd {
	return locked.MulFraction(mc.params.LiquidationPenaltyFraction)
}
