package state

import (
	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// PositionView is the read model of one position. Unrealized figures are
// only present when a reference price was available.
type PositionView struct {
	PositionID       uuid.UUID   `json:"position_id"`
	Owner            uuid.UUID   `json:"owner"`
	MarketID         string      `json:"market_id"`
	Size             math.Amount `json:"size"`
	EntryPrice       math.Price  `json:"entry_price"`
	Locked           math.Usd    `json:"locked"`
	LiquidationPrice math.Price  `json:"liquidation_price"`
	RealizedPnL      math.Usd    `json:"realized_pnl"`
	Active           bool        `json:"active"`
	LiquidationState string      `json:"liquidation_state"`

	ReferencePrice *math.Price `json:"reference_price,omitempty"`
	UnrealizedPnL  *math.Usd   `json:"unrealized_pnl,omitempty"`
	Equity         *math.Usd   `json:"equity,omitempty"`
	Maintenance    *math.Usd   `json:"maintenance,omitempty"`
	Liquidatable   bool        `json:"liquidatable"`
}

// NewPositionView derives the view of pos. ref is nil when no usable
// reference price exists.
func NewPositionView(pos *Position, mc *MarginCalculator, ref *math.Price) PositionView {
	v := PositionView{
		PositionID:       pos.ID,
		Owner:            pos.Owner,
		MarketID:         pos.MarketID,
		Size:             pos.Size,
		EntryPrice:       pos.EntryPrice,
		Locked:           pos.Locked,
		LiquidationPrice: mc.LiquidationPrice(pos),
		RealizedPnL:      pos.RealizedPnL,
		Active:           !pos.IsFlat(),
		LiquidationState: pos.LiquidationState.String(),
	}
	if ref != nil && !pos.IsFlat() {
		price := *ref
		upnl := pos.UnrealizedPnL(price)
		equity := pos.Equity(price)
		mm := mc.MaintenanceRequirement(pos, price)
		v.ReferencePrice = &price
		v.UnrealizedPnL = &upnl
		v.Equity = &equity
		v.Maintenance = &mm
		v.Liquidatable = equity.Cmp(mm) < 0
	}
	return v
}
