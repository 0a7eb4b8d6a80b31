package state

import (
	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// LiquidationState tracks liquidation progress of a position
type LiquidationState int32

const (
	LiquidationStateHealthy LiquidationState = iota
	LiquidationStateInLiquidation
	LiquidationStateClosed
	LiquidationStateBankrupt
)

// Position is an account's aggregate position in the market. Size is signed:
// positive is long, negative is short.
type Position struct {
	ID               uuid.UUID        `json:"id"`
	Owner            uuid.UUID        `json:"owner"`
	MarketID         string           `json:"market_id"`
	Size             math.Amount      `json:"size"`
	EntryPrice       math.Price       `json:"entry_price"`
	Locked           math.Usd         `json:"locked"`
	RealizedPnL      math.Usd         `json:"realized_pnl"` // cumulative over the position's life
	Active           bool             `json:"active"`
	LiquidationState LiquidationState `json:"liquidation_state"`
	OpenedAt         int64            `json:"opened_at"`
	Version          int64            `json:"version"`
}

func (ls LiquidationState) String() string {
	switch ls {
	case LiquidationStateHealthy:
		return "Healthy"
	case LiquidationStateInLiquidation:
		return "InLiquidation"
	case LiquidationStateClosed:
		return "Closed"
	case LiquidationStateBankrupt:
		return "Bankrupt"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (ls LiquidationState) CanTransitionTo(next LiquidationState) bool {
	validTransitions := map[LiquidationState][]LiquidationState{
		LiquidationStateHealthy: {
			LiquidationStateInLiquidation,
		},
		LiquidationStateInLiquidation: {
			LiquidationStateHealthy, // closing order found no liquidity
			LiquidationStateClosed,
			LiquidationStateBankrupt,
		},
		LiquidationStateClosed: {
			LiquidationStateHealthy, // reopened from flat
		},
		LiquidationStateBankrupt: {
			LiquidationStateHealthy,
		},
	}

	allowed, ok := validTransitions[ls]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return !p.Active || p.Size.IsZero()
}

// IsLong reports a positive size.
func (p *Position) IsLong() bool {
	return p.Size.Sign() > 0
}

// SideSign returns +1 for long, -1 for short, 0 for flat
func (p *Position) SideSign() int {
	return p.Size.Sign()
}

// UnrealizedPnL is derived from a reference price and never stored.
func (p *Position) UnrealizedPnL(ref math.Price) math.Usd {
	if p.IsFlat() {
		return math.ZeroUsd()
	}
	return math.PnL(p.EntryPrice, ref, p.Size)
}

// Notional returns price * |size| at a reference price.
func (p *Position) Notional(ref math.Price) math.Usd {
	return math.Notional(ref, p.Size)
}

// Equity is locked margin plus unrealized PnL at ref.
func (p *Position) Equity(ref math.Price) math.Usd {
	return p.Locked.Add(p.UnrealizedPnL(ref))
}

// Clone returns a detached copy.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = append(buf, p.ID[:]...)
	buf = append(buf, p.Owner[:]...)

	buf = append(buf, byte(len(p.MarketID)))
	buf = append(buf, []byte(p.MarketID)...)

	buf = appendString(buf, p.Size.String())
	buf = appendInt64LE(buf, p.EntryPrice.Raw())
	buf = appendString(buf, p.Locked.String())
	buf = appendString(buf, p.RealizedPnL.String())

	if p.Active {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(p.LiquidationState))

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
