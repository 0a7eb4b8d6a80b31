package liquidation

import (
	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// Method records how a liquidation's loss was covered
type Method string

const (
	MethodDirect     Method = "direct"     // closing market order, loss covered by the trader
	MethodSocialized Method = "socialized" // gap loss handed to ADL
)

// Status is the terminal state of one liquidation attempt
type Status string

const (
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed" // closing order found no liquidity
)

// Outcome is the liquidation record of one attempt. Records are append-only.
type Outcome struct {
	LiquidationID  uuid.UUID   `json:"liquidation_id"`
	MarketID       string      `json:"market_id"`
	Account        uuid.UUID   `json:"account"`
	PositionID     uuid.UUID   `json:"position_id"`
	Liquidator     uuid.UUID   `json:"liquidator"`
	TriggerPrice   math.Price  `json:"trigger_price"`
	ReferencePrice math.Price  `json:"reference_price"`
	ExecutionPrice math.Price  `json:"execution_price"` // VWAP of the closing fills
	Closed         math.Amount `json:"closed"`
	Remaining      math.Amount `json:"remaining"`
	Penalty        math.Usd    `json:"penalty"`
	GapLoss        math.Usd    `json:"gap_loss"`
	Method         Method      `json:"method"`
	Status         Status      `json:"status"`

	// SocializationID is set when ADL ran; BadDebt is what it could not
	// recover.
	SocializationID *uuid.UUID `json:"socialization_id,omitempty"`
	BadDebt         math.Usd   `json:"bad_debt"`
	Deficit         bool       `json:"deficit"`
	Timestamp       int64      `json:"timestamp"`
}

// SweepOutcome summarizes one batched sweep.
type SweepOutcome struct {
	Tracked      int       `json:"tracked"`      // accounts eligible for scanning
	Start        int       `json:"start"`        // cursor at the beginning of the window
	End          int       `json:"end"`          // cursor the next sweep resumes from
	Scanned      int       `json:"scanned"`      // accounts in the window
	Requeued     int       `json:"requeued"`     // queued and retried accounts evaluated first
	Liquidations []Outcome `json:"liquidations"` // executed and failed together
	Executed     int       `json:"executed"`
	Failed       int       `json:"failed"`
	Deficits     int       `json:"deficits"`
}
