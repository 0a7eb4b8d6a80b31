package adl

import (
	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// StepKind is the type of one recovery step
type StepKind string

const (
	StepPositionReduced       StepKind = "position_reduced"
	StepCollateralConfiscated StepKind = "collateral_confiscated"
	StepBadDebt               StepKind = "bad_debt"
)

// Status is the terminal state of a socialization
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed" // remainder written off as bad debt
)

// Step is one auditable recovery action, in execution order.
type Step struct {
	Ordinal     int         `json:"ordinal"`
	Kind        StepKind    `json:"kind"`
	Account     uuid.UUID   `json:"account"`
	PositionID  uuid.UUID   `json:"position_id"`
	Score       math.Usd    `json:"score"`
	SizeReduced math.Amount `json:"size_reduced"`
	Amount      math.Usd    `json:"amount"`    // recovered by this step
	Remaining   math.Usd    `json:"remaining"` // gap left after this step
}

// Affected is one profitable position cut by ADL.
type Affected struct {
	Account     uuid.UUID   `json:"account"`
	PositionID  uuid.UUID   `json:"position_id"`
	SizeReduced math.Amount `json:"size_reduced"`
	Haircut     math.Usd    `json:"haircut"`
}

// Event is the full record of one socialization.
type Event struct {
	ID                    uuid.UUID  `json:"id"`
	MarketID              string     `json:"market_id"`
	LiquidationID         uuid.UUID  `json:"liquidation_id"`
	LiquidatedAccount     uuid.UUID  `json:"liquidated_account"`
	ReferencePrice        math.Price `json:"reference_price"`
	TotalLoss             math.Usd   `json:"total_loss"`
	CoveredByReduction    math.Usd   `json:"covered_by_reduction"`
	CoveredByConfiscation math.Usd   `json:"covered_by_confiscation"`
	Uncovered             math.Usd   `json:"uncovered"` // bad debt when non-zero
	Steps                 []Step     `json:"steps"`
	Affected              []Affected `json:"affected"`
	Status                Status     `json:"status"`
	Timestamp             int64      `json:"timestamp"`
}

// Deficit reports that the gap could not be fully recovered.
func (e *Event) Deficit() bool {
	return e.Uncovered.Sign() > 0
}
