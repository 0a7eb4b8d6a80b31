package query

import (
	"PerpBook/internal/ledger"
	"PerpBook/internal/math"
	"PerpBook/internal/orderbook"
	"PerpBook/internal/state"

	"github.com/google/uuid"
)

// AccountResponse is one account's collateral, resting orders and position
// as of a snapshot sequence.
type AccountResponse struct {
	Account      uuid.UUID           `json:"account"`
	MarketID     string              `json:"market_id"`
	Total        math.Usd            `json:"total"`
	Available    math.Usd            `json:"available"`
	Reserved     math.Usd            `json:"reserved"`
	Locked       math.Usd            `json:"locked"`
	RealizedPnL  math.Usd            `json:"realized_pnl"`
	Orders       []OrderResponse     `json:"orders"`
	Position     *state.PositionView `json:"position,omitempty"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// OrderResponse is a resting order.
type OrderResponse struct {
	OrderID   uuid.UUID      `json:"order_id"`
	Side      orderbook.Side `json:"side"`
	Price     math.Price     `json:"price"`
	Original  math.Amount    `json:"original"`
	Remaining math.Amount    `json:"remaining"`
	Reserved  math.Usd       `json:"reserved"`
	CreatedAt int64          `json:"created_at"`
}

// Level is one aggregated price level.
type Level struct {
	Price  math.Price  `json:"price"`
	Amount math.Amount `json:"amount"`
}

// DepthResponse lists aggregated levels, best first on each side.
type DepthResponse struct {
	MarketID     string      `json:"market_id"`
	Bids         []Level     `json:"bids"`
	Asks         []Level     `json:"asks"`
	BestBid      *math.Price `json:"best_bid,omitempty"`
	BestAsk      *math.Price `json:"best_ask,omitempty"`
	AsOfSequence int64       `json:"as_of_sequence"`
}

// PositionResponse wraps a position view with its snapshot sequence.
type PositionResponse struct {
	state.PositionView
	AsOfSequence int64 `json:"as_of_sequence"`
}

// MarketStatus summarizes the engine state for operators.
type MarketStatus struct {
	MarketID         string                `json:"market_id"`
	Sequence         int64                 `json:"sequence"`
	ChainTip         string                `json:"chain_tip"`
	RestingOrders    int                   `json:"resting_orders"`
	OpenPositions    int                   `json:"open_positions"`
	Accounts         int                   `json:"accounts"`
	System           ledger.SystemBalances `json:"system"`
	SweepCursor      int                   `json:"sweep_cursor"`
	LiquidationQueue int                   `json:"liquidation_queue"`
}

// LiquidationRecord is a row of projections.liquidations.
type LiquidationRecord struct {
	LiquidationID   uuid.UUID   `json:"liquidation_id"`
	MarketID        string      `json:"market_id"`
	Account         uuid.UUID   `json:"account"`
	PositionID      uuid.UUID   `json:"position_id"`
	Status          string      `json:"status"`
	Method          string      `json:"method"`
	Closed          math.Amount `json:"closed"`
	ExecutionPrice  math.Price  `json:"execution_price"`
	Penalty         math.Usd    `json:"penalty"`
	GapLoss         math.Usd    `json:"gap_loss"`
	BadDebt         math.Usd    `json:"bad_debt"`
	Deficit         bool        `json:"deficit"`
	SocializationID *uuid.UUID  `json:"socialization_id,omitempty"`
	Sequence        int64       `json:"sequence"`
	Timestamp       int64       `json:"timestamp"`
}

// SocializationRecord is a row of projections.socializations.
type SocializationRecord struct {
	SocializationID       uuid.UUID `json:"socialization_id"`
	MarketID              string    `json:"market_id"`
	LiquidationID         uuid.UUID `json:"liquidation_id"`
	LiquidatedAccount     uuid.UUID `json:"liquidated_account"`
	Status                string    `json:"status"`
	TotalLoss             math.Usd  `json:"total_loss"`
	CoveredByReduction    math.Usd  `json:"covered_by_reduction"`
	CoveredByConfiscation math.Usd  `json:"covered_by_confiscation"`
	Uncovered             math.Usd  `json:"uncovered"`
	Sequence              int64     `json:"sequence"`
	Timestamp             int64     `json:"timestamp"`
}

// JournalRecord is one double-entry journal touching an account.
type JournalRecord struct {
	JournalID     uuid.UUID `json:"journal_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Amount        math.Usd  `json:"amount"`
	JournalType   string    `json:"journal_type"`
	Timestamp     int64     `json:"timestamp"`
}

// ChainReport is the result of verifying a market's stored hash chain.
type ChainReport struct {
	MarketID     string `json:"market_id"`
	Checked      int    `json:"checked"`
	Valid        bool   `json:"valid"`
	FirstInvalid int64  `json:"first_invalid,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Tip          string `json:"tip"`
	// MatchesEngine is false when the stored tip lags or diverges from the
	// live engine, which is normal while the persist channel drains.
	MatchesEngine bool `json:"matches_engine"`
}

// Page bounds a history query. Before, when non-zero, returns only rows with
// a lower sequence.
type Page struct {
	Limit  int
	Before int64
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (p Page) limit() int {
	if p.Limit <= 0 {
		return defaultPageSize
	}
	if p.Limit > maxPageSize {
		return maxPageSize
	}
	return p.Limit
}
