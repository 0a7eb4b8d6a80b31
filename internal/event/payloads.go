package event

import (
	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// OrderPlaced is emitted when an order is accepted and its margin reserved.
type OrderPlaced struct {
	OrderID  uuid.UUID   `json:"order_id"`
	Account  uuid.UUID   `json:"account"`
	Side     string      `json:"side"`
	Kind     string      `json:"kind"`
	Price    math.Price  `json:"price"`
	Amount   math.Amount `json:"amount"`
	Reserved math.Usd    `json:"reserved"`
	Seq      uint64      `json:"seq"`
}

// OrderMatched is emitted once per order per match call with its fill total.
type OrderMatched struct {
	OrderID   uuid.UUID   `json:"order_id"`
	Account   uuid.UUID   `json:"account"`
	Filled    math.Amount `json:"filled"`
	Remaining math.Amount `json:"remaining"`
	Resting   bool        `json:"resting"`
}

// Cancel reasons
const (
	CancelByOwner      = "owner"
	CancelUnfilled     = "market_remainder" // market order remainder beyond the slippage bound
	CancelSelfTrade    = "self_trade"
	CancelLiquidation  = "liquidation"
	CancelInsufficient = "insufficient_collateral"
)

// OrderCancelled is emitted when an order leaves the book unfilled.
type OrderCancelled struct {
	OrderID   uuid.UUID   `json:"order_id"`
	Account   uuid.UUID   `json:"account"`
	Remaining math.Amount `json:"remaining"`
	Released  math.Usd    `json:"released"`
	Reason    string      `json:"reason"`
}

// Trade is the append-only record of one match.
type Trade struct {
	TradeID           uuid.UUID   `json:"trade_id"`
	MarketID          string      `json:"market_id"`
	Buyer             uuid.UUID   `json:"buyer"`
	Seller            uuid.UUID   `json:"seller"`
	BuyOrderID        uuid.UUID   `json:"buy_order_id"`
	SellOrderID       uuid.UUID   `json:"sell_order_id"`
	Price             math.Price  `json:"price"`
	Amount            math.Amount `json:"amount"`
	Notional          math.Usd    `json:"notional"`
	BuyerFee          math.Usd    `json:"buyer_fee"`
	SellerFee         math.Usd    `json:"seller_fee"`
	TakerSide         string      `json:"taker_side"`
	BuyerMarginTrade  bool        `json:"buyer_margin_trade"`
	SellerMarginTrade bool        `json:"seller_margin_trade"`
	Liquidation       bool        `json:"liquidation"`
	Timestamp         int64       `json:"timestamp"`
}

// PositionUpdated carries the position after a fill or reduction.
type PositionUpdated struct {
	PositionID  uuid.UUID   `json:"position_id"`
	Account     uuid.UUID   `json:"account"`
	Size        math.Amount `json:"size"`
	EntryPrice  math.Price  `json:"entry_price"`
	Locked      math.Usd    `json:"locked"`
	RealizedPnL math.Usd    `json:"realized_pnl"`
	Active      bool        `json:"active"`
	Cause       string      `json:"cause"` // trade, liquidation, adl
}

// FundsMoved is the payload of Deposit and Withdrawal. A Deposit with
// Reversal set returns a withdrawal the custodian refused.
type FundsMoved struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Account    uuid.UUID `json:"account"`
	Amount     math.Usd  `json:"amount"`
	Available  math.Usd  `json:"available"`
	Reversal   bool      `json:"reversal,omitempty"`
}

// LiquidationTriggered is emitted before the closing order is submitted.
type LiquidationTriggered struct {
	LiquidationID  uuid.UUID   `json:"liquidation_id"`
	Account        uuid.UUID   `json:"account"`
	PositionID     uuid.UUID   `json:"position_id"`
	Liquidator     uuid.UUID   `json:"liquidator"`
	Size           math.Amount `json:"size"`
	Locked         math.Usd    `json:"locked"`
	Equity         math.Usd    `json:"equity"`
	Maintenance    math.Usd    `json:"maintenance"`
	TriggerPrice   math.Price  `json:"trigger_price"`
	ReferencePrice math.Price  `json:"reference_price"`
}

// SocializationStarted opens an ADL sequence.
type SocializationStarted struct {
	SocializationID   uuid.UUID  `json:"socialization_id"`
	LiquidationID     uuid.UUID  `json:"liquidation_id"`
	LiquidatedAccount uuid.UUID  `json:"liquidated_account"`
	Gap               math.Usd   `json:"gap"`
	ReferencePrice    math.Price `json:"reference_price"`
}

// SocializationStep is the payload of PositionReduced and
// CollateralConfiscated.
type SocializationStep struct {
	SocializationID uuid.UUID   `json:"socialization_id"`
	Ordinal         int         `json:"ordinal"`
	Account         uuid.UUID   `json:"account"`
	PositionID      uuid.UUID   `json:"position_id,omitempty"`
	Score           math.Usd    `json:"score"`
	SizeReduced     math.Amount `json:"size_reduced"`
	Amount          math.Usd    `json:"amount"`
	Remaining       math.Usd    `json:"remaining"`
}
