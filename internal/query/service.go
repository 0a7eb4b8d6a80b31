package query

import (
	"database/sql"
	"fmt"

	"PerpBook/internal/core"
	"PerpBook/internal/errs"
	"PerpBook/internal/math"
	"PerpBook/internal/state"

	"github.com/google/uuid"
)

// MarketReader is the read side of a market engine.
type MarketReader interface {
	MarketID() string
	Snapshot() *core.MarketSnapshot
	Position(account, positionID uuid.UUID) (state.PositionView, error)
}

// QueryService answers read requests. Live state comes from the engine's
// published snapshot and never takes the market lock; history comes from
// the Postgres event log and projections. Every snapshot response carries
// as_of_sequence.
type QueryService struct {
	db     *sql.DB
	market MarketReader
}

// NewQueryService builds a QueryService. db may be nil, in which case the
// history queries return an error.
func NewQueryService(db *sql.DB, market MarketReader) *QueryService {
	return &QueryService{db: db, market: market}
}

// MarketID returns the market this service reads.
func (qs *QueryService) MarketID() string { return qs.market.MarketID() }

// Account returns the collateral, resting orders and current position of
// account. An account the market has never seen reports zero balances.
func (qs *QueryService) Account(account uuid.UUID) (*AccountResponse, error) {
	if account == uuid.Nil {
		return nil, fmt.Errorf("%w: account is required", errs.ErrInvalidInput)
	}
	snap := qs.market.Snapshot()
	entry := snap.Accounts[account]

	resp := &AccountResponse{
		Account:      account,
		MarketID:     snap.MarketID,
		Total:        entry.Total,
		Available:    entry.Available,
		Reserved:     entry.Reserved,
		Locked:       entry.Locked,
		RealizedPnL:  entry.RealizedPnL,
		Orders:       make([]OrderResponse, 0, len(snap.Orders[account])),
		AsOfSequence: snap.Sequence,
	}
	for _, o := range snap.Orders[account] {
		resp.Orders = append(resp.Orders, OrderResponse{
			OrderID:   o.ID,
			Side:      o.Side,
			Price:     o.Price,
			Original:  o.Original,
			Remaining: o.Remaining,
			Reserved:  o.Reserved,
			CreatedAt: o.CreatedAt,
		})
	}
	if pos := snap.Positions[account]; pos != nil {
		view, err := qs.market.Position(account, pos.ID)
		if err != nil {
			return nil, err
		}
		resp.Position = &view
	}
	return resp, nil
}

// Depth returns up to levels aggregated levels per side.
func (qs *QueryService) Depth(levels int) (*DepthResponse, error) {
	if levels <= 0 {
		return nil, fmt.Errorf("%w: levels must be positive", errs.ErrInvalidInput)
	}
	snap := qs.market.Snapshot()
	return &DepthResponse{
		MarketID:     snap.MarketID,
		Bids:         zipLevels(snap.Depth.BidPrices, snap.Depth.BidAmounts, levels),
		Asks:         zipLevels(snap.Depth.AskPrices, snap.Depth.AskAmounts, levels),
		BestBid:      snap.BestBid,
		BestAsk:      snap.BestAsk,
		AsOfSequence: snap.Sequence,
	}, nil
}

func zipLevels(prices []math.Price, amounts []math.Amount, limit int) []Level {
	n := len(prices)
	if n > limit {
		n = limit
	}
	out := make([]Level, n)
	for i := 0; i < n; i++ {
		out[i] = Level{Price: prices[i], Amount: amounts[i]}
	}
	return out
}

// Position returns the view of one position.
func (qs *QueryService) Position(account, positionID uuid.UUID) (*PositionResponse, error) {
	seq := qs.market.Snapshot().Sequence
	view, err := qs.market.Position(account, positionID)
	if err != nil {
		return nil, err
	}
	return &PositionResponse{PositionView: view, AsOfSequence: seq}, nil
}

// Status summarizes the live engine state.
func (qs *QueryService) Status() MarketStatus {
	snap := qs.market.Snapshot()
	st := MarketStatus{
		MarketID:         snap.MarketID,
		Sequence:         snap.Sequence,
		ChainTip:         snap.ChainTip,
		Accounts:         len(snap.Accounts),
		System:           snap.System,
		SweepCursor:      snap.Cursor,
		LiquidationQueue: snap.QueueDepth,
	}
	for _, orders := range snap.Orders {
		st.RestingOrders += len(orders)
	}
	for _, pos := range snap.Positions {
		if !pos.IsFlat() {
			st.OpenPositions++
		}
	}
	return st
}
