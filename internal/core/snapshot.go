package core

import (
	"fmt"
	"sort"

	"PerpBook/internal/errs"
	"PerpBook/internal/ledger"
	"PerpBook/internal/math"
	"PerpBook/internal/orderbook"
	"PerpBook/internal/state"

	"github.com/google/uuid"
)

// MarketSnapshot is the immutable read model published after every
// mutation. Readers never take the market lock.
type MarketSnapshot struct {
	MarketID   string
	Sequence   int64
	ChainTip   string
	BestBid    *math.Price
	BestAsk    *math.Price
	Depth      orderbook.Depth
	Positions  map[uuid.UUID]*state.Position
	Accounts   map[uuid.UUID]ledger.Entry
	Orders     map[uuid.UUID][]orderbook.Order
	System     ledger.SystemBalances
	Cursor     int
	QueueDepth int
}

func (e *Engine) publishSnapshot() {
	snap := &MarketSnapshot{
		MarketID:   e.marketID,
		Sequence:   e.sequence,
		ChainTip:   encodeHash(e.hasher.Tip()),
		Depth:      e.book.Depth(e.book.Len()),
		Positions:  make(map[uuid.UUID]*state.Position),
		Accounts:   make(map[uuid.UUID]ledger.Entry),
		Orders:     make(map[uuid.UUID][]orderbook.Order),
		System:     e.collateral.SystemBalances(),
		Cursor:     e.liq.Cursor(),
		QueueDepth: e.liq.Queue().Len() + e.liq.Queue().RetryLen(),
	}
	if p, ok := e.book.BestBid(); ok {
		snap.BestBid = &p
	}
	if p, ok := e.book.BestAsk(); ok {
		snap.BestAsk = &p
	}
	for _, pos := range e.positions.GetAllPositions() {
		snap.Positions[pos.Owner] = pos.Clone()
	}
	for _, entry := range e.collateral.Entries() {
		snap.Accounts[entry.UserID] = entry
	}
	for _, o := range e.book.Orders() {
		snap.Orders[o.Owner] = append(snap.Orders[o.Owner], o)
	}
	for owner := range snap.Orders {
		orders := snap.Orders[owner]
		sort.Slice(orders, func(i, j int) bool { return orders[i].Seq < orders[j].Seq })
	}
	e.snapshot.Store(snap)
}

// Snapshot returns the latest published read model.
func (e *Engine) Snapshot() *MarketSnapshot {
	return e.snapshot.Load()
}

// Depth returns up to levels price levels per side, best first.
func (e *Engine) Depth(levels int) orderbook.Depth {
	d := e.Snapshot().Depth
	if levels < 0 {
		levels = 0
	}
	truncate := func(n int) int {
		if n > levels {
			return levels
		}
		return n
	}
	return orderbook.Depth{
		BidPrices:  d.BidPrices[:truncate(len(d.BidPrices))],
		BidAmounts: d.BidAmounts[:truncate(len(d.BidAmounts))],
		AskPrices:  d.AskPrices[:truncate(len(d.AskPrices))],
		AskAmounts: d.AskAmounts[:truncate(len(d.AskAmounts))],
	}
}

// Position returns the view of the account's position with the given id.
// A closed position is still found by its last id.
func (e *Engine) Position(account, positionID uuid.UUID) (state.PositionView, error) {
	pos := e.Snapshot().Positions[account]
	if pos == nil || pos.ID != positionID {
		return state.PositionView{}, fmt.Errorf("%w: account %s position %s", errs.ErrPositionNotFound, account, positionID)
	}
	var ref *math.Price
	if p, err := e.prices.Reference(e.marketID); err == nil {
		ref = &p
	}
	return state.NewPositionView(pos, e.margin, ref), nil
}

// ============================================================================
// Persistent snapshots
// ============================================================================

// SnapshotState is the full market state written to Postgres. Resting
// orders are stored in book order so restoring them reproduces price-time
// priority.
type SnapshotState struct {
	MarketID     string            `json:"market_id"`
	Sequence     int64             `json:"sequence"`
	ChainTip     string            `json:"chain_tip"`
	BookSequence uint64            `json:"book_sequence"`
	Orders       []orderbook.Order `json:"orders"`
	Positions    []*state.Position `json:"positions"`
	Ledger       ledger.State      `json:"ledger"`
	Cursor       int               `json:"cursor"`
	Pending      []uuid.UUID       `json:"pending"`
	Retry        []uuid.UUID       `json:"retry"`
	StateDigest  string            `json:"state_digest"`
	CreatedAt    int64             `json:"created_at"`
}

// CreateSnapshotState captures the current state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotState()
}

func (e *Engine) snapshotState() *SnapshotState {
	positions := e.positions.GetAllPositions()
	clones := make([]*state.Position, len(positions))
	for i, p := range positions {
		clones[i] = p.Clone()
	}
	ls := e.collateral.Export()
	pending, retry := e.liq.Queue().Pending()

	return &SnapshotState{
		MarketID:     e.marketID,
		Sequence:     e.sequence,
		ChainTip:     encodeHash(e.hasher.Tip()),
		BookSequence: e.book.Sequence(),
		Orders:       e.book.Orders(),
		Positions:    clones,
		Ledger:       ls,
		Cursor:       e.liq.Cursor(),
		Pending:      pending,
		Retry:        retry,
		StateDigest:  encodeHash(DigestState(clones, ls.Accounts, ls.System)),
		CreatedAt:    e.now(),
	}
}

// RestoreFromSnapshot replaces the engine's state with snap. It must run
// before the engine serves traffic.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if snap.MarketID != e.marketID {
		return fmt.Errorf("snapshot is for market %s, engine runs %s", snap.MarketID, e.marketID)
	}
	tip, err := decodeHash(snap.ChainTip)
	if err != nil {
		return err
	}
	if digest := encodeHash(DigestState(snap.Positions, snap.Ledger.Accounts, snap.Ledger.System)); digest != snap.StateDigest {
		return fmt.Errorf("snapshot at seq %d: state digest %s != recorded %s", snap.Sequence, digest, snap.StateDigest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	book := orderbook.NewBook(e.marketID)
	for i := range snap.Orders {
		o := snap.Orders[i]
		if err := book.Rest(&o); err != nil {
			return fmt.Errorf("restore order %s: %w", o.ID, err)
		}
	}
	book.SetSequence(snap.BookSequence)
	e.book = book

	positions := state.NewPositionManager(e.marketID)
	for _, p := range snap.Positions {
		positions.SetPosition(p.Clone())
	}
	e.positions = positions
	e.collateral.Restore(snap.Ledger)
	e.validator = ledger.NewInvariantValidator(e.collateral.Tracker())
	e.socializer = newSocializer(e)

	e.liq.SetCursor(snap.Cursor)
	e.liq.Queue().Restore(snap.Pending, snap.Retry)
	e.sequence = snap.Sequence
	e.hasher.SetTip(tip)

	if err := e.checkInvariants(); err != nil {
		return fmt.Errorf("snapshot at seq %d violates invariants: %w", snap.Sequence, err)
	}
	e.publishSnapshot()
	e.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("orders", len(snap.Orders)).
		Int("positions", len(snap.Positions)).
		Msg("market restored from snapshot")
	return nil
}
