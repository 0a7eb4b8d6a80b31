package state

import (
	"sort"

	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// FillEffect describes what one fill did to a position.
type FillEffect struct {
	PositionID uuid.UUID   // position after the fill (new id when it reopened)
	ClosedID   uuid.UUID   // position the closed part belonged to
	Opened     math.Amount // part of the fill that opened or increased exposure
	Closed     math.Amount // part of the fill that reduced exposure
	// Realized is (exit - entry) * closed, signed by side.
	Realized math.Usd
	// Released is the locked margin freed by the closed part.
	Released math.Usd
	// ClosedToFlat is set when the fill took the position to zero.
	ClosedToFlat bool
	// Increased is true when the fill opened or added to exposure.
	Increased bool
	// Flipped is the final state of the position a flip closed, with the
	// realized PnL of this fill included. Nil unless the fill flipped.
	Flipped *Position
}

// PositionManager owns the market's positions, one aggregate position per
// account.
type PositionManager struct {
	marketID  string
	positions map[uuid.UUID]*Position // owner -> position
}

func NewPositionManager(marketID string) *PositionManager {
	return &PositionManager{
		marketID:  marketID,
		positions: make(map[uuid.UUID]*Position),
	}
}

// GetPosition returns the account's position or nil
func (pm *PositionManager) GetPosition(owner uuid.UUID) *Position {
	return pm.positions[owner]
}

// GetOrCreatePosition returns existing or creates new flat position
func (pm *PositionManager) GetOrCreatePosition(owner uuid.UUID) *Position {
	pos := pm.positions[owner]
	if pos == nil {
		pos = &Position{
			Owner:            owner,
			MarketID:         pm.marketID,
			LiquidationState: LiquidationStateHealthy,
		}
		pm.positions[owner] = pos
	}
	return pos
}

// ApplyFill moves the account's position by a signed delta at price.
// Opening from flat (or flipping) assigns a fresh position id. The closed
// part releases the locked margin pro rata; the caller locks margin for the
// opened part with AddLocked.
func (pm *PositionManager) ApplyFill(owner uuid.UUID, delta math.Amount, price math.Price, timestamp int64) FillEffect {
	pos := pm.GetOrCreatePosition(owner)
	var eff FillEffect

	if pos.IsFlat() || pos.Size.Sign() == delta.Sign() {
		if pos.IsFlat() {
			pm.open(pos, timestamp)
			pos.EntryPrice = price
		} else {
			pos.EntryPrice = math.ComputeAvgEntryPrice(pos.Size, pos.EntryPrice, delta.Abs(), price)
		}
		pos.Size = pos.Size.Add(delta)
		pos.Version++
		eff.PositionID = pos.ID
		eff.Opened = delta.Abs()
		eff.Increased = true
		return eff
	}

	// Opposite direction: reduce, close, or flip.
	sizeAbs := pos.Size.Abs()
	closed := math.MinAmount(delta.Abs(), sizeAbs)
	eff.ClosedID = pos.ID
	eff.Closed = closed

	closedSigned := closed
	if pos.Size.Sign() < 0 {
		closedSigned = closed.Neg()
	}
	eff.Realized = math.PnL(pos.EntryPrice, price, closedSigned)

	if closed.Equal(sizeAbs) {
		eff.Released = pos.Locked
	} else {
		eff.Released = pos.Locked.ProRata(closed, sizeAbs)
	}
	pos.Locked = pos.Locked.Sub(eff.Released)
	pos.RealizedPnL = pos.RealizedPnL.Add(eff.Realized)
	if delta.Sign() > 0 {
		pos.Size = pos.Size.Add(closed)
	} else {
		pos.Size = pos.Size.Sub(closed)
	}
	pos.Version++

	if pos.Size.IsZero() {
		eff.ClosedToFlat = true
		pm.close(pos)
	}

	rest := delta.Abs().Sub(closed)
	if rest.Sign() > 0 {
		eff.Flipped = pos.Clone()
		pm.open(pos, timestamp)
		pos.EntryPrice = price
		if delta.Sign() > 0 {
			pos.Size = rest
		} else {
			pos.Size = rest.Neg()
		}
		pos.Version++
		eff.Opened = rest
		eff.Increased = true
	}
	eff.PositionID = pos.ID
	return eff
}

func (pm *PositionManager) open(pos *Position, timestamp int64) {
	pos.ID = uuid.New()
	pos.Active = true
	pos.Size = math.ZeroAmount()
	pos.Locked = math.ZeroUsd()
	pos.RealizedPnL = math.ZeroUsd()
	pos.OpenedAt = timestamp
	pos.LiquidationState = LiquidationStateHealthy
}

func (pm *PositionManager) close(pos *Position) {
	pos.Active = false
	pos.Size = math.ZeroAmount()
	pos.EntryPrice = 0
	pos.Locked = math.ZeroUsd()
}

// AddLocked records margin locked against the account's open position.
func (pm *PositionManager) AddLocked(owner uuid.UUID, amount math.Usd) {
	if amount.Sign() <= 0 {
		return
	}
	pos := pm.GetOrCreatePosition(owner)
	pos.Locked = pos.Locked.Add(amount)
}

// SetLiquidationState moves the position through its liquidation lifecycle.
// Invalid transitions are ignored and reported as false.
func (pm *PositionManager) SetLiquidationState(owner uuid.UUID, next LiquidationState) bool {
	pos := pm.positions[owner]
	if pos == nil || !pos.LiquidationState.CanTransitionTo(next) {
		return false
	}
	pos.LiquidationState = next
	return true
}

// SetPosition directly sets a position (used for snapshot restore)
func (pm *PositionManager) SetPosition(pos *Position) {
	pm.positions[pos.Owner] = pos
}

// ActivePositions returns every open position ordered by owner.
func (pm *PositionManager) ActivePositions() []*Position {
	result := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		if !pos.IsFlat() {
			result = append(result, pos)
		}
	}
	sortByOwner(result)
	return result
}

// GetAllPositions returns all positions, including flat ones, ordered by owner.
func (pm *PositionManager) GetAllPositions() []*Position {
	result := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		result = append(result, pos)
	}
	sortByOwner(result)
	return result
}

// Owners returns every account that has ever held a position, ascending.
func (pm *PositionManager) Owners() []uuid.UUID {
	all := pm.GetAllPositions()
	out := make([]uuid.UUID, len(all))
	for i, p := range all {
		out[i] = p.Owner
	}
	return out
}

func sortByOwner(ps []*Position) {
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].Owner.String() < ps[j].Owner.String()
	})
}
