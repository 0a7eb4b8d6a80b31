package adl

import (
	"fmt"
	"sort"

	"PerpBook/internal/errs"
	"PerpBook/internal/ledger"
	"PerpBook/internal/math"
	"PerpBook/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Request describes a gap loss to recover.
type Request struct {
	LiquidationID     uuid.UUID
	LiquidatedAccount uuid.UUID
	Gap               math.Usd
	Reference         math.Price
	Timestamp         int64
}

// Candidate is a profitable position ranked for reduction.
type Candidate struct {
	Position *state.Position
	Upnl     math.Usd
	Score    math.Usd
}

// Socializer recovers gap losses from profitable positions of the same
// market. It mutates positions and collateral directly and must run under
// the market lock.
type Socializer struct {
	marketID   string
	positions  *state.PositionManager
	collateral *ledger.CollateralLedger
	logger     zerolog.Logger
}

func NewSocializer(marketID string, positions *state.PositionManager, collateral *ledger.CollateralLedger, logger zerolog.Logger) *Socializer {
	return &Socializer{
		marketID:   marketID,
		positions:  positions,
		collateral: collateral,
		logger:     logger,
	}
}

// Rank returns every active position other than exclude with positive
// unrealized PnL at ref, by descending upnl * |size|, ties by ascending
// account id.
func (s *Socializer) Rank(ref math.Price, exclude uuid.UUID) []Candidate {
	var out []Candidate
	for _, pos := range s.positions.ActivePositions() {
		if pos.Owner == exclude {
			continue
		}
		upnl := pos.UnrealizedPnL(ref)
		if upnl.Sign() <= 0 {
			continue
		}
		out = append(out, Candidate{Position: pos, Upnl: upnl, Score: upnl.MulAmount(pos.Size.Abs())})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Score.Cmp(out[j].Score); c != 0 {
			return c > 0
		}
		return out[i].Position.Owner.String() < out[j].Position.Owner.String()
	})
	return out
}

// Socialize runs the recovery sequence for req:
//
//  1. reduce ranked profitable positions at the reference price, keeping a
//     haircut of each reduced part's profit in the settlement pool;
//  2. confiscate available collateral of the reduced accounts, in the same
//     order;
//  3. write what is left off as bad debt.
//
// The returned error wraps errs.ErrSocializationDeficit when step 3 was
// needed; the event is complete either way.
func (s *Socializer) Socialize(req Request) (*Event, error) {
	if req.Gap.Sign() <= 0 {
		return nil, fmt.Errorf("%w: gap must be > 0, got %s", errs.ErrInvalidInput, req.Gap)
	}

	ev := &Event{
		ID:                uuid.New(),
		MarketID:          s.marketID,
		LiquidationID:     req.LiquidationID,
		LiquidatedAccount: req.LiquidatedAccount,
		ReferencePrice:    req.Reference,
		TotalLoss:         req.Gap,
		Timestamp:         req.Timestamp,
	}
	remaining := req.Gap
	addStep := func(st Step) {
		st.Ordinal = len(ev.Steps) + 1
		st.Remaining = remaining
		ev.Steps = append(ev.Steps, st)
	}

	var reduced []uuid.UUID
	for _, c := range s.Rank(req.Reference, req.LiquidatedAccount) {
		if remaining.Sign() <= 0 {
			break
		}
		pos := c.Position
		units := math.UnitsForValue(remaining, pos.Size, c.Upnl)
		if units.IsZero() {
			continue
		}
		positionID := pos.ID
		owner := pos.Owner

		delta := units
		if pos.IsLong() {
			delta = units.Neg()
		}
		eff := s.positions.ApplyFill(owner, delta, req.Reference, req.Timestamp)

		haircut := math.MinUsd(math.MaxUsd(eff.Realized, math.ZeroUsd()), remaining)
		if p := s.positions.GetPosition(owner); p != nil {
			p.RealizedPnL = p.RealizedPnL.Sub(haircut)
		}
		s.collateral.ReleaseLocked(owner, eff.Released)
		s.collateral.SettleProfit(owner, eff.Realized.Sub(haircut))

		remaining = remaining.Sub(haircut)
		ev.CoveredByReduction = ev.CoveredByReduction.Add(haircut)
		ev.Affected = append(ev.Affected, Affected{
			Account:     owner,
			PositionID:  positionID,
			SizeReduced: units,
			Haircut:     haircut,
		})
		reduced = append(reduced, owner)
		addStep(Step{
			Kind:        StepPositionReduced,
			Account:     owner,
			PositionID:  positionID,
			Score:       c.Score,
			SizeReduced: units,
			Amount:      haircut,
		})

		s.logger.Info().
			Str("market", s.marketID).
			Str("account", owner.String()).
			Str("position_id", positionID.String()).
			Str("size_reduced", units.String()).
			Str("haircut", haircut.String()).
			Str("remaining", remaining.String()).
			Msg("position reduced by ADL")
	}

	for _, owner := range reduced {
		if remaining.Sign() <= 0 {
			break
		}
		taken := s.collateral.Confiscate(owner, remaining)
		if taken.Sign() <= 0 {
			continue
		}
		remaining = remaining.Sub(taken)
		ev.CoveredByConfiscation = ev.CoveredByConfiscation.Add(taken)
		addStep(Step{
			Kind:    StepCollateralConfiscated,
			Account: owner,
			Amount:  taken,
		})
	}

	ev.Status = StatusCompleted
	if remaining.Sign() > 0 {
		s.collateral.WriteOffBadDebt(remaining)
		ev.Uncovered = remaining
		ev.Status = StatusFailed
		addStep(Step{
			Kind:   StepBadDebt,
			Amount: remaining,
		})
		s.logger.Error().
			Str("market", s.marketID).
			Str("socialization_id", ev.ID.String()).
			Str("gap", req.Gap.String()).
			Str("bad_debt", remaining.String()).
			Msg("socialization deficit")
		return ev, fmt.Errorf("%w: %s of %s uncovered", errs.ErrSocializationDeficit, remaining, req.Gap)
	}
	return ev, nil
}
