package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpBook/internal/adl"
	"PerpBook/internal/errs"
	"PerpBook/internal/event"
	"PerpBook/internal/liquidation"
	"PerpBook/internal/math"
	"PerpBook/internal/orderbook"
	"PerpBook/internal/state"

	"github.com/google/uuid"
)

// CheckAndLiquidate liquidates one position on request of liquidator, who
// receives the penalty. uuid.Nil means the keeper.
func (e *Engine) CheckAndLiquidate(ctx context.Context, liquidator, account, positionID uuid.UUID) (liquidation.Outcome, error) {
	started := e.begin(positionID.String())
	defer e.commit("check_and_liquidate", started)

	pos := e.positions.GetPosition(account)
	if pos == nil || pos.IsFlat() || pos.ID != positionID {
		return liquidation.Outcome{}, fmt.Errorf("%w: account %s position %s", errs.ErrPositionNotFound, account, positionID)
	}
	if liquidator == uuid.Nil {
		liquidator = e.keeper
	}

	ts := e.now()
	out, err := e.liq.RunSingle(account, e.evaluator(liquidator, ts))
	e.actions.CleanupTerminal(ts + 1)
	if err != nil {
		return liquidation.Outcome{}, err
	}
	return *out, nil
}

// RunLiquidationSweep evaluates queued accounts and then the next window of
// batchSize tracked accounts. The cursor is persisted once the market lock
// is released.
func (e *Engine) RunLiquidationSweep(ctx context.Context, batchSize int) (liquidation.SweepOutcome, error) {
	res, cursor, err := e.sweep(batchSize)
	if err != nil {
		return res, err
	}
	if e.cursors != nil {
		if err := e.cursors.SaveCursor(ctx, e.marketID, cursor); err != nil {
			return res, fmt.Errorf("save sweep cursor: %w", err)
		}
	}
	return res, nil
}

func (e *Engine) sweep(batchSize int) (liquidation.SweepOutcome, int, error) {
	started := e.begin("sweep")
	defer e.commit("sweep", started)

	ts := e.now()
	tracked := make([]uuid.UUID, 0)
	for _, pos := range e.positions.ActivePositions() {
		tracked = append(tracked, pos.Owner)
	}

	res, err := e.liq.Sweep(tracked, batchSize, e.evaluator(e.keeper, ts))
	e.actions.CleanupTerminal(ts + 1)

	if e.metrics != nil {
		e.metrics.SweepDuration.Observe(time.Since(started).Seconds())
		e.metrics.SweepBatchSize.Observe(float64(res.Scanned + res.Requeued))
	}
	if err != nil {
		e.logger.Warn().Err(err).Int("tracked", len(tracked)).Msg("liquidation sweep stopped")
		return res, e.liq.Cursor(), err
	}
	return res, e.liq.Cursor(), nil
}

// RestoreCursor loads the persisted sweep cursor, if any.
func (e *Engine) RestoreCursor(ctx context.Context) error {
	if e.cursors == nil {
		return nil
	}
	cursor, ok, err := e.cursors.LoadCursor(ctx, e.marketID)
	if err != nil {
		return fmt.Errorf("load sweep cursor: %w", err)
	}
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.liq.SetCursor(cursor)
	return nil
}

// drain runs one liquidation pass over the accounts queued by the
// operation's trades.
func (e *Engine) drain(ts int64) {
	outcomes, err := e.liq.Drain(e.evaluator(e.keeper, ts))
	if err != nil {
		e.logger.Warn().Err(err).Msg("liquidation pass deferred to next sweep")
	}
	if len(outcomes) > 0 {
		e.actions.CleanupTerminal(ts + 1)
	}
}

// evaluator checks one account at the current reference price and
// liquidates it when its equity is below maintenance.
func (e *Engine) evaluator(liquidator uuid.UUID, ts int64) liquidation.Evaluator {
	return func(account uuid.UUID) (*liquidation.Outcome, error) {
		pos := e.positions.GetPosition(account)
		if pos == nil || pos.IsFlat() {
			return nil, fmt.Errorf("%w: account %s", errs.ErrPositionNotFound, account)
		}
		ref, err := e.prices.Reference(e.marketID)
		if err != nil {
			return nil, err
		}
		if !e.margin.IsLiquidatable(pos, ref) {
			return nil, fmt.Errorf("%w: account %s equity %s >= maintenance %s at %s",
				errs.ErrPositionNotLiquidatable, account, pos.Equity(ref), e.margin.MaintenanceRequirement(pos, ref), ref)
		}
		return e.liquidate(pos, liquidator, ref, ts)
	}
}

// liquidate closes pos with a market order bounded by the liquidation
// slippage, pays the penalty out of what the closing fills left over and
// hands any gap loss to ADL.
func (e *Engine) liquidate(pos *state.Position, liquidator uuid.UUID, ref math.Price, ts int64) (*liquidation.Outcome, error) {
	action, err := e.actions.Trigger(pos, ts)
	if err != nil {
		return nil, fmt.Errorf("trigger liquidation of %s: %w", pos.Owner, err)
	}
	account := pos.Owner
	e.positions.SetLiquidationState(account, state.LiquidationStateInLiquidation)

	out := &liquidation.Outcome{
		LiquidationID:  action.ActionID,
		MarketID:       e.marketID,
		Account:        account,
		PositionID:     pos.ID,
		Liquidator:     liquidator,
		TriggerPrice:   e.margin.LiquidationPrice(pos),
		ReferencePrice: ref,
		Method:         liquidation.MethodDirect,
		Timestamp:      ts,
	}
	ref0 := out.LiquidationID.String()
	lockedAtTrigger := pos.Locked

	e.emit(event.EventTypeLiquidationTriggered, ref0, ts, event.LiquidationTriggered{
		LiquidationID:  out.LiquidationID,
		Account:        account,
		PositionID:     pos.ID,
		Liquidator:     liquidator,
		Size:           pos.Size,
		Locked:         pos.Locked,
		Equity:         pos.Equity(ref),
		Maintenance:    e.margin.MaintenanceRequirement(pos, ref),
		TriggerPrice:   out.TriggerPrice,
		ReferencePrice: ref,
	})
	if e.metrics != nil {
		e.metrics.LiquidationTriggered.Inc()
	}

	for _, o := range e.book.OrdersOf(account) {
		cancelled, _ := e.book.Cancel(o.ID)
		e.releaseCancelled(cancelled, event.CancelLiquidation, ts)
	}

	size := pos.Size.Abs()
	side := orderbook.SideSell
	if pos.Size.Sign() < 0 {
		side = orderbook.SideBuy
	}

	var filled math.Amount
	var settled matchOutcome
	if best, ok := e.book.BestOpposite(side); ok {
		bound := best.WithSlippage(e.margin.Params().LiquidationSlippageBps, side == orderbook.SideBuy)
		closing := &orderbook.Order{
			ID:        action.ActionID,
			Owner:     account,
			Side:      side,
			Kind:      orderbook.KindLiquidation,
			Price:     bound,
			Original:  size,
			Remaining: size,
			CreatedAt: ts,
			Seq:       e.book.NextSequence(),
		}
		res := e.book.Match(closing, bound)
		settled = e.settleMatch(closing, res, ts)
		filled = res.Filled
		if !closing.IsFilled() {
			e.cancelRemainder(closing, event.CancelUnfilled, ts)
		}
	}

	if filled.IsZero() {
		if err := e.actions.Fail(action.ActionID); err != nil {
			return nil, err
		}
		e.positions.SetLiquidationState(account, state.LiquidationStateHealthy)
		out.Status = liquidation.StatusFailed
		out.Remaining = size
		e.emit(event.EventTypeLiquidationFailed, ref0, ts, out)
		if e.metrics != nil {
			e.metrics.LiquidationFailed.Inc()
		}
		e.logger.Warn().
			Str("liquidation_id", ref0).
			Str("account", account.String()).
			Str("size", size.String()).
			Msg("liquidation found no liquidity")
		return out, nil
	}

	if err := e.actions.ProcessFill(action.ActionID, filled); err != nil {
		return nil, err
	}
	out.Status = liquidation.StatusExecuted
	out.Closed = filled
	out.Remaining = size.Sub(filled)
	out.ExecutionPrice = settled.vwap

	gap := math.ZeroUsd()
	for _, g := range settled.gaps {
		if g.account == account {
			gap = gap.Add(g.amount)
		} else {
			e.socialize(uuid.Nil, g.account, g.amount, ref, ts)
		}
	}
	out.GapLoss = gap

	if gap.IsZero() && liquidator != uuid.Nil && liquidator != account {
		loss := math.MaxUsd(settled.realized.Neg(), math.ZeroUsd())
		leftover := math.MaxUsd(settled.released.Sub(loss), math.ZeroUsd())
		penalty := math.MinUsd(e.margin.LiquidationPenalty(lockedAtTrigger), leftover)
		out.Penalty = e.collateral.PayPenalty(account, liquidator, penalty)
	}

	adlAction, err := e.actions.Complete(action.ActionID, gap)
	if err != nil {
		return nil, err
	}
	if adlAction != nil {
		out.Method = liquidation.MethodSocialized
		ev, serr := e.socialize(out.LiquidationID, account, gap, ref, ts)
		if ev != nil {
			id := ev.ID
			out.SocializationID = &id
			out.BadDebt = ev.Uncovered
		}
		out.Deficit = errors.Is(serr, errs.ErrSocializationDeficit)
		e.actions.Resolve(adlAction.ActionID)
	}

	switch {
	case !out.Remaining.IsZero():
		e.positions.SetLiquidationState(account, state.LiquidationStateHealthy)
	case gap.Sign() > 0:
		e.positions.SetLiquidationState(account, state.LiquidationStateBankrupt)
	default:
		e.positions.SetLiquidationState(account, state.LiquidationStateClosed)
	}
	e.emitPosition(account, "liquidation", ts)
	e.emit(event.EventTypeLiquidationExecuted, ref0, ts, out)
	if e.metrics != nil {
		e.metrics.LiquidationExecuted.WithLabelValues(string(out.Method)).Inc()
	}

	e.logger.Info().
		Str("liquidation_id", ref0).
		Str("account", account.String()).
		Str("position_id", out.PositionID.String()).
		Str("closed", out.Closed.String()).
		Str("execution_price", out.ExecutionPrice.String()).
		Str("penalty", out.Penalty.String()).
		Str("gap", gap.String()).
		Str("method", string(out.Method)).
		Msg("liquidation executed")
	return out, nil
}

// socialize runs ADL for a gap loss and emits its notifications. It returns
// the event and, when bad debt remained, an error wrapping
// errs.ErrSocializationDeficit.
func (e *Engine) socialize(liquidationID, account uuid.UUID, gap math.Usd, ref math.Price, ts int64) (*adl.Event, error) {
	ev, err := e.socializer.Socialize(adl.Request{
		LiquidationID:     liquidationID,
		LiquidatedAccount: account,
		Gap:               gap,
		Reference:         ref,
		Timestamp:         ts,
	})
	if ev == nil {
		e.logger.Error().Err(err).Str("account", account.String()).Msg("socialization rejected")
		return nil, err
	}

	ref0 := ev.ID.String()
	e.emit(event.EventTypeSocializationStarted, ref0, ts, event.SocializationStarted{
		SocializationID:   ev.ID,
		LiquidationID:     liquidationID,
		LiquidatedAccount: account,
		Gap:               gap,
		ReferencePrice:    ref,
	})
	for _, st := range ev.Steps {
		payload := event.SocializationStep{
			SocializationID: ev.ID,
			Ordinal:         st.Ordinal,
			Account:         st.Account,
			PositionID:      st.PositionID,
			Score:           st.Score,
			SizeReduced:     st.SizeReduced,
			Amount:          st.Amount,
			Remaining:       st.Remaining,
		}
		switch st.Kind {
		case adl.StepPositionReduced:
			e.emit(event.EventTypePositionReduced, ref0, ts, payload)
			e.emitPosition(st.Account, "adl", ts)
		case adl.StepCollateralConfiscated:
			e.emit(event.EventTypeCollateralConfiscated, ref0, ts, payload)
		}
	}

	if e.metrics != nil {
		e.metrics.SocializationRuns.WithLabelValues(string(ev.Status)).Inc()
		e.metrics.SocializationRecovered.WithLabelValues("reduction").Add(ev.CoveredByReduction.Float64())
		e.metrics.SocializationRecovered.WithLabelValues("confiscation").Add(ev.CoveredByConfiscation.Float64())
		e.metrics.SocializationDeficit.Add(ev.Uncovered.Float64())
	}

	if err != nil {
		e.emit(event.EventTypeSocializationFailed, ref0, ts, ev)
		return ev, err
	}
	e.emit(event.EventTypeSocializationCompleted, ref0, ts, ev)
	return ev, nil
}
