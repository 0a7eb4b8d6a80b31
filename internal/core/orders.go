package core

import (
	"context"
	"fmt"

	"PerpBook/internal/errs"
	"PerpBook/internal/event"
	"PerpBook/internal/math"
	"PerpBook/internal/orderbook"
	"PerpBook/internal/state"

	"github.com/google/uuid"
)

// gapLoss is a realized loss an account could not pay, waiting for ADL.
type gapLoss struct {
	account uuid.UUID
	amount  math.Usd
	price   math.Price
}

// matchOutcome aggregates the settlement of one Match call.
type matchOutcome struct {
	gaps     []gapLoss
	released math.Usd // taker's locked margin freed by closing fills
	realized math.Usd // taker's realized PnL across fills
	vwap     math.Price
}

// PlaceLimitOrder reserves margin for the whole order, matches it against
// the opposite ladder while prices cross and rests any remainder.
func (e *Engine) PlaceLimitOrder(ctx context.Context, account uuid.UUID, side orderbook.Side, price math.Price, amount math.Amount) (uuid.UUID, error) {
	if err := validateOrder(account, amount); err != nil {
		e.rejected(orderbook.KindLimit, "invalid")
		return uuid.Nil, err
	}
	if price <= 0 {
		e.rejected(orderbook.KindLimit, "invalid")
		return uuid.Nil, fmt.Errorf("%w: price must be > 0, got %s", errs.ErrInvalidInput, price)
	}

	orderID := uuid.New()
	started := e.begin(orderID.String())
	defer e.commit("place_limit", started)

	ts := e.now()
	reserveAt := e.worstFillPrice(side, price)
	required := e.margin.RequiredMargin(side == orderbook.SideBuy, reserveAt, amount)
	if err := e.collateral.Reserve(account, required); err != nil {
		e.rejected(orderbook.KindLimit, "insufficient_collateral")
		return uuid.Nil, fmt.Errorf("limit %s %s @ %s: %w", side, amount, price, err)
	}

	order := &orderbook.Order{
		ID:             orderID,
		Owner:          account,
		Side:           side,
		Kind:           orderbook.KindLimit,
		Price:          price,
		Original:       amount,
		Remaining:      amount,
		Reserved:       required,
		CreatedAt:      ts,
		Seq:            e.book.NextSequence(),
		ReservePrice:   reserveAt,
		MarginFraction: e.margin.Params().MarginFraction(side == orderbook.SideBuy),
	}
	e.emitPlaced(order, ts)

	res := e.book.Match(order, price)
	out := e.settleMatch(order, res, ts)

	if !order.IsFilled() {
		e.trimReservation(order)
		if err := e.book.Rest(order); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: rest %s: %v", order.ID, err))
		}
	}
	if res.Filled.Sign() > 0 {
		e.emit(event.EventTypeOrderMatched, order.ID.String(), ts, event.OrderMatched{
			OrderID:   order.ID,
			Account:   account,
			Filled:    res.Filled,
			Remaining: order.Remaining,
			Resting:   !order.IsFilled(),
		})
	}

	e.logger.Debug().
		Str("order_id", order.ID.String()).
		Str("account", account.String()).
		Str("side", side.String()).
		Str("price", price.String()).
		Str("amount", amount.String()).
		Str("filled", res.Filled.String()).
		Msg("limit order placed")

	e.afterMatch(out, len(res.Fills) > 0, ts)
	return order.ID, nil
}

// PlaceMarketOrder matches within maxSlippageBps of the best opposite price
// and cancels whatever cannot fill inside that bound. It returns the filled
// amount; a zero fill is ErrNoLiquidity.
func (e *Engine) PlaceMarketOrder(ctx context.Context, account uuid.UUID, side orderbook.Side, amount math.Amount, maxSlippageBps int64) (math.Amount, error) {
	if err := validateOrder(account, amount); err != nil {
		e.rejected(orderbook.KindMarket, "invalid")
		return math.ZeroAmount(), err
	}
	if maxSlippageBps < 0 {
		e.rejected(orderbook.KindMarket, "invalid")
		return math.ZeroAmount(), fmt.Errorf("%w: slippage must be >= 0, got %d", errs.ErrInvalidInput, maxSlippageBps)
	}

	orderID := uuid.New()
	started := e.begin(orderID.String())
	defer e.commit("place_market", started)

	ts := e.now()
	best, ok := e.book.BestOpposite(side)
	if !ok {
		e.rejected(orderbook.KindMarket, "no_liquidity")
		return math.ZeroAmount(), fmt.Errorf("%w: no resting %s orders", errs.ErrNoLiquidity, side.Opposite())
	}
	bound := best.WithSlippage(maxSlippageBps, side == orderbook.SideBuy)
	if bound <= 0 {
		e.rejected(orderbook.KindMarket, "invalid")
		return math.ZeroAmount(), fmt.Errorf("%w: slippage %d bps leaves no price bound", errs.ErrInvalidInput, maxSlippageBps)
	}

	reserveAt := e.worstFillPrice(side, bound)
	required := e.margin.RequiredMargin(side == orderbook.SideBuy, reserveAt, amount)
	if err := e.collateral.Reserve(account, required); err != nil {
		e.rejected(orderbook.KindMarket, "insufficient_collateral")
		return math.ZeroAmount(), fmt.Errorf("market %s %s within %s: %w", side, amount, bound, err)
	}

	order := &orderbook.Order{
		ID:             orderID,
		Owner:          account,
		Side:           side,
		Kind:           orderbook.KindMarket,
		Price:          bound,
		Original:       amount,
		Remaining:      amount,
		Reserved:       required,
		CreatedAt:      ts,
		Seq:            e.book.NextSequence(),
		ReservePrice:   reserveAt,
		MarginFraction: e.margin.Params().MarginFraction(side == orderbook.SideBuy),
	}
	e.emitPlaced(order, ts)

	res := e.book.Match(order, bound)
	out := e.settleMatch(order, res, ts)

	if res.Filled.Sign() > 0 {
		e.emit(event.EventTypeOrderMatched, order.ID.String(), ts, event.OrderMatched{
			OrderID:   order.ID,
			Account:   account,
			Filled:    res.Filled,
			Remaining: order.Remaining,
		})
	}
	if !order.IsFilled() {
		e.cancelRemainder(order, event.CancelUnfilled, ts)
	}

	e.logger.Debug().
		Str("order_id", order.ID.String()).
		Str("account", account.String()).
		Str("side", side.String()).
		Str("bound", bound.String()).
		Str("amount", amount.String()).
		Str("filled", res.Filled.String()).
		Msg("market order executed")

	e.afterMatch(out, len(res.Fills) > 0, ts)

	if res.Filled.IsZero() {
		return math.ZeroAmount(), fmt.Errorf("%w: nothing fillable within %s", errs.ErrNoLiquidity, bound)
	}
	return res.Filled, nil
}

// CancelOrder removes a resting order of account and releases its
// reservation.
func (e *Engine) CancelOrder(ctx context.Context, account, orderID uuid.UUID) error {
	started := e.begin(orderID.String())
	defer e.commit("cancel", started)

	o, ok := e.book.Order(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrOrderNotFound, orderID)
	}
	if o.Owner != account {
		return fmt.Errorf("%w: order %s", errs.ErrNotOwner, orderID)
	}
	o, _ = e.book.Cancel(orderID)
	e.releaseCancelled(o, event.CancelByOwner, e.now())
	return nil
}

// worstFillPrice is the fill price with the largest margin requirement for a
// taker bounded by limit. Buys fill at or below their limit. Sells fill from
// the best bid down to their limit, and short margin grows with price.
func (e *Engine) worstFillPrice(side orderbook.Side, limit math.Price) math.Price {
	if side == orderbook.SideSell {
		if bid, ok := e.book.BestBid(); ok && bid > limit {
			return bid
		}
	}
	return limit
}

// trimReservation cuts a remainder about to rest back to the margin at its
// own limit price, the only price it can fill at as a maker.
func (e *Engine) trimReservation(o *orderbook.Order) {
	need := e.margin.RequiredMargin(o.Side == orderbook.SideBuy, o.Price, o.Remaining)
	if excess := o.Reserved.Sub(need); excess.Sign() > 0 {
		e.collateral.ReleaseReserved(o.Owner, excess)
		o.Reserved = need
	}
	o.ReservePrice = o.Price
}

func validateOrder(account uuid.UUID, amount math.Amount) error {
	if account == uuid.Nil {
		return fmt.Errorf("%w: account is required", errs.ErrInvalidInput)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0, got %s", errs.ErrInvalidInput, amount)
	}
	return nil
}

func (e *Engine) rejected(kind orderbook.OrderKind, reason string) {
	if e.metrics != nil {
		e.metrics.OrdersRejected.WithLabelValues(kind.String(), reason).Inc()
	}
}

func (e *Engine) emitPlaced(o *orderbook.Order, ts int64) {
	e.emit(event.EventTypeOrderPlaced, o.ID.String(), ts, event.OrderPlaced{
		OrderID:  o.ID,
		Account:  o.Owner,
		Side:     o.Side.String(),
		Kind:     o.Kind.String(),
		Price:    o.Price,
		Amount:   o.Original,
		Reserved: o.Reserved,
		Seq:      o.Seq,
	})
	if e.metrics != nil {
		e.metrics.OrdersPlaced.WithLabelValues(o.Kind.String(), o.Side.String()).Inc()
	}
}

// cancelRemainder releases what is left of an order that never rests.
func (e *Engine) cancelRemainder(o *orderbook.Order, reason string, ts int64) {
	e.releaseCancelled(o.View(), reason, ts)
	o.Reserved = math.ZeroUsd()
}

func (e *Engine) releaseCancelled(o orderbook.Order, reason string, ts int64) {
	e.collateral.ReleaseReserved(o.Owner, o.Reserved)
	e.emit(event.EventTypeOrderCancelled, o.ID.String(), ts, event.OrderCancelled{
		OrderID:   o.ID,
		Account:   o.Owner,
		Remaining: o.Remaining,
		Released:  o.Reserved,
		Reason:    reason,
	})
	if e.metrics != nil {
		e.metrics.OrdersCancelled.WithLabelValues(reason).Inc()
	}
}

// settleMatch books every fill of res: positions, margin, PnL and fees on
// both sides, one Trade notification per fill. Both accounts are queued for
// liquidation evaluation.
func (e *Engine) settleMatch(taker *orderbook.Order, res orderbook.MatchResult, ts int64) matchOutcome {
	var out matchOutcome
	for _, o := range res.SelfCancelled {
		e.releaseCancelled(o, event.CancelSelfTrade, ts)
	}

	filled := math.ZeroAmount()
	for _, f := range res.Fills {
		notional := math.Notional(f.Price, f.Amount)
		takerSide := e.settleSide(taker.Owner, taker.Side, f.Price, f.Amount, f.TakerReserved, false, ts)
		makerSide := e.settleSide(f.MakerOwner, f.MakerSide, f.Price, f.Amount, f.MakerReserved, true, ts)

		out.released = out.released.Add(takerSide.released)
		out.realized = out.realized.Add(takerSide.realized)
		out.vwap = math.ComputeAvgEntryPrice(filled, out.vwap, f.Amount, f.Price)
		filled = filled.Add(f.Amount)
		for _, s := range []sideSettlement{takerSide, makerSide} {
			if s.shortfall.Sign() > 0 {
				out.gaps = append(out.gaps, gapLoss{account: s.account, amount: s.shortfall, price: f.Price})
			}
		}

		trade := event.Trade{
			TradeID:     uuid.New(),
			MarketID:    e.marketID,
			Price:       f.Price,
			Amount:      f.Amount,
			Notional:    notional,
			TakerSide:   taker.Side.String(),
			Liquidation: taker.Kind == orderbook.KindLiquidation,
			Timestamp:   ts,
		}
		buy, sell := takerSide, makerSide
		trade.BuyOrderID, trade.SellOrderID = taker.ID, f.MakerOrderID
		if taker.Side == orderbook.SideSell {
			buy, sell = makerSide, takerSide
			trade.BuyOrderID, trade.SellOrderID = f.MakerOrderID, taker.ID
		}
		trade.Buyer, trade.BuyerFee, trade.BuyerMarginTrade = buy.account, buy.fee, buy.increased
		trade.Seller, trade.SellerFee, trade.SellerMarginTrade = sell.account, sell.fee, sell.increased

		e.emit(event.EventTypeTradeExecuted, trade.TradeID.String(), ts, trade)
		// A flip reports the closed position before the reopened one.
		e.emitPositionState(takerSide.flipped, causeFor(taker.Kind), ts)
		e.emitPosition(taker.Owner, causeFor(taker.Kind), ts)
		e.emitPositionState(makerSide.flipped, "trade", ts)
		e.emitPosition(f.MakerOwner, "trade", ts)
		if f.MakerFilled {
			e.emit(event.EventTypeOrderMatched, f.MakerOrderID.String(), ts, event.OrderMatched{
				OrderID: f.MakerOrderID,
				Account: f.MakerOwner,
				Filled:  f.Amount,
			})
		}

		e.liq.Enqueue(taker.Owner)
		e.liq.Enqueue(f.MakerOwner)

		if e.metrics != nil {
			e.metrics.Trades.Inc()
			e.metrics.TradeVolume.Add(notional.Float64())
		}
	}
	return out
}

func causeFor(kind orderbook.OrderKind) string {
	if kind == orderbook.KindLiquidation {
		return "liquidation"
	}
	return "trade"
}

// sideSettlement is what one fill did to one account.
type sideSettlement struct {
	account   uuid.UUID
	fee       math.Usd
	released  math.Usd
	realized  math.Usd
	shortfall math.Usd
	increased bool
	flipped   *state.Position
}

// settleSide applies one side of a fill. The opening part is locked at the
// initial margin of the execution price out of the reservation slice; the
// rest of the slice returns to available. A slice never falls short for
// orders sized by worstFillPrice; older resting orders top up from
// available.
func (e *Engine) settleSide(account uuid.UUID, side orderbook.Side, price math.Price, amount math.Amount, slice math.Usd, maker bool, ts int64) sideSettlement {
	delta := amount
	if side == orderbook.SideSell {
		delta = amount.Neg()
	}
	eff := e.positions.ApplyFill(account, delta, price, ts)
	s := sideSettlement{
		account:   account,
		released:  eff.Released,
		realized:  eff.Realized,
		increased: eff.Increased,
		flipped:   eff.Flipped,
	}

	required := math.ZeroUsd()
	if eff.Opened.Sign() > 0 {
		required = e.margin.RequiredMargin(side == orderbook.SideBuy, price, eff.Opened)
	}
	fromSlice := math.MinUsd(required, slice)
	e.collateral.ReleaseReserved(account, slice.Sub(fromSlice))
	e.collateral.ReleaseLocked(account, eff.Released)

	switch {
	case eff.Realized.Sign() > 0:
		e.collateral.SettleProfit(account, eff.Realized)
	case eff.Realized.Sign() < 0:
		s.shortfall = e.collateral.SettleLoss(account, eff.Realized.Neg())
	}

	if eff.Opened.Sign() > 0 {
		e.collateral.LockReserved(account, fromSlice)
		lockedAmt := fromSlice
		if missing := required.Sub(fromSlice); missing.Sign() > 0 {
			topUp := math.MinUsd(missing, math.MaxUsd(e.collateral.Available(account), math.ZeroUsd()))
			if topUp.Sign() > 0 {
				if err := e.collateral.Reserve(account, topUp); err == nil {
					e.collateral.LockReserved(account, topUp)
					lockedAmt = lockedAmt.Add(topUp)
				}
			}
			if lockedAmt.Cmp(required) < 0 {
				e.logger.Error().
					Str("account", account.String()).
					Str("required", required.String()).
					Str("locked", lockedAmt.String()).
					Msg("fill opened below initial margin")
			}
		}
		e.positions.AddLocked(account, lockedAmt)
	}

	s.fee = e.collateral.ChargeFee(account, e.margin.FeeFor(math.Notional(price, amount), maker))
	return s
}

func (e *Engine) emitPosition(account uuid.UUID, cause string, ts int64) {
	e.emitPositionState(e.positions.GetPosition(account), cause, ts)
}

func (e *Engine) emitPositionState(pos *state.Position, cause string, ts int64) {
	if pos == nil {
		return
	}
	e.emit(event.EventTypePositionUpdated, pos.ID.String(), ts, event.PositionUpdated{
		PositionID:  pos.ID,
		Account:     pos.Owner,
		Size:        pos.Size,
		EntryPrice:  pos.EntryPrice,
		Locked:      pos.Locked,
		RealizedPnL: pos.RealizedPnL,
		Active:      !pos.IsFlat(),
		Cause:       cause,
	})
}

// afterMatch hands unpaid losses to ADL and, when the operation traded, runs
// one liquidation pass over the queued accounts.
func (e *Engine) afterMatch(out matchOutcome, traded bool, ts int64) {
	for _, g := range out.gaps {
		ref, err := e.prices.Reference(e.marketID)
		if err != nil {
			ref = g.price
		}
		e.socialize(uuid.Nil, g.account, g.amount, ref, ts)
	}
	if traded {
		e.drain(ts)
	}
}
