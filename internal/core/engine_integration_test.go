package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PerpBook/internal/core"
	"PerpBook/internal/custody"
	"PerpBook/internal/errs"
	"PerpBook/internal/event"
	"PerpBook/internal/liquidation"
	"PerpBook/internal/math"
	"PerpBook/internal/orderbook"
	"PerpBook/internal/pricefeed"
	"PerpBook/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const testMarket = "ETH-USD-PERP"

// --- Test helpers ---

func amt(s string) math.Amount { return math.MustParseAmount(s) }
func px(s string) math.Price   { return math.MustParsePrice(s) }
func usd(s string) math.Usd    { return math.MustParseUsd(s) }

type memCursors struct {
	mu      sync.Mutex
	cursors map[string]int
}

func (m *memCursors) LoadCursor(ctx context.Context, marketID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[marketID]
	return c, ok, nil
}

func (m *memCursors) SaveCursor(ctx context.Context, marketID string, cursor int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[marketID] = cursor
	return nil
}

type harness struct {
	t         *testing.T
	engine    *core.Engine
	prices    *pricefeed.Store
	custodian *custody.Memory
	cursors   *memCursors
	persist   chan core.Output
	keeper    uuid.UUID
	priceSeq  int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		prices:    pricefeed.NewStore(0),
		custodian: custody.NewMemory(),
		cursors:   &memCursors{cursors: make(map[string]int)},
		persist:   make(chan core.Output, 4096),
		keeper:    uuid.New(),
	}
	clock := func() time.Time { return time.UnixMicro(1_700_000_000_000_000) }
	e, err := core.NewEngine(core.Config{
		MarketID: testMarket,
		Risk:     state.DefaultRiskParams(testMarket),
		Keeper:   h.keeper,
	}, core.Deps{
		Prices:    h.prices,
		Custodian: h.custodian,
		Cursors:   h.cursors,
		Logger:    zerolog.Nop(),
		Clock:     clock,
		Persist:   h.persist,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	h.engine = e
	return h
}

func (h *harness) setPrice(p string) {
	h.t.Helper()
	h.priceSeq++
	if _, err := h.prices.Update(testMarket, px(p), h.priceSeq, h.priceSeq); err != nil {
		h.t.Fatalf("price update: %v", err)
	}
}

func (h *harness) deposit(account uuid.UUID, amount string) {
	h.t.Helper()
	if err := h.engine.Deposit(context.Background(), account, usd(amount)); err != nil {
		h.t.Fatalf("deposit: %v", err)
	}
}

func (h *harness) limit(account uuid.UUID, side orderbook.Side, price, amount string) uuid.UUID {
	h.t.Helper()
	id, err := h.engine.PlaceLimitOrder(context.Background(), account, side, px(price), amt(amount))
	if err != nil {
		h.t.Fatalf("limit %s %s @ %s: %v", side, amount, price, err)
	}
	return id
}

func (h *harness) entry(account uuid.UUID, avail, reserved, locked string) {
	h.t.Helper()
	got := h.engine.Snapshot().Accounts[account]
	if !got.Available.Equal(usd(avail)) {
		h.t.Errorf("available: got %s, want %s", got.Available, avail)
	}
	if !got.Reserved.Equal(usd(reserved)) {
		h.t.Errorf("reserved: got %s, want %s", got.Reserved, reserved)
	}
	if !got.Locked.Equal(usd(locked)) {
		h.t.Errorf("locked: got %s, want %s", got.Locked, locked)
	}
}

func (h *harness) position(account uuid.UUID) *state.Position {
	h.t.Helper()
	pos := h.engine.Snapshot().Positions[account]
	if pos == nil {
		h.t.Fatalf("no position for %s", account)
	}
	return pos
}

func drainOutputs(ch chan core.Output) []core.Output {
	var outputs []core.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func typesOf(outputs []core.Output) map[event.EventType]int {
	counts := make(map[event.EventType]int)
	for _, o := range outputs {
		counts[o.Envelope.EventType]++
	}
	return counts
}

// ============================================================================
// Test: Order placement and margin
// ============================================================================

func TestLimitOrders_MatchLocksExactMargin(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")

	h.limit(a, orderbook.SideBuy, "5", "1")
	h.entry(a, "995", "5", "0")

	h.limit(b, orderbook.SideSell, "5", "1")

	pa, pb := h.position(a), h.position(b)
	if !pa.Size.Equal(amt("1")) || pa.EntryPrice != px("5") {
		t.Errorf("A position: got %s @ %s, want 1 @ 5", pa.Size, pa.EntryPrice)
	}
	if !pb.Size.Equal(amt("-1")) || pb.EntryPrice != px("5") {
		t.Errorf("B position: got %s @ %s, want -1 @ 5", pb.Size, pb.EntryPrice)
	}
	h.entry(a, "995", "0", "5")
	h.entry(b, "992.5", "0", "7.5")

	if depth := h.engine.Depth(10); len(depth.BidPrices) != 0 || len(depth.AskPrices) != 0 {
		t.Errorf("book should be empty, got %+v", depth)
	}

	outputs := drainOutputs(h.persist)
	counts := typesOf(outputs)
	if counts[event.EventTypeTradeExecuted] != 1 {
		t.Errorf("trades: got %d, want 1", counts[event.EventTypeTradeExecuted])
	}
	var trade event.Trade
	for _, o := range outputs {
		if o.Envelope.EventType == event.EventTypeTradeExecuted {
			if err := o.Envelope.Decode(&trade); err != nil {
				t.Fatalf("decode trade: %v", err)
			}
		}
	}
	if trade.Buyer != a || trade.Seller != b || trade.TakerSide != "sell" || !trade.BuyerMarginTrade {
		t.Errorf("trade: %+v", trade)
	}
}

func TestLimitOrder_BetterPriceReleasesExcessReservation(t *testing.T) {
	h := newHarness(t)
	maker, taker := uuid.New(), uuid.New()
	h.deposit(maker, "100")
	h.deposit(taker, "100")

	h.limit(maker, orderbook.SideSell, "4", "1")
	h.limit(taker, orderbook.SideBuy, "5", "1")

	// Executes at the maker's 4: lock 4, release the extra 1 reserved at 5.
	h.entry(taker, "96", "0", "4")
	h.entry(maker, "94", "0", "6")
}

func TestLimitOrder_InsufficientCollateral_NoMutation(t *testing.T) {
	h := newHarness(t)
	a := uuid.New()
	h.deposit(a, "10")
	before := h.engine.GetSequence()

	_, err := h.engine.PlaceLimitOrder(context.Background(), a, orderbook.SideSell, px("10"), amt("1"))
	if !errors.Is(err, errs.ErrInsufficientCollateral) {
		t.Fatalf("got %v, want ErrInsufficientCollateral", err)
	}
	if got := h.engine.GetSequence(); got != before {
		t.Errorf("sequence moved from %d to %d", before, got)
	}
	h.entry(a, "10", "0", "0")
}

func TestLimitOrder_RejectsNonPositive(t *testing.T) {
	h := newHarness(t)
	a := uuid.New()
	h.deposit(a, "10")

	if _, err := h.engine.PlaceLimitOrder(context.Background(), a, orderbook.SideBuy, 0, amt("1")); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("zero price: got %v", err)
	}
	if _, err := h.engine.PlaceLimitOrder(context.Background(), a, orderbook.SideBuy, px("1"), amt("0")); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("zero amount: got %v", err)
	}
}

func TestCancelOrder_OwnershipAndRelease(t *testing.T) {
	h := newHarness(t)
	a, other := uuid.New(), uuid.New()
	h.deposit(a, "100")
	id := h.limit(a, orderbook.SideBuy, "10", "2")
	h.entry(a, "80", "20", "0")

	ctx := context.Background()
	if err := h.engine.CancelOrder(ctx, a, uuid.New()); !errors.Is(err, errs.ErrOrderNotFound) {
		t.Errorf("unknown id: got %v", err)
	}
	if err := h.engine.CancelOrder(ctx, other, id); !errors.Is(err, errs.ErrNotOwner) {
		t.Errorf("other owner: got %v", err)
	}
	if err := h.engine.CancelOrder(ctx, a, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.entry(a, "100", "0", "0")
	if err := h.engine.CancelOrder(ctx, a, id); !errors.Is(err, errs.ErrOrderNotFound) {
		t.Errorf("second cancel: got %v", err)
	}
}

// ============================================================================
// Test: Market orders and slippage
// ============================================================================

func TestMarketOrder_StopsAtSlippageBound(t *testing.T) {
	h := newHarness(t)
	maker, taker := uuid.New(), uuid.New()
	h.deposit(maker, "1000")
	h.deposit(taker, "1000")
	h.limit(maker, orderbook.SideSell, "100", "1")
	h.limit(maker, orderbook.SideSell, "101", "1")
	h.limit(maker, orderbook.SideSell, "103", "1")

	// 200 bps over 100 bounds the buy at 102.
	filled, err := h.engine.PlaceMarketOrder(context.Background(), taker, orderbook.SideBuy, amt("3"), 200)
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if !filled.Equal(amt("2")) {
		t.Errorf("filled: got %s, want 2", filled)
	}

	depth := h.engine.Depth(10)
	if len(depth.BidPrices) != 0 {
		t.Errorf("market remainder must not rest, bids %v", depth.BidPrices)
	}
	if len(depth.AskPrices) != 1 || depth.AskPrices[0] != px("103") {
		t.Errorf("asks: got %v, want [103]", depth.AskPrices)
	}

	pos := h.position(taker)
	if !pos.Size.Equal(amt("2")) || pos.EntryPrice != px("100.5") {
		t.Errorf("taker position: %s @ %s", pos.Size, pos.EntryPrice)
	}
	h.entry(taker, "799", "0", "201")
	if counts := typesOf(drainOutputs(h.persist)); counts[event.EventTypeOrderCancelled] != 1 {
		t.Errorf("expected the remainder to be cancelled once, got %d", counts[event.EventTypeOrderCancelled])
	}
}

func TestMarketOrder_NoLiquidity(t *testing.T) {
	h := newHarness(t)
	a := uuid.New()
	h.deposit(a, "100")
	before := h.engine.GetSequence()

	_, err := h.engine.PlaceMarketOrder(context.Background(), a, orderbook.SideBuy, amt("1"), 100)
	if !errors.Is(err, errs.ErrNoLiquidity) {
		t.Fatalf("got %v, want ErrNoLiquidity", err)
	}
	if h.engine.GetSequence() != before {
		t.Error("empty book rejection must not emit")
	}
}

func TestMarketOrder_NothingWithinBound(t *testing.T) {
	h := newHarness(t)
	maker, taker := uuid.New(), uuid.New()
	h.deposit(maker, "1000")
	h.deposit(taker, "1000")
	h.limit(maker, orderbook.SideSell, "100", "1")
	h.limit(maker, orderbook.SideSell, "110", "1")

	// Only self-owned liquidity inside the bound: it is cancelled, not traded.
	h.limit(taker, orderbook.SideSell, "99", "1")
	h.entry(taker, "851.5", "148.5", "0")

	_, err := h.engine.PlaceMarketOrder(context.Background(), taker, orderbook.SideBuy, amt("1"), 0)
	if !errors.Is(err, errs.ErrNoLiquidity) {
		t.Fatalf("got %v, want ErrNoLiquidity", err)
	}
	h.entry(taker, "1000", "0", "0")
	if p, ok := h.engine.Snapshot().Positions[taker]; ok && !p.IsFlat() {
		t.Error("taker should hold no position")
	}
}

// ============================================================================
// Test: Liquidation
// ============================================================================

// openShort leaves trader short 1 @ 1.0 with 1.5 locked.
func openShort(h *harness, trader uuid.UUID) {
	h.t.Helper()
	long := uuid.New()
	h.deposit(long, "100")
	h.deposit(trader, "10")
	h.limit(long, orderbook.SideBuy, "1", "1")
	h.limit(trader, orderbook.SideSell, "1", "1")
}

func TestCheckAndLiquidate_ShortThreshold(t *testing.T) {
	h := newHarness(t)
	trader, liquidator, maker := uuid.New(), uuid.New(), uuid.New()
	openShort(h, trader)
	h.deposit(maker, "100")
	h.limit(maker, orderbook.SideSell, "2.28", "1")
	posID := h.position(trader).ID

	ctx := context.Background()
	h.setPrice("2.2727")
	if _, err := h.engine.CheckAndLiquidate(ctx, liquidator, trader, posID); !errors.Is(err, errs.ErrPositionNotLiquidatable) {
		t.Fatalf("below threshold: got %v, want ErrPositionNotLiquidatable", err)
	}

	h.setPrice("2.2728")
	out, err := h.engine.CheckAndLiquidate(ctx, liquidator, trader, posID)
	if err != nil {
		t.Fatalf("above threshold: %v", err)
	}
	if out.Status != liquidation.StatusExecuted || out.Method != liquidation.MethodDirect {
		t.Errorf("outcome: %s/%s", out.Status, out.Method)
	}
	if !out.Closed.Equal(amt("1")) || out.ExecutionPrice != px("2.28") {
		t.Errorf("closed %s @ %s, want 1 @ 2.28", out.Closed, out.ExecutionPrice)
	}
	if out.TriggerPrice != px("2.272727") {
		t.Errorf("trigger: got %s, want 2.272727", out.TriggerPrice)
	}
	// released 1.5 - loss 1.28 leaves 0.22; penalty 5% of 1.5
	if !out.Penalty.Equal(usd("0.075")) {
		t.Errorf("penalty: got %s, want 0.075", out.Penalty)
	}
	if !h.position(trader).IsFlat() {
		t.Error("trader position should be closed")
	}
	h.entry(trader, "8.645", "0", "0")
	h.entry(liquidator, "0.075", "0", "0")

	if _, err := h.engine.CheckAndLiquidate(ctx, liquidator, trader, posID); !errors.Is(err, errs.ErrPositionNotFound) {
		t.Errorf("closed position: got %v, want ErrPositionNotFound", err)
	}
}

func TestCheckAndLiquidate_UnknownPosition(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	openShort(h, trader)

	_, err := h.engine.CheckAndLiquidate(context.Background(), uuid.Nil, trader, uuid.New())
	if !errors.Is(err, errs.ErrPositionNotFound) {
		t.Fatalf("got %v, want ErrPositionNotFound", err)
	}
}

func TestCheckAndLiquidate_RefusesWithoutPrice(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	openShort(h, trader)

	_, err := h.engine.CheckAndLiquidate(context.Background(), uuid.Nil, trader, h.position(trader).ID)
	if !errors.Is(err, errs.ErrPriceUnavailable) {
		t.Fatalf("got %v, want ErrPriceUnavailable", err)
	}
}

func TestLiquidation_NoLiquidityIsRetriedBySweep(t *testing.T) {
	h := newHarness(t)
	trader, maker := uuid.New(), uuid.New()
	openShort(h, trader)
	h.setPrice("3")

	out, err := h.engine.CheckAndLiquidate(context.Background(), uuid.Nil, trader, h.position(trader).ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if out.Status != liquidation.StatusFailed {
		t.Fatalf("status: got %s, want failed", out.Status)
	}
	if h.position(trader).IsFlat() {
		t.Fatal("position must stay open when nothing fills")
	}

	h.deposit(maker, "100")
	h.limit(maker, orderbook.SideSell, "3", "1")

	res, err := h.engine.RunLiquidationSweep(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Executed != 1 || res.Requeued < 1 {
		t.Errorf("sweep: %+v", res)
	}
	if !h.position(trader).IsFlat() {
		t.Error("retried liquidation should close the position")
	}
}

func TestSweep_RoundRobinCursorPersisted(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		openShort(h, uuid.New())
	}
	h.setPrice("1")

	ctx := context.Background()
	res, err := h.engine.RunLiquidationSweep(ctx, 4)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// three shorts and three longs are tracked
	if res.Tracked != 6 || res.Start != 0 || res.End != 4 {
		t.Errorf("first sweep: %+v", res)
	}
	res, err = h.engine.RunLiquidationSweep(ctx, 4)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Start != 4 || res.End != 2 {
		t.Errorf("second sweep: start %d end %d, want 4 and 2", res.Start, res.End)
	}
	if c, ok, _ := h.cursors.LoadCursor(ctx, testMarket); !ok || c != 2 {
		t.Errorf("persisted cursor: got %d (%v), want 2", c, ok)
	}
}

func TestSweep_StalePriceLiquidatesNothing(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	openShort(h, trader)

	_, err := h.engine.RunLiquidationSweep(context.Background(), 10)
	if !errors.Is(err, errs.ErrPriceUnavailable) {
		t.Fatalf("got %v, want ErrPriceUnavailable", err)
	}
	if h.position(trader).IsFlat() {
		t.Error("nothing may be liquidated without a price")
	}
}

// ============================================================================
// Test: Gap loss and ADL
// ============================================================================

func TestLiquidation_GapLossSocialized(t *testing.T) {
	h := newHarness(t)
	trader, a, m := uuid.New(), uuid.New(), uuid.New()
	h.deposit(a, "100")
	h.deposit(trader, "70")
	h.deposit(m, "300")

	// Trader short 1 @ 40 with 60 locked and 10 available; A long 1 @ 40.
	h.limit(a, orderbook.SideBuy, "40", "1")
	h.limit(trader, orderbook.SideSell, "40", "1")
	// The only liquidity is far away: closing at 140 loses 100.
	h.limit(m, orderbook.SideSell, "140", "1")
	drainOutputs(h.persist)

	h.setPrice("100")
	out, err := h.engine.CheckAndLiquidate(context.Background(), uuid.Nil, trader, h.position(trader).ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if out.Method != liquidation.MethodSocialized || out.Deficit {
		t.Errorf("method %s deficit %v", out.Method, out.Deficit)
	}
	if !out.GapLoss.Equal(usd("30")) {
		t.Errorf("gap: got %s, want 30", out.GapLoss)
	}
	if !out.Penalty.IsZero() {
		t.Errorf("penalty with a gap: got %s, want 0", out.Penalty)
	}
	if out.SocializationID == nil {
		t.Fatal("socialization id missing")
	}

	pa := h.position(a)
	if !pa.Size.Equal(amt("0.5")) || !pa.Locked.Equal(usd("20")) {
		t.Errorf("A after ADL: %s locked %s", pa.Size, pa.Locked)
	}
	h.entry(a, "80", "0", "20")
	h.entry(trader, "0", "0", "0")
	if sys := h.engine.Snapshot().System; !sys.BadDebt.IsZero() {
		t.Errorf("bad debt: got %s, want 0", sys.BadDebt)
	}

	outputs := drainOutputs(h.persist)
	counts := typesOf(outputs)
	for _, et := range []event.EventType{
		event.EventTypeLiquidationTriggered,
		event.EventTypeSocializationStarted,
		event.EventTypePositionReduced,
		event.EventTypeSocializationCompleted,
		event.EventTypeLiquidationExecuted,
	} {
		if counts[et] != 1 {
			t.Errorf("%s: got %d, want 1", et, counts[et])
		}
	}
}

// ============================================================================
// Test: Deposits and withdrawals
// ============================================================================

func TestWithdraw_InsufficientCollateral(t *testing.T) {
	h := newHarness(t)
	a := uuid.New()
	h.deposit(a, "10")
	h.limit(a, orderbook.SideBuy, "8", "1")

	err := h.engine.Withdraw(context.Background(), a, usd("3"))
	if !errors.Is(err, errs.ErrInsufficientCollateral) {
		t.Fatalf("got %v, want ErrInsufficientCollateral", err)
	}
	if err := h.engine.Withdraw(context.Background(), a, usd("2")); err != nil {
		t.Fatalf("withdraw 2: %v", err)
	}
	h.entry(a, "0", "8", "0")
}

func TestWithdraw_CustodyFailureCreditsBack(t *testing.T) {
	h := newHarness(t)
	a := uuid.New()
	h.deposit(a, "10")
	h.custodian.FailNext(custody.DirectionWithdrawal, errors.New("bank offline"))

	if err := h.engine.Withdraw(context.Background(), a, usd("4")); err == nil {
		t.Fatal("expected custody error")
	}
	h.entry(a, "10", "0", "0")

	var reversal event.FundsMoved
	for _, o := range drainOutputs(h.persist) {
		if o.Envelope.EventType == event.EventTypeDeposit {
			_ = o.Envelope.Decode(&reversal)
		}
	}
	if !reversal.Reversal {
		t.Error("last deposit notification should be the reversal")
	}
}

func TestDeposit_CustodyFailureCreditsNothing(t *testing.T) {
	h := newHarness(t)
	a := uuid.New()
	h.custodian.FailNext(custody.DirectionDeposit, errors.New("unconfirmed"))

	if err := h.engine.Deposit(context.Background(), a, usd("10")); err == nil {
		t.Fatal("expected custody error")
	}
	if _, ok := h.engine.Snapshot().Accounts[a]; ok {
		t.Error("account must not be credited")
	}
}

// ============================================================================
// Test: Notification chain, snapshots
// ============================================================================

func TestNotifications_FormVerifiableChain(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")
	h.limit(a, orderbook.SideBuy, "5", "2")
	h.limit(b, orderbook.SideSell, "5", "1")

	outputs := drainOutputs(h.persist)
	envs := make([]*event.Envelope, len(outputs))
	journals := 0
	for i, o := range outputs {
		envs[i] = o.Envelope
		if o.Batch != nil {
			journals += len(o.Batch.Journals)
		}
	}
	res := event.Verify(event.GenesisHash(testMarket), envs)
	if !res.Valid || res.Checked != len(envs) {
		t.Fatalf("chain: %+v", res)
	}
	tip := h.engine.GetChainTip()
	if envs[len(envs)-1].Hash != tip {
		t.Error("last envelope hash should be the chain tip")
	}
	if journals == 0 {
		t.Error("journals should ride on the outputs")
	}
}

func TestSnapshot_RestoreReproducesMarket(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "1000")
	h.deposit(b, "1000")
	h.limit(a, orderbook.SideBuy, "5", "3")
	h.limit(a, orderbook.SideBuy, "4", "1")
	h.limit(b, orderbook.SideSell, "5", "1")

	snap := h.engine.CreateSnapshotState()

	h2 := newHarness(t)
	if err := h2.engine.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if h2.engine.GetSequence() != h.engine.GetSequence() || h2.engine.GetChainTip() != h.engine.GetChainTip() {
		t.Error("sequence and chain tip must carry over")
	}
	d1, d2 := h.engine.Depth(5), h2.engine.Depth(5)
	if len(d1.BidPrices) != len(d2.BidPrices) || d2.BidPrices[0] != px("5") || !d2.BidAmounts[0].Equal(amt("2")) {
		t.Errorf("depth: got %+v, want %+v", d2, d1)
	}
	h2.entry(a, "981", "14", "5")

	// The restored book keeps matching in FIFO order.
	h2.limit(b, orderbook.SideSell, "4", "3")
	if !h2.position(a).Size.Equal(amt("4")) {
		t.Errorf("A size after restore: got %s, want 4", h2.position(a).Size)
	}
}

func TestSnapshot_RejectsTamperedDigest(t *testing.T) {
	h := newHarness(t)
	a := uuid.New()
	h.deposit(a, "1000")
	snap := h.engine.CreateSnapshotState()
	snap.Ledger.Accounts[0].Available = usd("2000")

	if err := newHarness(t).engine.RestoreFromSnapshot(snap); err == nil {
		t.Fatal("expected digest mismatch")
	}
}

func TestPosition_View(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	openShort(h, trader)
	id := h.position(trader).ID

	v, err := h.engine.Position(trader, id)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if v.UnrealizedPnL != nil {
		t.Error("no reference price: unrealized must be absent")
	}
	if v.LiquidationPrice != px("2.272727") {
		t.Errorf("liquidation price: got %s", v.LiquidationPrice)
	}

	h.setPrice("2")
	v, _ = h.engine.Position(trader, id)
	if v.UnrealizedPnL == nil || !v.UnrealizedPnL.Equal(usd("-1")) {
		t.Errorf("unrealized: got %v, want -1", v.UnrealizedPnL)
	}
	if _, err := h.engine.Position(trader, uuid.New()); !errors.Is(err, errs.ErrPositionNotFound) {
		t.Errorf("wrong id: got %v", err)
	}
}

// ============================================================================
// Test: Taker sells and short margin
// ============================================================================

func TestMarketSell_LocksShortMarginAtFillPrice(t *testing.T) {
	h := newHarness(t)
	buyer, seller := uuid.New(), uuid.New()
	h.deposit(buyer, "100")
	h.deposit(seller, "1")
	h.limit(buyer, orderbook.SideBuy, "1", "1")

	// A 5000 bps bound reaches 0.5, but the only fill is at 1.0 and a short
	// there needs 1.5.
	_, err := h.engine.PlaceMarketOrder(context.Background(), seller, orderbook.SideSell, amt("1"), 5000)
	if !errors.Is(err, errs.ErrInsufficientCollateral) {
		t.Fatalf("got %v, want ErrInsufficientCollateral", err)
	}
	if p, ok := h.engine.Snapshot().Positions[seller]; ok && !p.IsFlat() {
		t.Error("rejected order must not open a position")
	}
	h.entry(seller, "1", "0", "0")

	h.deposit(seller, "0.5")
	filled, err := h.engine.PlaceMarketOrder(context.Background(), seller, orderbook.SideSell, amt("1"), 5000)
	if err != nil {
		t.Fatalf("market sell: %v", err)
	}
	if !filled.Equal(amt("1")) {
		t.Errorf("filled: got %s, want 1", filled)
	}
	pos := h.position(seller)
	if !pos.Size.Equal(amt("-1")) || pos.EntryPrice != px("1") {
		t.Errorf("position: %s @ %s, want -1 @ 1", pos.Size, pos.EntryPrice)
	}
	if !pos.Locked.Equal(usd("1.5")) {
		t.Errorf("position locked: got %s, want 1.5", pos.Locked)
	}
	h.entry(seller, "0", "0", "1.5")
}

func TestMarketSell_WalksBidsAndReleasesExcess(t *testing.T) {
	h := newHarness(t)
	buyer, seller := uuid.New(), uuid.New()
	h.deposit(buyer, "100")
	h.deposit(seller, "30")
	h.limit(buyer, orderbook.SideBuy, "10", "1")
	h.limit(buyer, orderbook.SideBuy, "9", "1")

	filled, err := h.engine.PlaceMarketOrder(context.Background(), seller, orderbook.SideSell, amt("2"), 1000)
	if err != nil {
		t.Fatalf("market sell: %v", err)
	}
	if !filled.Equal(amt("2")) {
		t.Errorf("filled: got %s, want 2", filled)
	}
	// 1.5 x (10 + 9) locked, the rest of the 30 reserved at 10 returns.
	h.entry(seller, "1.5", "0", "28.5")
	if pos := h.position(seller); !pos.Locked.Equal(usd("28.5")) || pos.EntryPrice != px("9.5") {
		t.Errorf("position: locked %s entry %s", pos.Locked, pos.EntryPrice)
	}
}

func TestLimitSell_FillAtBetterBidLocksFullMargin(t *testing.T) {
	h := newHarness(t)
	buyer, seller := uuid.New(), uuid.New()
	h.deposit(buyer, "100")
	h.deposit(seller, "1.5")
	h.limit(buyer, orderbook.SideBuy, "2", "1")

	// Margin at the limit would be 1.5, but the sell executes at 2.
	_, err := h.engine.PlaceLimitOrder(context.Background(), seller, orderbook.SideSell, px("1"), amt("1"))
	if !errors.Is(err, errs.ErrInsufficientCollateral) {
		t.Fatalf("got %v, want ErrInsufficientCollateral", err)
	}
	h.entry(seller, "1.5", "0", "0")

	h.deposit(seller, "1.5")
	h.limit(seller, orderbook.SideSell, "1", "1")
	pos := h.position(seller)
	if !pos.Size.Equal(amt("-1")) || pos.EntryPrice != px("2") {
		t.Fatalf("position: %s @ %s, want -1 @ 2", pos.Size, pos.EntryPrice)
	}
	h.entry(seller, "0", "0", "3")

	// 2 x 2.5 / 1.1
	v, err := h.engine.Position(seller, pos.ID)
	if err != nil {
		t.Fatalf("position view: %v", err)
	}
	if v.LiquidationPrice != px("4.545454") {
		t.Errorf("liquidation price: got %s, want 4.545454", v.LiquidationPrice)
	}

	h.setPrice("3.5")
	if v, _ = h.engine.Position(seller, pos.ID); v.Liquidatable {
		t.Error("view liquidatable well below the liquidation price")
	}
	if _, err := h.engine.CheckAndLiquidate(context.Background(), uuid.Nil, seller, pos.ID); !errors.Is(err, errs.ErrPositionNotLiquidatable) {
		t.Errorf("at 3.5: got %v, want ErrPositionNotLiquidatable", err)
	}

	h.setPrice("4.5")
	if v, _ = h.engine.Position(seller, pos.ID); v.Liquidatable {
		t.Error("liquidatable at 4.5, below 4.545454")
	}
	h.setPrice("4.55")
	if v, _ = h.engine.Position(seller, pos.ID); !v.Liquidatable {
		t.Error("not liquidatable at 4.55, above 4.545454")
	}
}

func TestLimitSell_RestingRemainderTrimmedToOwnLimit(t *testing.T) {
	h := newHarness(t)
	bidder, seller, buyer := uuid.New(), uuid.New(), uuid.New()
	h.deposit(bidder, "100")
	h.deposit(seller, "100")
	h.deposit(buyer, "10")
	h.limit(bidder, orderbook.SideBuy, "2", "1")

	// Reserved 1.5 x 2 x 3 = 9 up front. One fills at 2 (locks 3) and the
	// two resting at 1 keep 3.
	h.limit(seller, orderbook.SideSell, "1", "3")
	h.entry(seller, "94", "3", "3")

	h.limit(buyer, orderbook.SideBuy, "1", "2")
	h.entry(seller, "94", "0", "6")
	h.entry(buyer, "8", "0", "2")
	if pos := h.position(seller); !pos.Size.Equal(amt("-3")) || !pos.Locked.Equal(usd("6")) {
		t.Errorf("seller position: %s locked %s", pos.Size, pos.Locked)
	}
}

func TestFlip_ReportsClosedPositionRealizedPnL(t *testing.T) {
	h := newHarness(t)
	a, maker, bidder := uuid.New(), uuid.New(), uuid.New()
	h.deposit(a, "100")
	h.deposit(maker, "100")
	h.deposit(bidder, "100")
	h.limit(maker, orderbook.SideSell, "10", "1")
	h.limit(a, orderbook.SideBuy, "10", "1")
	oldID := h.position(a).ID
	h.limit(bidder, orderbook.SideBuy, "12", "3")
	drainOutputs(h.persist)

	h.limit(a, orderbook.SideSell, "12", "3")

	var updates []event.PositionUpdated
	for _, o := range drainOutputs(h.persist) {
		if o.Envelope.EventType != event.EventTypePositionUpdated {
			continue
		}
		var u event.PositionUpdated
		if err := o.Envelope.Decode(&u); err != nil {
			t.Fatalf("decode position update: %v", err)
		}
		if u.Account == a {
			updates = append(updates, u)
		}
	}
	if len(updates) != 2 {
		t.Fatalf("position updates for a: got %d, want 2", len(updates))
	}
	closed, opened := updates[0], updates[1]
	if closed.PositionID != oldID || closed.Active || !closed.Size.IsZero() {
		t.Errorf("closed: %+v", closed)
	}
	if !closed.RealizedPnL.Equal(usd("2")) {
		t.Errorf("closed realized: got %s, want 2", closed.RealizedPnL)
	}
	if opened.PositionID == oldID || !opened.Active || !opened.Size.Equal(amt("-2")) {
		t.Errorf("opened: %+v", opened)
	}
	if !opened.RealizedPnL.IsZero() {
		t.Errorf("opened realized: got %s, want 0", opened.RealizedPnL)
	}

	// 90 - 54 reserved at 12, then 18 excess + 10 released + 2 profit back.
	h.entry(a, "66", "0", "36")
}

// ============================================================================
// Test: Action bookkeeping
// ============================================================================

func TestCheckAndLiquidate_DropsFinishedActions(t *testing.T) {
	h := newHarness(t)
	trader, liquidator, maker := uuid.New(), uuid.New(), uuid.New()
	openShort(h, trader)
	ctx := context.Background()

	// Nothing to buy from: the attempt fails.
	h.setPrice("3")
	out, err := h.engine.CheckAndLiquidate(ctx, liquidator, trader, h.position(trader).ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if out.Status != liquidation.StatusFailed {
		t.Fatalf("status: got %s, want failed", out.Status)
	}
	if n := h.engine.TrackedActions(); n != 0 {
		t.Errorf("after failed liquidation: %d actions tracked, want 0", n)
	}

	h.deposit(maker, "100")
	h.limit(maker, orderbook.SideSell, "2.28", "1")
	h.setPrice("2.2728")
	out, err = h.engine.CheckAndLiquidate(ctx, liquidator, trader, h.position(trader).ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if out.Status != liquidation.StatusExecuted {
		t.Fatalf("status: got %s, want executed", out.Status)
	}
	if n := h.engine.TrackedActions(); n != 0 {
		t.Errorf("after executed liquidation: %d actions tracked, want 0", n)
	}
}

// ============================================================================
// Test: Checkpoints
// ============================================================================

func TestCheckpoint_RidesOnLastOutputOfOperation(t *testing.T) {
	h := newHarness(t)
	a, b := uuid.New(), uuid.New()
	h.deposit(a, "100")
	h.deposit(b, "100")
	h.limit(a, orderbook.SideBuy, "10", "2")
	drainOutputs(h.persist)

	h.limit(b, orderbook.SideSell, "10", "1")
	outputs := drainOutputs(h.persist)
	if len(outputs) < 2 {
		t.Fatalf("outputs: got %d, want a multi-notification operation", len(outputs))
	}
	for i, o := range outputs[:len(outputs)-1] {
		if o.Checkpoint != nil {
			t.Errorf("output %d (%s) carries a checkpoint mid-operation", i, o.Envelope.EventType)
		}
	}
	last := outputs[len(outputs)-1]
	if last.Checkpoint == nil {
		t.Fatal("last output has no checkpoint")
	}
	if last.Checkpoint.Sequence != last.Envelope.Sequence || last.Checkpoint.Sequence != h.engine.GetSequence() {
		t.Errorf("checkpoint sequence %d, last notification %d, engine %d",
			last.Checkpoint.Sequence, last.Envelope.Sequence, h.engine.GetSequence())
	}

	restored := newHarness(t)
	if err := restored.engine.RestoreFromSnapshot(last.Checkpoint); err != nil {
		t.Fatalf("restore: %v", err)
	}
	restored.entry(a, "80", "10", "10")
	restored.entry(b, "85", "0", "15")
	if restored.engine.GetChainTip() != h.engine.GetChainTip() {
		t.Error("restored chain tip differs")
	}
}
