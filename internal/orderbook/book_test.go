package orderbook_test

import (
	"math/rand"
	"testing"

	"PerpBook/internal/math"
	"PerpBook/internal/orderbook"

	"github.com/google/uuid"
)

func newOrder(b *orderbook.Book, owner uuid.UUID, side orderbook.Side, price, amount string) *orderbook.Order {
	amt := math.MustParseAmount(amount)
	return &orderbook.Order{
		ID:        uuid.New(),
		Owner:     owner,
		Side:      side,
		Kind:      orderbook.KindLimit,
		Price:     math.MustParsePrice(price),
		Original:  amt,
		Remaining: amt,
		Seq:       b.NextSequence(),
	}
}

func mustRest(t *testing.T, b *orderbook.Book, o *orderbook.Order) {
	t.Helper()
	if err := b.Rest(o); err != nil {
		t.Fatalf("rest: %v", err)
	}
}

func mustInvariants(t *testing.T, b *orderbook.Book) {
	t.Helper()
	if err := b.CheckInvariants(); err != nil {
		t.Fatalf("book invariant: %v", err)
	}
}

// ============================================================================
// Test: Matching priority
// ============================================================================

func TestMatch_BestPriceFirst(t *testing.T) {
	b := orderbook.NewBook("ETH-USD-PERP")
	mustRest(t, b, newOrder(b, uuid.New(), orderbook.SideSell, "12", "1"))
	cheap := newOrder(b, uuid.New(), orderbook.SideSell, "10", "1")
	mustRest(t, b, cheap)
	mustRest(t, b, newOrder(b, uuid.New(), orderbook.SideSell, "11", "1"))

	taker := newOrder(b, uuid.New(), orderbook.SideBuy, "12", "1")
	res := b.Match(taker, taker.Price)

	if len(res.Fills) != 1 {
		t.Fatalf("fills: got %d, want 1", len(res.Fills))
	}
	if res.Fills[0].MakerOrderID != cheap.ID {
		t.Errorf("filled %s, want cheapest ask %s", res.Fills[0].MakerOrderID, cheap.ID)
	}
	if res.Fills[0].Price != math.MustParsePrice("10") {
		t.Errorf("price: got %s, want maker price 10", res.Fills[0].Price)
	}
	mustInvariants(t, b)
}

func TestMatch_FIFOWithinLevel(t *testing.T) {
	b := orderbook.NewBook("ETH-USD-PERP")
	first := newOrder(b, uuid.New(), orderbook.SideBuy, "5", "1")
	second := newOrder(b, uuid.New(), orderbook.SideBuy, "5", "1")
	mustRest(t, b, first)
	mustRest(t, b, second)

	taker := newOrder(b, uuid.New(), orderbook.SideSell, "5", "1.5")
	res := b.Match(taker, taker.Price)

	if len(res.Fills) != 2 {
		t.Fatalf("fills: got %d, want 2", len(res.Fills))
	}
	if res.Fills[0].MakerOrderID != first.ID || !res.Fills[0].MakerFilled {
		t.Errorf("first fill should complete the oldest order")
	}
	if res.Fills[1].MakerOrderID != second.ID || res.Fills[1].MakerFilled {
		t.Errorf("second fill should partially fill the newer order")
	}

	d := b.Depth(5)
	if len(d.BidAmounts) != 1 || !d.BidAmounts[0].Equal(math.MustParseAmount("0.5")) {
		t.Errorf("depth after match: %+v", d)
	}
	mustInvariants(t, b)
}

func TestMatch_StopsAtLimit(t *testing.T) {
	b := orderbook.NewBook("ETH-USD-PERP")
	mustRest(t, b, newOrder(b, uuid.New(), orderbook.SideSell, "10", "1"))
	mustRest(t, b, newOrder(b, uuid.New(), orderbook.SideSell, "11", "1"))

	taker := newOrder(b, uuid.New(), orderbook.SideBuy, "10.5", "5")
	res := b.Match(taker, taker.Price)

	if !res.Filled.Equal(math.MustParseAmount("1")) {
		t.Errorf("filled: got %s, want 1", res.Filled)
	}
	if ask, _ := b.BestAsk(); ask != math.MustParsePrice("11") {
		t.Errorf("best ask: got %s, want 11", ask)
	}
	if !taker.Remaining.Equal(math.MustParseAmount("4")) {
		t.Errorf("taker remaining: got %s, want 4", taker.Remaining)
	}
}

// Randomized: every fill must consume the best available price, and among
// equal prices the lowest submission sequence.
func TestMatch_RandomizedPriceTimePriority(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		b := orderbook.NewBook("ETH-USD-PERP")
		resting := map[uuid.UUID]*orderbook.Order{}
		for i := 0; i < 40; i++ {
			price := math.NewPrice(int64(90 + rng.Intn(10)))
			amt := math.NewAmount(int64(1 + rng.Intn(3)))
			o := &orderbook.Order{
				ID: uuid.New(), Owner: uuid.New(), Side: orderbook.SideSell,
				Price: price, Original: amt, Remaining: amt, Seq: b.NextSequence(),
			}
			mustRest(t, b, o)
			resting[o.ID] = o
		}
		mustInvariants(t, b)

		taker := &orderbook.Order{
			ID: uuid.New(), Owner: uuid.New(), Side: orderbook.SideBuy,
			Price: math.NewPrice(100), Original: math.NewAmount(30), Remaining: math.NewAmount(30),
		}
		res := b.Match(taker, taker.Price)

		var lastPrice math.Price
		var lastSeq uint64
		for i, f := range res.Fills {
			o := resting[f.MakerOrderID]
			if i > 0 {
				if f.Price < lastPrice {
					t.Fatalf("round %d: fill %d price %s after %s", round, i, f.Price, lastPrice)
				}
				if f.Price == lastPrice && o.Seq < lastSeq {
					t.Fatalf("round %d: fill %d seq %d after %d at same price", round, i, o.Seq, lastSeq)
				}
			}
			// Nothing older at a better or equal price may remain untouched.
			for _, other := range resting {
				if _, still := b.Order(other.ID); !still || other.ID == o.ID {
					continue
				}
				if other.Price < f.Price || (other.Price == f.Price && other.Seq < o.Seq) {
					t.Fatalf("round %d: order seq %d at %s skipped for seq %d at %s",
						round, other.Seq, other.Price, o.Seq, f.Price)
				}
			}
			lastPrice, lastSeq = f.Price, o.Seq
		}
		mustInvariants(t, b)
	}
}

// Same property from the other side: a sell taker walks resting bids from the
// highest price down, and each fill's reservation slice covers short margin
// at its own price.
func TestMatch_RandomizedSellTakerPriority(t *testing.T) {
	const shortMargin = 1_500_000
	rng := rand.New(rand.NewSource(11))

	for round := 0; round < 50; round++ {
		b := orderbook.NewBook("ETH-USD-PERP")
		resting := map[uuid.UUID]*orderbook.Order{}
		for i := 0; i < 40; i++ {
			price := math.NewPrice(int64(90 + rng.Intn(10)))
			amt := math.NewAmount(int64(1 + rng.Intn(3)))
			o := &orderbook.Order{
				ID: uuid.New(), Owner: uuid.New(), Side: orderbook.SideBuy,
				Price: price, Original: amt, Remaining: amt, Seq: b.NextSequence(),
			}
			mustRest(t, b, o)
			resting[o.ID] = o
		}
		mustInvariants(t, b)

		best, _ := b.BestBid()
		size := math.NewAmount(int64(10 + rng.Intn(30)))
		reserved := math.MarginFor(best, size, shortMargin)
		taker := &orderbook.Order{
			ID: uuid.New(), Owner: uuid.New(), Side: orderbook.SideSell,
			Price: math.NewPrice(90), Original: size, Remaining: size,
			Reserved: reserved, ReservePrice: best, MarginFraction: shortMargin,
		}
		res := b.Match(taker, taker.Price)

		var lastPrice math.Price
		var lastSeq uint64
		taken := math.ZeroUsd()
		for i, f := range res.Fills {
			o := resting[f.MakerOrderID]
			if i > 0 {
				if f.Price > lastPrice {
					t.Fatalf("round %d: fill %d price %s after %s", round, i, f.Price, lastPrice)
				}
				if f.Price == lastPrice && o.Seq < lastSeq {
					t.Fatalf("round %d: fill %d seq %d after %d at same price", round, i, o.Seq, lastSeq)
				}
			}
			for _, other := range resting {
				if _, still := b.Order(other.ID); !still || other.ID == o.ID {
					continue
				}
				if other.Price > f.Price || (other.Price == f.Price && other.Seq < o.Seq) {
					t.Fatalf("round %d: order seq %d at %s skipped for seq %d at %s",
						round, other.Seq, other.Price, o.Seq, f.Price)
				}
			}
			if need := math.MarginFor(f.Price, f.Amount, shortMargin); f.TakerReserved.Cmp(need) < 0 {
				t.Fatalf("round %d: fill %d at %s slice %s below margin %s",
					round, i, f.Price, f.TakerReserved, need)
			}
			taken = taken.Add(f.TakerReserved)
			lastPrice, lastSeq = f.Price, o.Seq
		}
		if !taken.Add(taker.Reserved).Equal(reserved) {
			t.Fatalf("round %d: slices %s + left %s != reserved %s", round, taken, taker.Reserved, reserved)
		}
		if taker.IsFilled() && !taker.Reserved.IsZero() {
			t.Fatalf("round %d: filled taker still holds %s", round, taker.Reserved)
		}
		mustInvariants(t, b)
	}
}

// ============================================================================
// Test: Levels
// ============================================================================

func TestCancel_RemovesEmptyLevel(t *testing.T) {
	b := orderbook.NewBook("ETH-USD-PERP")
	o := newOrder(b, uuid.New(), orderbook.SideBuy, "5", "1")
	mustRest(t, b, o)

	got, ok := b.Cancel(o.ID)
	if !ok || got.ID != o.ID {
		t.Fatalf("cancel failed")
	}
	if _, ok := b.BestBid(); ok {
		t.Error("empty level still present")
	}
	if _, ok := b.Cancel(o.ID); ok {
		t.Error("second cancel should fail")
	}
	mustInvariants(t, b)
}

func TestDepth_BoundedAndOrdered(t *testing.T) {
	b := orderbook.NewBook("ETH-USD-PERP")
	for _, p := range []string{"1", "3", "2", "3"} {
		mustRest(t, b, newOrder(b, uuid.New(), orderbook.SideBuy, p, "1"))
	}
	for _, p := range []string{"6", "4", "5"} {
		mustRest(t, b, newOrder(b, uuid.New(), orderbook.SideSell, p, "2"))
	}

	d := b.Depth(2)
	if len(d.BidPrices) != 2 || d.BidPrices[0] != math.NewPrice(3) || d.BidPrices[1] != math.NewPrice(2) {
		t.Errorf("bids: got %v", d.BidPrices)
	}
	if !d.BidAmounts[0].Equal(math.NewAmount(2)) {
		t.Errorf("aggregate at 3: got %s, want 2", d.BidAmounts[0])
	}
	if len(d.AskPrices) != 2 || d.AskPrices[0] != math.NewPrice(4) || d.AskPrices[1] != math.NewPrice(5) {
		t.Errorf("asks: got %v", d.AskPrices)
	}
}

func TestOrders_ReplayReproducesBook(t *testing.T) {
	b := orderbook.NewBook("ETH-USD-PERP")
	for _, p := range []string{"5", "5", "4"} {
		mustRest(t, b, newOrder(b, uuid.New(), orderbook.SideBuy, p, "1"))
	}
	mustRest(t, b, newOrder(b, uuid.New(), orderbook.SideSell, "7", "1"))

	replayed := orderbook.NewBook("ETH-USD-PERP")
	for _, o := range b.Orders() {
		o := o
		mustRest(t, replayed, &o)
	}
	want, got := b.Orders(), replayed.Orders()
	if len(want) != len(got) {
		t.Fatalf("orders: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if want[i].ID != got[i].ID {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, want[i].ID)
		}
	}
	if replayed.Sequence() != b.Sequence() {
		t.Errorf("sequence: got %d, want %d", replayed.Sequence(), b.Sequence())
	}
}

// ============================================================================
// Test: Reservations and self-trades
// ============================================================================

func TestMatch_ReservationSlicesAreProRata(t *testing.T) {
	b := orderbook.NewBook("ETH-USD-PERP")
	maker := newOrder(b, uuid.New(), orderbook.SideSell, "10", "3")
	maker.Reserved = math.MustParseUsd("45")
	mustRest(t, b, maker)

	taker := newOrder(b, uuid.New(), orderbook.SideBuy, "10", "1")
	taker.Reserved = math.MustParseUsd("10")
	res := b.Match(taker, taker.Price)

	if got := res.Fills[0].MakerReserved; !got.Equal(math.MustParseUsd("15")) {
		t.Errorf("maker slice: got %s, want 15", got)
	}
	if got := res.Fills[0].TakerReserved; !got.Equal(math.MustParseUsd("10")) {
		t.Errorf("taker slice: got %s, want 10", got)
	}
	rest, _ := b.Order(maker.ID)
	if !rest.Reserved.Equal(math.MustParseUsd("30")) {
		t.Errorf("maker remaining reservation: got %s, want 30", rest.Reserved)
	}
}

func TestMatch_MarginSlicesAtReservePrice(t *testing.T) {
	b := orderbook.NewBook("ETH-USD-PERP")
	mustRest(t, b, newOrder(b, uuid.New(), orderbook.SideBuy, "10", "1"))
	mustRest(t, b, newOrder(b, uuid.New(), orderbook.SideBuy, "9", "1"))

	taker := newOrder(b, uuid.New(), orderbook.SideSell, "8", "3")
	taker.Reserved = math.MustParseUsd("45")
	taker.ReservePrice = math.MustParsePrice("10")
	taker.MarginFraction = 1_500_000
	res := b.Match(taker, taker.Price)

	if len(res.Fills) != 2 {
		t.Fatalf("fills: got %d, want 2", len(res.Fills))
	}
	for i, f := range res.Fills {
		if !f.TakerReserved.Equal(math.MustParseUsd("15")) {
			t.Errorf("fill %d at %s: slice %s, want 15", i, f.Price, f.TakerReserved)
		}
	}
	if !taker.Reserved.Equal(math.MustParseUsd("15")) {
		t.Errorf("taker left: got %s, want 15", taker.Reserved)
	}
}

func TestMatch_SelfTradeCancelsResting(t *testing.T) {
	b := orderbook.NewBook("ETH-USD-PERP")
	owner := uuid.New()
	own := newOrder(b, owner, orderbook.SideSell, "10", "1")
	other := newOrder(b, uuid.New(), orderbook.SideSell, "10", "1")
	mustRest(t, b, own)
	mustRest(t, b, other)

	taker := newOrder(b, owner, orderbook.SideBuy, "10", "1")
	res := b.Match(taker, taker.Price)

	if len(res.SelfCancelled) != 1 || res.SelfCancelled[0].ID != own.ID {
		t.Fatalf("self cancelled: %+v", res.SelfCancelled)
	}
	if len(res.Fills) != 1 || res.Fills[0].MakerOrderID != other.ID {
		t.Fatalf("fills: %+v", res.Fills)
	}
	if b.Len() != 0 {
		t.Errorf("book should be empty, has %d", b.Len())
	}
	mustInvariants(t, b)
}
