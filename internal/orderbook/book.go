package orderbook

import (
	"fmt"
	"sort"

	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// Fill is one match between the incoming order and a resting order. Trades
// always execute at the resting order's price.
type Fill struct {
	MakerOrderID  uuid.UUID
	MakerOwner    uuid.UUID
	MakerSide     Side
	Price         math.Price
	Amount        math.Amount
	MakerReserved math.Usd // maker's reservation slice consumed by this fill
	TakerReserved math.Usd // taker's reservation slice consumed by this fill
	MakerFilled   bool
}

// MatchResult is everything one Match call did to the book.
type MatchResult struct {
	Fills []Fill
	// SelfCancelled holds resting orders of the taker's own account that the
	// taker reached. They are removed instead of traded against.
	SelfCancelled []Order
	Filled        math.Amount
}

// Depth is a bounded view of the top of both ladders.
type Depth struct {
	BidPrices  []math.Price  `json:"bid_prices"`
	BidAmounts []math.Amount `json:"bid_amounts"`
	AskPrices  []math.Price  `json:"ask_prices"`
	AskAmounts []math.Amount `json:"ask_amounts"`
}

// Book is a price-time priority limit order book for one market. It is not
// safe for concurrent use; the market engine serializes access.
type Book struct {
	marketID string
	bids     *ladder
	asks     *ladder
	orders   map[uuid.UUID]*Order
	seq      uint64
}

func NewBook(marketID string) *Book {
	return &Book{
		marketID: marketID,
		bids:     newLadder(SideBuy),
		asks:     newLadder(SideSell),
		orders:   make(map[uuid.UUID]*Order),
	}
}

func (b *Book) MarketID() string { return b.marketID }

// NextSequence returns the submission sequence for a new order.
func (b *Book) NextSequence() uint64 {
	b.seq++
	return b.seq
}

func (b *Book) ladder(side Side) *ladder {
	if side == SideBuy {
		return b.bids
	}
	return b.asks
}

// BestBid returns the highest resting buy price.
func (b *Book) BestBid() (math.Price, bool) {
	lvl, ok := b.bids.best()
	if !ok {
		return 0, false
	}
	return lvl.price, true
}

// BestAsk returns the lowest resting sell price.
func (b *Book) BestAsk() (math.Price, bool) {
	lvl, ok := b.asks.best()
	if !ok {
		return 0, false
	}
	return lvl.price, true
}

// BestOpposite returns the top of the ladder an order on side would hit.
func (b *Book) BestOpposite(side Side) (math.Price, bool) {
	if side == SideBuy {
		return b.BestAsk()
	}
	return b.BestBid()
}

// Match trades taker against the opposite ladder while resting prices are
// within limit (at or below it for buys, at or above it for sells). Resting
// orders are consumed best price first, oldest first. The taker is never
// added to the book here; the caller decides whether a remainder rests.
func (b *Book) Match(taker *Order, limit math.Price) MatchResult {
	var res MatchResult
	opp := b.ladder(taker.Side.Opposite())
	probe := Order{Side: taker.Side, Price: limit}

	for !taker.IsFilled() {
		lvl, ok := opp.best()
		if !ok || !probe.Crosses(lvl.price) {
			break
		}
		for !taker.IsFilled() {
			maker := lvl.front()
			if maker == nil {
				break
			}
			if maker.Owner == taker.Owner {
				res.SelfCancelled = append(res.SelfCancelled, maker.View())
				b.unlink(maker)
				continue
			}

			amount := math.MinAmount(taker.Remaining, maker.Remaining)
			lvl.total = lvl.total.Sub(amount)
			fill := Fill{
				MakerOrderID:  maker.ID,
				MakerOwner:    maker.Owner,
				MakerSide:     maker.Side,
				Price:         lvl.price,
				Amount:        amount,
				MakerReserved: maker.takeReserved(amount),
				TakerReserved: taker.takeReserved(amount),
			}
			if maker.IsFilled() {
				fill.MakerFilled = true
				lvl.orders.Remove(maker.elem)
				maker.level, maker.elem = nil, nil
				delete(b.orders, maker.ID)
			}
			res.Fills = append(res.Fills, fill)
			res.Filled = res.Filled.Add(amount)
		}
		if lvl.isEmpty() {
			opp.drop(lvl)
		}
	}
	return res
}

// Rest inserts a limit order at the back of its price level.
func (b *Book) Rest(o *Order) error {
	if o.IsFilled() {
		return fmt.Errorf("order %s has nothing remaining", o.ID)
	}
	if _, exists := b.orders[o.ID]; exists {
		return fmt.Errorf("order %s already resting", o.ID)
	}
	if o.Seq > b.seq {
		b.seq = o.Seq
	}
	b.ladder(o.Side).getOrCreate(o.Price).push(o)
	b.orders[o.ID] = o
	return nil
}

// Cancel removes a resting order and returns it with its outstanding
// reservation so the caller can release it.
func (b *Book) Cancel(orderID uuid.UUID) (Order, bool) {
	o, ok := b.orders[orderID]
	if !ok {
		return Order{}, false
	}
	view := o.View()
	b.unlink(o)
	return view, true
}

func (b *Book) unlink(o *Order) {
	lvl := o.level
	lvl.remove(o)
	delete(b.orders, o.ID)
	if lvl.isEmpty() {
		b.ladder(o.Side).drop(lvl)
	}
}

// Order returns a copy of a resting order.
func (b *Book) Order(orderID uuid.UUID) (Order, bool) {
	o, ok := b.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return o.View(), true
}

// OrdersOf returns the account's resting orders in submission order.
func (b *Book) OrdersOf(owner uuid.UUID) []Order {
	var out []Order
	for _, o := range b.orders {
		if o.Owner == owner {
			out = append(out, o.View())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.orders) }

// Depth returns up to levels price levels per side, best first.
func (b *Book) Depth(levels int) Depth {
	d := Depth{
		BidPrices:  []math.Price{},
		BidAmounts: []math.Amount{},
		AskPrices:  []math.Price{},
		AskAmounts: []math.Amount{},
	}
	if levels <= 0 {
		return d
	}
	b.bids.each(func(l *priceLevel) bool {
		d.BidPrices = append(d.BidPrices, l.price)
		d.BidAmounts = append(d.BidAmounts, l.total)
		return len(d.BidPrices) < levels
	})
	b.asks.each(func(l *priceLevel) bool {
		d.AskPrices = append(d.AskPrices, l.price)
		d.AskAmounts = append(d.AskAmounts, l.total)
		return len(d.AskPrices) < levels
	})
	return d
}

// Orders returns every resting order, bids then asks, each ladder best price
// first and FIFO within a level. Re-resting the result in this order
// reproduces the book exactly.
func (b *Book) Orders() []Order {
	out := make([]Order, 0, len(b.orders))
	collect := func(l *priceLevel) bool {
		for e := l.orders.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*Order).View())
		}
		return true
	}
	b.bids.each(collect)
	b.asks.each(collect)
	return out
}

// Sequence returns the last assigned submission sequence.
func (b *Book) Sequence() uint64 { return b.seq }

// SetSequence restores the submission counter.
func (b *Book) SetSequence(seq uint64) { b.seq = seq }

// CheckInvariants verifies level aggregates, that no empty level persists,
// that the order index matches the ladders and that the book is not crossed.
func (b *Book) CheckInvariants() error {
	seen := 0
	var walkErr error
	check := func(d *ladder) {
		d.each(func(l *priceLevel) bool {
			if l.isEmpty() {
				walkErr = fmt.Errorf("empty %s level at %s", d.side, l.price)
				return false
			}
			sum := math.ZeroAmount()
			for e := l.orders.Front(); e != nil; e = e.Next() {
				o := e.Value.(*Order)
				if o.IsFilled() {
					walkErr = fmt.Errorf("filled order %s resting at %s", o.ID, l.price)
					return false
				}
				if o.Price != l.price || o.Side != d.side {
					walkErr = fmt.Errorf("order %s misplaced at %s %s", o.ID, d.side, l.price)
					return false
				}
				if o.Remaining.Cmp(o.Original) > 0 {
					walkErr = fmt.Errorf("order %s remaining %s exceeds original %s", o.ID, o.Remaining, o.Original)
					return false
				}
				if idx, ok := b.orders[o.ID]; !ok || idx != o {
					walkErr = fmt.Errorf("order %s missing from index", o.ID)
					return false
				}
				sum = sum.Add(o.Remaining)
				seen++
			}
			if !sum.Equal(l.total) {
				walkErr = fmt.Errorf("%s level %s aggregate %s != sum %s", d.side, l.price, l.total, sum)
				return false
			}
			return true
		})
	}
	check(b.bids)
	if walkErr != nil {
		return walkErr
	}
	check(b.asks)
	if walkErr != nil {
		return walkErr
	}
	if seen != len(b.orders) {
		return fmt.Errorf("index holds %d orders, ladders hold %d", len(b.orders), seen)
	}
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	if hasBid && hasAsk && bid >= ask {
		return fmt.Errorf("book crossed: bid %s >= ask %s", bid, ask)
	}
	return nil
}
