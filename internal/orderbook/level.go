package orderbook

import (
	"container/list"

	"PerpBook/internal/math"

	"github.com/google/btree"
)

// priceLevel is the FIFO queue of resting orders at one price
type priceLevel struct {
	price  math.Price
	orders *list.List // *Order, oldest at the front
	total  math.Amount
}

func newPriceLevel(price math.Price) *priceLevel {
	return &priceLevel{price: price, orders: list.New()}
}

func (l *priceLevel) push(o *Order) {
	o.level = l
	o.elem = l.orders.PushBack(o)
	l.total = l.total.Add(o.Remaining)
}

func (l *priceLevel) remove(o *Order) {
	l.orders.Remove(o.elem)
	l.total = l.total.Sub(o.Remaining)
	o.level = nil
	o.elem = nil
}

func (l *priceLevel) front() *Order {
	e := l.orders.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Order)
}

func (l *priceLevel) isEmpty() bool {
	return l.orders.Len() == 0
}

// ladder is one side of the book. The tree is ordered best price first, so
// Min is the top of book for both bids and asks.
type ladder struct {
	side   Side
	levels *btree.BTreeG[*priceLevel]
}

func newLadder(side Side) *ladder {
	less := func(a, b *priceLevel) bool { return a.price < b.price }
	if side == SideBuy {
		less = func(a, b *priceLevel) bool { return a.price > b.price }
	}
	return &ladder{side: side, levels: btree.NewG(32, less)}
}

func (d *ladder) get(price math.Price) (*priceLevel, bool) {
	return d.levels.Get(&priceLevel{price: price})
}

func (d *ladder) getOrCreate(price math.Price) *priceLevel {
	if lvl, ok := d.get(price); ok {
		return lvl
	}
	lvl := newPriceLevel(price)
	d.levels.ReplaceOrInsert(lvl)
	return lvl
}

func (d *ladder) best() (*priceLevel, bool) {
	return d.levels.Min()
}

func (d *ladder) drop(lvl *priceLevel) {
	d.levels.Delete(lvl)
}

// each walks levels best first until fn returns false.
func (d *ladder) each(fn func(*priceLevel) bool) {
	d.levels.Ascend(fn)
}
