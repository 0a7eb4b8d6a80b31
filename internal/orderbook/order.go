package orderbook

import (
	"container/list"
	"fmt"

	"PerpBook/internal/math"

	"github.com/google/uuid"
)

// Side is the direction of an order
type Side int8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an order of s matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buys and -1 for sells, the direction a fill moves a
// position.
func (s Side) Sign() int {
	if s == SideBuy {
		return 1
	}
	return -1
}

// ParseSide accepts "buy" and "sell".
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy", "BUY", "long":
		return SideBuy, nil
	case "sell", "SELL", "short":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	parsed, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// OrderKind distinguishes how an order entered the book
type OrderKind int8

const (
	KindLimit OrderKind = iota
	KindMarket
	KindLiquidation
)

func (k OrderKind) String() string {
	switch k {
	case KindLimit:
		return "limit"
	case KindMarket:
		return "market"
	case KindLiquidation:
		return "liquidation"
	default:
		return "unknown"
	}
}

// Order is a live order. Only limit orders ever rest in the book.
type Order struct {
	ID        uuid.UUID   `json:"id"`
	Owner     uuid.UUID   `json:"owner"`
	Side      Side        `json:"side"`
	Kind      OrderKind   `json:"kind"`
	Price     math.Price  `json:"price"`
	Original  math.Amount `json:"original"`
	Remaining math.Amount `json:"remaining"`
	Reserved  math.Usd    `json:"reserved"`
	CreatedAt int64       `json:"created_at"` // epoch microseconds
	Seq       uint64      `json:"seq"`        // submission order, FIFO tie-break

	// ReservePrice and MarginFraction size each fill's reservation slice as
	// MarginFor(ReservePrice, fill, MarginFraction). Zero falls back to a pro
	// rata share of Reserved.
	ReservePrice   math.Price `json:"reserve_price,omitempty"`
	MarginFraction int64      `json:"margin_fraction,omitempty"`

	level *priceLevel
	elem  *list.Element
}

// IsFilled reports whether nothing remains to trade.
func (o *Order) IsFilled() bool {
	return o.Remaining.Sign() <= 0
}

// Crosses reports whether o may trade against a resting order at price.
func (o *Order) Crosses(price math.Price) bool {
	if o.Side == SideBuy {
		return o.Price >= price
	}
	return o.Price <= price
}

// takeReserved consumes the order's reservation slice for a fill of amount.
// A fill that completes the order takes whatever is left, so rounding never
// strands margin in reserved.
func (o *Order) takeReserved(amount math.Amount) math.Usd {
	var slice math.Usd
	switch {
	case amount.Cmp(o.Remaining) >= 0:
		slice = o.Reserved
	case o.MarginFraction > 0:
		slice = math.MinUsd(math.MarginFor(o.ReservePrice, amount, o.MarginFraction), o.Reserved)
	default:
		slice = o.Reserved.ProRata(amount, o.Remaining)
	}
	o.Reserved = o.Reserved.Sub(slice)
	o.Remaining = o.Remaining.Sub(amount)
	return slice
}

// View returns a detached copy safe to hand to readers.
func (o *Order) View() Order {
	return Order{
		ID:        o.ID,
		Owner:     o.Owner,
		Side:      o.Side,
		Kind:      o.Kind,
		Price:     o.Price,
		Original:  o.Original,
		Remaining: o.Remaining,
		Reserved:  o.Reserved,
		CreatedAt: o.CreatedAt,
		Seq:       o.Seq,

		ReservePrice:   o.ReservePrice,
		MarginFraction: o.MarginFraction,
	}
}
