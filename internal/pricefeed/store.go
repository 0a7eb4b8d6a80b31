package pricefeed

import (
	"fmt"
	"sync"
	"time"

	"PerpBook/internal/errs"
	"PerpBook/internal/math"
)

// Quote is the latest reference price of one market
type Quote struct {
	Market    string     `json:"market"`
	Price     math.Price `json:"price"`
	Sequence  int64      `json:"sequence"`
	Timestamp int64      `json:"timestamp_us"` // epoch microseconds at the source
	Received  time.Time  `json:"-"`
}

// Source is what the engine reads reference prices from.
type Source interface {
	// Reference returns a usable price or an error wrapping
	// errs.ErrPriceUnavailable when none is fresh enough.
	Reference(market string) (math.Price, error)
}

// Store keeps the last price per market. Updates arrive from the feed
// goroutine while the engine reads, so all access is locked.
type Store struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	maxAge time.Duration
	now    func() time.Time
}

func NewStore(maxAge time.Duration) *Store {
	return &Store{
		quotes: make(map[string]Quote),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Update records a price. Sequences at or below the current one are stale or
// duplicate and ignored; gaps are accepted.
func (s *Store) Update(market string, price math.Price, sequence, timestamp int64) (bool, error) {
	if price <= 0 {
		return false, fmt.Errorf("%w: price must be > 0, got %s", errs.ErrInvalidInput, price)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.quotes[market]; ok && sequence <= current.Sequence {
		return false, nil
	}
	s.quotes[market] = Quote{
		Market:    market,
		Price:     price,
		Sequence:  sequence,
		Timestamp: timestamp,
		Received:  s.now(),
	}
	return true, nil
}

// Reference implements Source. A price is stale once it is older than maxAge,
// measured from when it was received. A zero maxAge disables the check.
func (s *Store) Reference(market string) (math.Price, error) {
	s.mu.RLock()
	q, ok := s.quotes[market]
	s.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w: no reference price for %s", errs.ErrPriceUnavailable, market)
	}
	if s.maxAge > 0 {
		if age := s.now().Sub(q.Received); age > s.maxAge {
			return 0, fmt.Errorf("%w: price for %s is %s old (max %s)", errs.ErrPriceUnavailable, market, age, s.maxAge)
		}
	}
	return q.Price, nil
}

// Latest returns the raw last quote regardless of age.
func (s *Store) Latest(market string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[market]
	return q, ok
}

// Restore sets quotes from a snapshot, marking them received now.
func (s *Store) Restore(quotes []Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range quotes {
		q.Received = s.now()
		s.quotes[q.Market] = q
	}
}

// Quotes returns every quote, for snapshots.
func (s *Store) Quotes() []Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		out = append(out, q)
	}
	return out
}
