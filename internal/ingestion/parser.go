package ingestion

import (
	"encoding/json"
	"fmt"

	"PerpBook/internal/errs"
	"PerpBook/internal/math"
)

// PriceUpdate is one reference price message from the feed.
type PriceUpdate struct {
	Market    string
	Price     math.Price
	Sequence  int64
	Timestamp int64 // epoch microseconds at the source
}

// --- JSON wire format ---
// Field names use snake_case to match upstream producers. The price is a
// decimal string; bare JSON numbers are rejected so no scale is guessed.

type priceUpdateJSON struct {
	Market      string          `json:"market"`
	Price       json.RawMessage `json:"price"`
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}

// ParsePriceUpdate decodes and validates a price message. When market is not
// empty the message must be for that market.
func ParsePriceUpdate(data []byte, market string) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: parse price update: %v", errs.ErrInvalidInput, err)
	}
	if j.Market == "" {
		return PriceUpdate{}, fmt.Errorf("%w: price update without market", errs.ErrInvalidInput)
	}
	if market != "" && j.Market != market {
		return PriceUpdate{}, fmt.Errorf("%w: price update for %s on feed of %s", errs.ErrInvalidInput, j.Market, market)
	}
	if j.Sequence <= 0 {
		return PriceUpdate{}, fmt.Errorf("%w: price sequence must be > 0, got %d", errs.ErrInvalidInput, j.Sequence)
	}

	var raw string
	if err := json.Unmarshal(j.Price, &raw); err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: price must be a decimal string", errs.ErrInvalidInput)
	}
	price, err := math.ParsePrice(raw)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: price %q: %v", errs.ErrInvalidInput, raw, err)
	}
	if price <= 0 {
		return PriceUpdate{}, fmt.Errorf("%w: price must be > 0, got %s", errs.ErrInvalidInput, price)
	}

	return PriceUpdate{
		Market:    j.Market,
		Price:     price,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

// PriceSubject is the NATS subject a market's prices arrive on.
func PriceSubject(market string) string {
	return "perp.prices." + market
}
