package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"PerpBook/internal/core"
	"PerpBook/internal/errs"
	"PerpBook/internal/event"
	"PerpBook/internal/ingestion"
	"PerpBook/internal/math"
	"PerpBook/internal/pricefeed"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const market = "BTC-USD-PERP"

func priceJSON(t *testing.T, v map[string]interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// ============================================================================
// Test: Price message parsing
// ============================================================================

func TestParsePriceUpdate(t *testing.T) {
	data := priceJSON(t, map[string]interface{}{
		"market":       market,
		"price":        "64250.125",
		"sequence":     int64(42),
		"timestamp_us": int64(1700000000000000),
	})

	upd, err := ingestion.ParsePriceUpdate(data, market)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if upd.Price != math.MustParsePrice("64250.125") {
		t.Errorf("price: got %s, want 64250.125", upd.Price)
	}
	if upd.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", upd.Sequence)
	}
	if upd.Timestamp != 1700000000000000 {
		t.Errorf("timestamp: got %d", upd.Timestamp)
	}
}

func TestParsePriceUpdate_Rejects(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"number price":   {"market": market, "price": 64250, "sequence": 1},
		"zero price":     {"market": market, "price": "0", "sequence": 1},
		"negative price": {"market": market, "price": "-1", "sequence": 1},
		"garbage price":  {"market": market, "price": "abc", "sequence": 1},
		"other market":   {"market": "ETH-USD-PERP", "price": "1", "sequence": 1},
		"no market":      {"price": "1", "sequence": 1},
		"zero sequence":  {"market": market, "price": "1", "sequence": 0},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ingestion.ParsePriceUpdate(priceJSON(t, payload), market)
			if !errors.Is(err, errs.ErrInvalidInput) {
				t.Errorf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestParsePriceUpdate_MalformedJSON(t *testing.T) {
	if _, err := ingestion.ParsePriceUpdate([]byte(`{"market":`), market); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

// ============================================================================
// Test: Subscriber applies in sequence order
// ============================================================================

func TestPriceSubscriber_IgnoresOutOfOrder(t *testing.T) {
	store := pricefeed.NewStore(0)
	sub := ingestion.NewPriceSubscriber(nil, store, market, nil, zerolog.Nop())

	msg := func(price string, seq int64) []byte {
		return priceJSON(t, map[string]interface{}{"market": market, "price": price, "sequence": seq})
	}

	if res, err := sub.Apply(msg("100", 5)); err != nil || res != ingestion.ResultApplied {
		t.Fatalf("first: %s %v", res, err)
	}
	if res, _ := sub.Apply(msg("90", 4)); res != ingestion.ResultStale {
		t.Errorf("older sequence: got %s, want stale", res)
	}
	if res, _ := sub.Apply(msg("95", 5)); res != ingestion.ResultStale {
		t.Errorf("duplicate sequence: got %s, want stale", res)
	}
	if res, _ := sub.Apply(msg("bad", 6)); res != ingestion.ResultInvalid {
		t.Errorf("bad price: got %s, want invalid", res)
	}

	ref, err := store.Reference(market)
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	if ref != math.MustParsePrice("100") {
		t.Errorf("reference: got %s, want 100", ref)
	}

	// gaps are accepted
	if res, _ := sub.Apply(msg("101", 9)); res != ingestion.ResultApplied {
		t.Errorf("gap: got %s, want applied", res)
	}
}

// ============================================================================
// Test: Outbound publishing
// ============================================================================

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return &jetstream.PubAck{Sequence: uint64(len(f.subjects))}, nil
}

func TestOutboundPublisher_SubjectsAndPayload(t *testing.T) {
	env, err := event.NewEnvelope(event.EventTypeTradeExecuted, market, "ref-1", 7, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.Sequence = 3
	env.PrevHash = event.GenesisHash(market)
	env.Hash = event.ChainHash(env.PrevHash, env)

	ch := make(chan core.Output, 1)
	ch <- core.Output{Envelope: env}
	close(ch)

	pub := &fakePublisher{}
	if err := ingestion.NewOutboundPublisher(pub, ch, zerolog.Nop()).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(pub.subjects) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.subjects))
	}
	if want := "perp.book.events.trade.executed." + market; pub.subjects[0] != want {
		t.Errorf("subject: got %s, want %s", pub.subjects[0], want)
	}
	var w event.Wire
	if err := json.Unmarshal(pub.payloads[0], &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if w.Sequence != 3 || w.EventType != event.EventTypeTradeExecuted {
		t.Errorf("wire: %+v", w)
	}
	back, err := event.FromWire(w)
	if err != nil {
		t.Fatalf("from wire: %v", err)
	}
	if back.Hash != env.Hash {
		t.Error("hash did not survive the wire")
	}
}
