package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Wire is the form an envelope takes on NATS and in query responses. Hashes
// are hex encoded.
type Wire struct {
	Sequence  int64           `json:"sequence"`
	EventType EventType       `json:"event_type"`
	MarketID  string          `json:"market_id"`
	Timestamp int64           `json:"timestamp"`
	Ref       string          `json:"ref"`
	Payload   json.RawMessage `json:"payload"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prev_hash"`
}

func (e *Envelope) ToWire() Wire {
	return Wire{
		Sequence:  e.Sequence,
		EventType: e.EventType,
		MarketID:  e.MarketID,
		Timestamp: e.Timestamp,
		Ref:       e.Ref,
		Payload:   e.Payload,
		Hash:      hex.EncodeToString(e.Hash[:]),
		PrevHash:  hex.EncodeToString(e.PrevHash[:]),
	}
}

// FromWire restores an envelope, rejecting malformed hashes.
func FromWire(w Wire) (*Envelope, error) {
	env := &Envelope{
		Sequence:  w.Sequence,
		EventType: w.EventType,
		MarketID:  w.MarketID,
		Timestamp: w.Timestamp,
		Ref:       w.Ref,
		Payload:   w.Payload,
	}
	var err error
	if env.Hash, err = DecodeHash(w.Hash); err != nil {
		return nil, fmt.Errorf("seq %d hash: %w", w.Sequence, err)
	}
	if env.PrevHash, err = DecodeHash(w.PrevHash); err != nil {
		return nil, fmt.Errorf("seq %d prev_hash: %w", w.Sequence, err)
	}
	return env, nil
}

func DecodeHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash is %d bytes, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}
