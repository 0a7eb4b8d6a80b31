package event

import (
	"encoding/json"
	"fmt"
)

// EventType discriminator for notification payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOrderPlaced
	EventTypeOrderMatched
	EventTypeOrderCancelled
	EventTypeTradeExecuted
	EventTypePositionUpdated
	EventTypeDeposit
	EventTypeWithdrawal
	EventTypeLiquidationTriggered
	EventTypeLiquidationExecuted
	EventTypeLiquidationFailed
	EventTypeSocializationStarted
	EventTypePositionReduced
	EventTypeCollateralConfiscated
	EventTypeSocializationCompleted
	EventTypeSocializationFailed
)

var eventTypeNames = map[EventType]string{
	EventTypeOrderPlaced:            "OrderPlaced",
	EventTypeOrderMatched:           "OrderMatched",
	EventTypeOrderCancelled:         "OrderCancelled",
	EventTypeTradeExecuted:          "TradeExecuted",
	EventTypePositionUpdated:        "PositionUpdated",
	EventTypeDeposit:                "Deposit",
	EventTypeWithdrawal:             "Withdrawal",
	EventTypeLiquidationTriggered:   "LiquidationTriggered",
	EventTypeLiquidationExecuted:    "LiquidationExecuted",
	EventTypeLiquidationFailed:      "LiquidationFailed",
	EventTypeSocializationStarted:   "SocializationStarted",
	EventTypePositionReduced:        "PositionReduced",
	EventTypeCollateralConfiscated:  "CollateralConfiscated",
	EventTypeSocializationCompleted: "SocializationCompleted",
	EventTypeSocializationFailed:    "SocializationFailed",
}

var eventSubjects = map[EventType]string{
	EventTypeOrderPlaced:            "order.placed",
	EventTypeOrderMatched:           "order.matched",
	EventTypeOrderCancelled:         "order.cancelled",
	EventTypeTradeExecuted:          "trade.executed",
	EventTypePositionUpdated:        "position.updated",
	EventTypeDeposit:                "funds.deposit",
	EventTypeWithdrawal:             "funds.withdrawal",
	EventTypeLiquidationTriggered:   "liquidation.triggered",
	EventTypeLiquidationExecuted:    "liquidation.executed",
	EventTypeLiquidationFailed:      "liquidation.failed",
	EventTypeSocializationStarted:   "socialization.started",
	EventTypePositionReduced:        "socialization.position_reduced",
	EventTypeCollateralConfiscated:  "socialization.collateral_confiscated",
	EventTypeSocializationCompleted: "socialization.completed",
	EventTypeSocializationFailed:    "socialization.failed",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// Subject returns the NATS subject token for the type, e.g. "trade.executed".
func (et EventType) Subject() string {
	if s, ok := eventSubjects[et]; ok {
		return s
	}
	return "unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

func (et *EventType) UnmarshalText(b []byte) error {
	parsed, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*et = parsed
	return nil
}

// Envelope wraps every notification emitted by a market engine
type Envelope struct {
	// Per-market monotonic sequence assigned by the engine
	Sequence int64 `json:"sequence"`

	// Event type discriminator
	EventType EventType `json:"event_type"`

	MarketID string `json:"market_id"`

	// Epoch microseconds (engine clock)
	Timestamp int64 `json:"timestamp"`

	// Id of the order, liquidation or socialization the event belongs to
	Ref string `json:"ref"`

	// JSON-encoded event-specific data
	Payload json.RawMessage `json:"payload"`

	// SHA-256 over PrevHash and this envelope's content
	Hash [32]byte `json:"-"`

	// Previous envelope's hash (chain integrity)
	PrevHash [32]byte `json:"-"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload at seq %d: %w", e.EventType, e.Sequence, err)
	}
	return nil
}

// NewEnvelope builds an unchained envelope; the engine's hasher fills in the
// hashes.
func NewEnvelope(et EventType, marketID, ref string, timestamp int64, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", et, err)
	}
	return &Envelope{
		EventType: et,
		MarketID:  marketID,
		Ref:       ref,
		Timestamp: timestamp,
		Payload:   raw,
	}, nil
}
