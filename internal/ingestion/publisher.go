package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"PerpBook/internal/core"
	"PerpBook/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the part of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher fans engine notifications out to NATS for downstream
// consumers. Publish failures are logged; consumers can fall back to the
// event log.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.Output
	logger    zerolog.Logger
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.Output, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until ctx is done or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out.Envelope); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(env.ToWire())
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	// Message id lets JetStream drop duplicates on republish.
	msgID := fmt.Sprintf("%s:%d", env.MarketID, env.Sequence)
	_, err = op.js.Publish(ctx, EventSubject(env), data, jetstream.WithMsgID(msgID))
	return err
}

// EventSubject is perp.book.events.{type}.{market}.
func EventSubject(env *event.Envelope) string {
	return fmt.Sprintf("perp.book.events.%s.%s", env.EventType.Subject(), env.MarketID)
}
