package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpBook/internal/observability"
	"PerpBook/internal/pricefeed"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	PricesStream = "PERP_PRICES"
	EventsStream = "PERP_BOOK_EVENTS"
)

// Price message outcomes, used as the metrics label
const (
	ResultApplied = "applied"
	ResultStale   = "stale"
	ResultInvalid = "invalid"
)

// PriceSubscriber feeds one market's reference prices from JetStream into a
// pricefeed.Store.
type PriceSubscriber struct {
	js       jetstream.JetStream
	store    *pricefeed.Store
	market   string
	consumer string
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cc       jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, store *pricefeed.Store, market string, metrics *observability.Metrics, logger zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{
		js:       js,
		store:    store,
		market:   market,
		consumer: "perpbook-prices-" + market,
		metrics:  metrics,
		logger:   logger.With().Str("market", market).Logger(),
	}
}

// Apply parses one message and records it. Out-of-order sequences are
// reported as stale and leave the store unchanged.
func (ps *PriceSubscriber) Apply(data []byte) (string, error) {
	upd, err := ParsePriceUpdate(data, ps.market)
	if err != nil {
		ps.count(ResultInvalid)
		return ResultInvalid, err
	}
	applied, err := ps.store.Update(upd.Market, upd.Price, upd.Sequence, upd.Timestamp)
	if err != nil {
		ps.count(ResultInvalid)
		return ResultInvalid, err
	}
	if !applied {
		ps.count(ResultStale)
		ps.logger.Debug().Int64("sequence", upd.Sequence).Msg("stale price ignored")
		return ResultStale, nil
	}
	ps.count(ResultApplied)
	return ResultApplied, nil
}

func (ps *PriceSubscriber) count(result string) {
	if ps.metrics != nil {
		ps.metrics.PriceUpdates.WithLabelValues(result).Inc()
	}
}

// Subscribe starts a durable consumer with explicit acks. Malformed messages
// are terminated rather than redelivered.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PricesStream, jetstream.ConsumerConfig{
		Durable:       ps.consumer,
		FilterSubject: PriceSubject(ps.market),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverLastPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ps.consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if _, err := ps.Apply(msg.Data()); err != nil {
			ps.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("price message rejected")
			_ = msg.Term()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ps.consumer, err)
	}
	ps.cc = cc
	ps.logger.Info().
		Str("subject", PriceSubject(ps.market)).
		Str("consumer", ps.consumer).
		Msg("subscribed to price feed")
	return nil
}

// Stop stops the consumer.
func (ps *PriceSubscriber) Stop() {
	if ps.cc != nil {
		ps.cc.Stop()
	}
	ps.logger.Info().Msg("price subscriber stopped")
}

// EnsureStreams creates the price and notification streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      PricesStream,
			Subjects:  []string{"perp.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventsStream,
			Subjects:  []string{"perp.book.events.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpbook"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
