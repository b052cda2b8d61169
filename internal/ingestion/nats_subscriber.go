package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Subscriber pulls ordered transactions from NATS JetStream and hands them
// to the engine loop via txChan. A single durable consumer over the whole
// stream preserves the consensus ordering; fanning out per subject would
// break it.
type Subscriber struct {
	js       jetstream.JetStream
	txChan   chan<- RawTx
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

// RawTx is one undecoded message off the stream. The ingestion loop decodes
// it, applies it, then acks; a decode failure still acks (the message can
// never become valid on redelivery).
type RawTx struct {
	Subject     string
	Data        []byte
	Received    time.Time
	Redelivered bool
	AckFunc     func()
	NakFunc     func()
}

// StreamConfig names the JetStream stream and consumer for the tx feed.
type StreamConfig struct {
	StreamName    string
	ConsumerName  string
	SubjectPrefix string
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		StreamName:    "PERPBOOK_TX",
		ConsumerName:  "perpbook-engine",
		SubjectPrefix: "book",
	}
}

func NewSubscriber(js jetstream.JetStream, txChan chan<- RawTx, log zerolog.Logger) *Subscriber {
	return &Subscriber{js: js, txChan: txChan, log: log}
}

// EnsureStream creates the transaction stream if absent. File storage,
// limits retention, 72h max age.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.StreamName, err)
	}
	return nil
}

// Subscribe starts the single ordered consumer. Explicit ack, max_deliver=5.
func (s *Subscriber) Subscribe(ctx context.Context, cfg StreamConfig) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		FilterSubject: cfg.SubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		redelivered := false
		if meta, err := msg.Metadata(); err == nil {
			redelivered = meta.NumDelivered > 1
		}
		raw := RawTx{
			Subject:     msg.Subject(),
			Data:        msg.Data(),
			Received:    time.Now(),
			Redelivered: redelivered,
			AckFunc:     func() { msg.Ack() },
			NakFunc:     func() { msg.Nak() },
		}
		select {
		case s.txChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
	}

	s.consumer = consumeCtx
	s.log.Info().Str("stream", cfg.StreamName).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	return nil
}

// Stop drains the consumer.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.log.Info().Msg("subscriber stopped")
}

// Connect establishes the NATS connection and JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
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
