package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpBook/internal/engine"
)

// OutboundPublisher publishes applied transactions to NATS for downstream
// consumers (projections, risk monitors, UIs). Publishing is best-effort:
// consumers that miss messages recover from the event log in Postgres.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
	log       zerolog.Logger
}

// AppliedTx is the outbound wire shape for one applied transaction.
type AppliedTx struct {
	Sequence  int64     `json:"sequence"`
	TxRef     string    `json:"tx_ref"`
	TxType    string    `json:"tx_type"`
	Block     uint64    `json:"block"`
	StateHash string    `json:"state_hash"`
	Timestamp time.Time `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{js: js, inputChan: inputChan, log: log}
}

func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out); err != nil {
				op.log.Warn().Int64("sequence", out.Envelope.Sequence).Err(err).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out engine.Output) error {
	applied := AppliedTx{
		Sequence:  out.Envelope.Sequence,
		TxRef:     out.Envelope.TxRef,
		TxType:    out.Envelope.TxType,
		Block:     out.Envelope.Block,
		StateHash: hex.EncodeToString(out.Envelope.StateHash[:]),
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(applied)
	if err != nil {
		return fmt.Errorf("marshal applied tx: %w", err)
	}

	subject := "perpbook.applied." + out.Envelope.TxType
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the applied-transaction stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERPBOOK_APPLIED",
		Subjects:  []string{"perpbook.applied.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
