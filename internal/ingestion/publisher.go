package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"HFLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes processed events to NATS for downstream
// consumers (liquidation bots, dashboards, alerting). Outbound events are
// published after persistence is confirmed.
// Subjects follow the pattern: hf.ledger.events.{event_type}.{user_id}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is a processed event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64       `json:"sequence"`
	EventType      string      `json:"event_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	UserID         *string     `json:"user_id,omitempty"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				op.logger.Warn().
					Int64("sequence", evt.Sequence).
					Err(err).
					Msg("outbound publish failed")
				// Non-fatal: downstream consumers can query the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Build subject: hf.ledger.events.{event_type}.{user_id}
	subject := fmt.Sprintf("hf.ledger.events.%s", evt.EventType)
	if evt.UserID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.UserID)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "HF_LEDGER_EVENTS",
		Subjects:  []string{"hf.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("publisher")
	logger.Info().Str("stream", "HF_LEDGER_EVENTS").Msg("ensured outbound stream")
	return nil
}
