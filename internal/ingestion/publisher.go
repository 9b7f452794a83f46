package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"LubaLedger/internal/core"
	"LubaLedger/internal/event"
	"LubaLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the slice of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes public events to NATS for downstream
// consumers. It is fed only after persistence is confirmed, so nothing is
// broadcast that recovery could lose. Subjects are luba.events.<EventType>.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form. Bid amounts never appear.
type PublishableEvent struct {
	Sequence  int64               `json:"sequence"`
	EventType string              `json:"event_type"`
	Payload   event.PublicPayload `json:"payload"`
	StateHash string              `json:"state_hash"`
	Timestamp time.Time           `json:"timestamp"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput) *OutboundPublisher {
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

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.Publish(ctx, out); err != nil {
				// Non-fatal: downstream consumers can read the event log.
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// Publish sends out if its event is public. The sequence is the message id
// so a republish after restart is deduplicated by the stream.
func (op *OutboundPublisher) Publish(ctx context.Context, out core.CoreOutput) error {
	payload, ok := event.ToPublic(out.Event)
	if !ok {
		return nil
	}

	env := out.Envelope
	data, err := json.Marshal(PublishableEvent{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Payload:   payload,
		StateHash: fmt.Sprintf("%x", env.StateHash),
		Timestamp: env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := "luba.events." + env.EventType.String()
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10)))
	return err
}
