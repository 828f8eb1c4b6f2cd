package ingestion

import (
	"StakeLedger/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// OutboundStream holds committed-command receipts.
	OutboundStream = "STAKE_LEDGER_EVENTS"

	outboundSubjectPrefix = "stake.ledger.events."
)

// Publisher is the subset of jetstream.JetStream the outbound loop needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed receipts for downstream consumers.
// Subjects follow stake.ledger.events.{command}.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan *event.Receipt
	logger    zerolog.Logger
}

func NewOutboundPublisher(js Publisher, inputChan <-chan *event.Receipt, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// OutboundSubject returns the subject a receipt is published on.
func OutboundSubject(ct event.CommandType) string {
	return outboundSubjectPrefix + ct.Subject()
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rcpt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, rcpt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", rcpt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, rcpt *event.Receipt) error {
	ct, ok := event.CommandTypeFromName(rcpt.CommandType)
	if !ok {
		return fmt.Errorf("unknown command type %q", rcpt.CommandType)
	}
	data, err := json.Marshal(rcpt)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}

	// The command id doubles as the JetStream dedup id.
	_, err = op.js.Publish(ctx, OutboundSubject(ct), data, jetstream.WithMsgID(rcpt.CommandID))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{outboundSubjectPrefix + ">"},
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
