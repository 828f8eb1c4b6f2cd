package ingestion

import (
	"StakeLedger/internal/errs"
	"StakeLedger/internal/event"
	"StakeLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Submitter hands a parsed command to the core. *core.Processor implements it.
type Submitter interface {
	Submit(ctx context.Context, cmd event.Command) (*event.Receipt, error)
}

// CommandLoop parses raw NATS commands and submits them to the core one at a
// time, acking only after the core has decided. A command the core rejects
// is acked too: replaying it would be rejected the same way. Only
// cancellation or an internal failure NAKs for redelivery.
type CommandLoop struct {
	rawChan   <-chan RawCommand
	submitter Submitter
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewCommandLoop(rawChan <-chan RawCommand, submitter Submitter, metrics *observability.Metrics, logger zerolog.Logger) *CommandLoop {
	return &CommandLoop{
		rawChan:   rawChan,
		submitter: submitter,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled or the raw channel closes.
func (cl *CommandLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-cl.rawChan:
			if !ok {
				return nil
			}
			cl.handle(ctx, raw)
		}
	}
}

func (cl *CommandLoop) handle(ctx context.Context, raw RawCommand) {
	cmd, err := ParseCommand(raw.CommandType, raw.Data)
	if err != nil {
		// Poison message: ack so it is not redelivered forever.
		cl.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
		cl.ack(raw)
		return
	}

	_, err = cl.submitter.Submit(ctx, cmd)
	switch {
	case err == nil:
		if cl.metrics != nil {
			cl.metrics.ReceiveToAck.WithLabelValues(raw.CommandType.String()).Observe(time.Since(raw.Timestamp).Seconds())
		}
		cl.ack(raw)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		cl.nak(raw)
	case errs.Code(err) == "internal":
		cl.logger.Error().Err(err).
			Str("command_type", raw.CommandType.String()).
			Str("command_id", cmd.IdempotencyKey()).
			Msg("command failed, requesting redelivery")
		cl.nak(raw)
	default:
		cl.logger.Info().Err(err).
			Str("command_type", raw.CommandType.String()).
			Str("command_id", cmd.IdempotencyKey()).
			Msg("command rejected")
		cl.ack(raw)
	}
}

func (cl *CommandLoop) ack(raw RawCommand) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func (cl *CommandLoop) nak(raw RawCommand) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}
