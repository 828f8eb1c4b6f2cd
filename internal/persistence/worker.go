package persistence

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel with a BLOCKING send, so if this worker
// falls behind the core stalls and no committed command is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

type pendingBatch struct {
	events    []EventRow
	transfers []TransferRow
	emitted   []time.Time
}

func (b *pendingBatch) add(out core.Output) {
	ev, transfers := RowsFromOutput(out)
	b.events = append(b.events, ev)
	b.transfers = append(b.transfers, transfers...)
	b.emitted = append(b.emitted, time.Now())
}

func (b *pendingBatch) reset() {
	b.events = b.events[:0]
	b.transfers = b.transfers[:0]
	b.emitted = b.emitted[:0]
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pendingBatch{
		events:    make([]EventRow, 0, pw.batchSize),
		transfers: make([]TransferRow, 0, pw.batchSize*4), // ~4 transfers per command
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch.events) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("events", len(batch.events)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch.events) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("events", len(batch.events)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch.add(output)

			if len(batch.events) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).
						Int64("first_sequence", batch.events[0].Sequence).
						Int("events", len(batch.events)).
						Msg("batch flush failed")
				}
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch.events) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).
						Int64("first_sequence", batch.events[0].Sequence).
						Int("events", len(batch.events)).
						Msg("timeout flush failed")
				}
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or Postgres reports an error retrying cannot fix. On shutdown it makes one
// last attempt with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pendingBatch) error {
	err := retry.Do(
		func() error { return pw.flush(ctx, batch) },
		retry.Context(ctx),
		retry.Attempts(0), // until success
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !isPermanent(err) }),
		retry.OnRetry(func(n uint, err error) {
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			pw.logger.Warn().Err(err).
				Uint("attempt", n+1).
				Int("events", len(batch.events)).
				Msg("persistence retry")
		}),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		if finalErr := pw.flush(context.Background(), batch); finalErr != nil {
			return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
		}
		return nil
	}
	return err
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pendingBatch) error {
	start := time.Now()

	// Events and transfers commit together.
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, batch.events); err != nil {
		pw.recordError("write_events")
		return err
	}

	if err := pw.writer.WriteTransferBatch(ctx, tx, batch.transfers); err != nil {
		pw.recordError("write_transfers")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.events)))
		pw.metrics.PersistTransfersWritten.Add(float64(len(batch.transfers)))
		pw.metrics.PersistLastSequence.Set(float64(batch.events[len(batch.events)-1].Sequence))
		now := time.Now()
		for _, t := range batch.emitted {
			pw.metrics.ApplyToPersist.Observe(now.Sub(t).Seconds())
		}
	}

	return nil
}

func (pw *PersistenceWorker) recordError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
