package projection

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/event"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/persistence"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const watermarkID = "main"

// ProjectionWorker updates the projection tables from committed receipts.
// The core sends to it without blocking and drops when the channel is full,
// so projections are eventually consistent and can lag or miss updates.
// RebuildProjections recovers them from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.Output
	genesis   *event.Receipt
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewProjectionWorker creates a worker. genesis, if non-nil, seeds empty
// projections with the initial balances and fee settings.
func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	genesis *event.Receipt,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		genesis:   genesis,
		metrics:   metrics,
		logger:    logger,
	}
}

// LastSequence is the last sequence this worker applied.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq }

// Run applies receipts until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := pw.seed(ctx)
	if err != nil {
		return fmt.Errorf("seed projections: %w", err)
	}
	pw.lastSeq = seq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			// Replayed history or a restart can hand us receipts already applied.
			if output.Receipt.Sequence <= pw.lastSeq {
				continue
			}

			start := time.Now()
			if err := ApplyReceipt(ctx, pw.db, output.Receipt); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", output.Receipt.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("all").Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = output.Receipt.Sequence
		}
	}
}

// seed applies the genesis receipt when no watermark exists yet and returns
// the current watermark.
func (pw *ProjectionWorker) seed(ctx context.Context) (int64, error) {
	seq, found, err := Watermark(ctx, pw.db)
	if err != nil {
		return 0, err
	}
	if found {
		return seq, nil
	}
	if pw.genesis != nil {
		if err := ApplyReceipt(ctx, pw.db, pw.genesis); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// Watermark returns the last sequence applied to the projections and
// whether any receipt has been applied at all.
func Watermark(ctx context.Context, db *sql.DB) (int64, bool, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, watermarkID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read watermark: %w", err)
	}
	return seq, true, nil
}

// ApplyReceipt applies one receipt to every projection table and advances
// the watermark, all in one transaction.
func ApplyReceipt(ctx context.Context, db *sql.DB, r *event.Receipt) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range r.Transfers {
		if err := applyTransfer(ctx, tx, r.Asset, r.Sequence, t); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	for _, c := range r.Certificates {
		if err := applyCertificate(ctx, tx, r.Sequence, c); err != nil {
			return fmt.Errorf("certificate projection: %w", err)
		}
	}
	for _, f := range r.Fees {
		if err := applyFee(ctx, tx, r.Sequence, f); err != nil {
			return fmt.Errorf("fee projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkID, r.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func applyTransfer(ctx context.Context, tx *sql.Tx, asset string, seq int64, t event.TransferRecord) error {
	// Mints have no debit side.
	if t.From != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account, asset, balance, last_sequence)
			VALUES ($1, $2, -$3::NUMERIC, $4)
			ON CONFLICT (account, asset)
			DO UPDATE SET balance = projections.balances.balance - $3::NUMERIC, last_sequence = $4
		`, t.From, asset, t.Amount, seq); err != nil {
			return err
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account, asset, balance, last_sequence)
		VALUES ($1, $2, $3::NUMERIC, $4)
		ON CONFLICT (account, asset)
		DO UPDATE SET balance = projections.balances.balance + $3::NUMERIC, last_sequence = $4
	`, t.To, asset, t.Amount, seq)
	return err
}

func applyCertificate(ctx context.Context, tx *sql.Tx, seq int64, c event.CertificateChange) error {
	if c.Status == event.CertificateClosed {
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.certificates
			SET status = $2, owner = NULL, closed_sequence = $3, last_sequence = $3, updated_at = NOW()
			WHERE certificate_id = $1
		`, c.ID, string(c.Status), seq)
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.certificates
			(certificate_id, owner, status, slot, stake_id, opened_sequence, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, NOW())
		ON CONFLICT (certificate_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			status = EXCLUDED.status,
			slot = EXCLUDED.slot,
			stake_id = EXCLUDED.stake_id,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
	`, c.ID, c.Owner, string(c.Status), c.Slot, c.StakeID, seq)
	return err
}

func applyFee(ctx context.Context, tx *sql.Tx, seq int64, f event.FeeChange) error {
	var err error
	switch f.Kind {
	case "FeeAccrued":
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.fees (asset, accrued, last_sequence)
			VALUES ($1, $2::NUMERIC, $3)
			ON CONFLICT (asset) DO UPDATE SET
				accrued = projections.fees.accrued + $2::NUMERIC, last_sequence = $3
		`, f.Asset, f.Amount, seq)
	case "FeeWithdrawn":
		_, err = tx.ExecContext(ctx, `
			UPDATE projections.fees SET
				accrued = accrued - $2::NUMERIC,
				withdrawn = withdrawn + $2::NUMERIC,
				last_sequence = $3
			WHERE asset = $1
		`, f.Asset, f.Amount, seq)
	case "FeeRateChanged":
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.fee_settings (id, rate, last_sequence)
			VALUES (TRUE, $1::NUMERIC, $2)
			ON CONFLICT (id) DO UPDATE SET rate = $1::NUMERIC, last_sequence = $2
		`, f.Amount, seq)
	case "FeeOwnerChanged":
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.fee_settings (id, owner, last_sequence)
			VALUES (TRUE, $1, $2)
			ON CONFLICT (id) DO UPDATE SET owner = $1, last_sequence = $2
		`, f.Recipient, seq)
	default:
		return fmt.Errorf("unknown fee change %q", f.Kind)
	}
	return err
}

// RebuildProjections truncates every projection table and re-applies the
// genesis receipt and then every logged receipt in sequence order.
func RebuildProjections(ctx context.Context, db *sql.DB, genesis *event.Receipt, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.certificates`,
		`TRUNCATE projections.fees`,
		`TRUNCATE projections.fee_settings`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if genesis != nil {
		if err := ApplyReceipt(ctx, db, genesis); err != nil {
			return fmt.Errorf("apply genesis: %w", err)
		}
	}

	var applied int
	reader := persistence.NewEventLogReader(db)
	err := reader.Each(ctx, 1, func(se persistence.StoredEvent) error {
		var r event.Receipt
		if err := json.Unmarshal(se.Receipt, &r); err != nil {
			return fmt.Errorf("decode receipt seq=%d: %w", se.Sequence, err)
		}
		if err := ApplyReceipt(ctx, db, &r); err != nil {
			return fmt.Errorf("apply seq=%d: %w", se.Sequence, err)
		}
		applied++
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info().Int("receipts", applied).Msg("projection rebuild complete")
	return nil
}
