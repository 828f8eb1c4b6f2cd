package query

import (
	"StakeLedger/internal/errs"
	"StakeLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// QueryService provides read-only access to the projection tables and the
// event log. Projections lag the core, so every response carries the
// as_of_sequence it reflects.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// NewQueryService creates a service. metrics may be nil.
func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// GetCertificate returns one certificate, open or closed.
func (qs *QueryService) GetCertificate(ctx context.Context, id uint64) (resp *CertificateResponse, err error) {
	defer qs.observe("certificate", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	c := CertificateResponse{AsOfSequence: asOfSeq}
	var owner sql.NullString
	var closed sql.NullInt64
	err = qs.db.QueryRowContext(ctx, `
		SELECT certificate_id, owner, status, slot, stake_id, opened_sequence, closed_sequence
		FROM projections.certificates
		WHERE certificate_id = $1
	`, id).Scan(&c.ID, &owner, &c.Status, &c.Slot, &c.StakeID, &c.OpenedSequence, &closed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("certificate %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.Owner = owner.String
	if closed.Valid {
		c.ClosedSequence = &closed.Int64
	}
	return &c, nil
}

// GetCertificatesByOwner returns an owner's open certificates in id order,
// starting after the afterID cursor.
func (qs *QueryService) GetCertificatesByOwner(
	ctx context.Context,
	owner common.Address,
	limit int,
	afterID *uint64,
) (page *CertificatePage, err error) {
	defer qs.observe("certificates_by_owner", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	limit = clampLimit(limit)
	query := `
		SELECT certificate_id, slot, stake_id, opened_sequence
		FROM projections.certificates
		WHERE owner = $1 AND status = 'open'
	`
	args := []interface{}{owner.Hex()}
	argIdx := 2

	if afterID != nil {
		query += fmt.Sprintf(" AND certificate_id > $%d", argIdx)
		args = append(args, *afterID)
		argIdx++
	}

	// One extra row tells us whether another page exists.
	query += " ORDER BY certificate_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit+1)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page = &CertificatePage{Certificates: []CertificateResponse{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		c := CertificateResponse{Owner: owner.Hex(), Status: "open", AsOfSequence: asOfSeq}
		if err := rows.Scan(&c.ID, &c.Slot, &c.StakeID, &c.OpenedSequence); err != nil {
			return nil, err
		}
		page.Certificates = append(page.Certificates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Certificates) > limit {
		page.Certificates = page.Certificates[:limit]
		next := page.Certificates[limit-1].ID
		page.NextCursor = &next
	}
	return page, nil
}

// GetFees returns the projected fee state of asset along with the current
// rate and owner.
func (qs *QueryService) GetFees(ctx context.Context, asset string) (resp *FeeResponse, err error) {
	defer qs.observe("fees", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp = &FeeResponse{Asset: asset, Accrued: "0", Withdrawn: "0", Rate: "0", AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT accrued::TEXT, withdrawn::TEXT FROM projections.fees WHERE asset = $1
	`, asset).Scan(&resp.Accrued, &resp.Withdrawn)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	var rate, owner sql.NullString
	err = qs.db.QueryRowContext(ctx, `
		SELECT rate::TEXT, owner FROM projections.fee_settings
	`).Scan(&rate, &owner)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if rate.Valid {
		resp.Rate = rate.String
	}
	resp.Owner = owner.String
	return resp, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks that the event log's hash chain links up without
// gaps and that no projected balance went negative.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("integrity", time.Now(), &err)

	report = &IntegrityReport{}

	var last sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&last); err != nil {
		return nil, err
	}
	report.LastSequence = last.Int64

	// Check hash chain continuity
	breaks, err := qs.collectSequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	report.HashChainBreaks = breaks

	gaps, err := qs.collectSequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 1 AND e2.sequence IS NULL
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	report.SequenceGaps = gaps

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT account, asset, balance::TEXT
		FROM projections.balances
		WHERE balance < 0
		ORDER BY account, asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var nb NegativeBalance
		if err := balanceRows.Scan(&nb.Account, &nb.Asset, &nb.Balance); err != nil {
			return nil, err
		}
		report.NegativeBalances = append(report.NegativeBalances, nb)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.NegativeBalances) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) collectSequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// observe records the request outcome for endpoint. err is read after the
// query method returns.
func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	status := "ok"
	if *err != nil {
		status = "error"
		qs.metrics.QueryErrors.WithLabelValues(endpoint, errs.Code(*err)).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
