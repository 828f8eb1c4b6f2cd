package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceResponse is one account's projected balance of an asset.
type BalanceResponse struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"` // decimal
	AsOfSequence int64  `json:"as_of_sequence"`
}

// GetBalance returns the projected balance. Accounts never touched read as 0.
func (qs *QueryService) GetBalance(ctx context.Context, account common.Address, asset string) (resp *BalanceResponse, err error) {
	defer qs.observe("balance", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var balance string
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM projections.balances
		WHERE account = $1 AND asset = $2
	`, account.Hex(), asset).Scan(&balance)
	if err == sql.ErrNoRows {
		balance, err = "0", nil
	}
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Account:      account.Hex(),
		Asset:        asset,
		Balance:      balance,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetTransferHistory returns transfers from or to account, newest first.
// beforeSequence, when set, pages backwards from that sequence.
func (qs *QueryService) GetTransferHistory(
	ctx context.Context,
	account common.Address,
	limit int,
	beforeSequence *int64,
) (entries []TransferHistoryEntry, err error) {
	defer qs.observe("transfer_history", time.Now(), &err)

	query := `
		SELECT t.entry_id, t.sequence, t.entry_type, t.asset,
		       COALESCE(t.from_account, ''), t.to_account, t.amount::TEXT, e.timestamp
		FROM event_log.transfers t
		JOIN event_log.events e ON e.sequence = t.sequence
		WHERE (t.from_account = $1 OR t.to_account = $1)
	`
	args := []interface{}{account.Hex()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND t.sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY t.sequence DESC, t.entry_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e TransferHistoryEntry
		var ts time.Time
		if err := rows.Scan(
			&e.EntryID, &e.Sequence, &e.EntryType, &e.Asset,
			&e.From, &e.To, &e.Amount, &ts,
		); err != nil {
			return nil, err
		}
		e.Timestamp = ts.UnixMicro()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
