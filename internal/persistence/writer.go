package persistence

import (
	"StakeLedger/internal/core"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes committed commands and their custody transfers to
// Postgres with multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Caller         string
	Command        []byte // wire-format command, replayed on startup
	Receipt        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// TransferRow represents a row in event_log.transfers
type TransferRow struct {
	EntryID     string
	Sequence    int64
	EntryType   string
	Asset       string
	FromAccount *string // nil for mints
	ToAccount   string
	Amount      string // NUMERIC(78,0)
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput flattens one core output into its event and transfer rows.
func RowsFromOutput(out core.Output) (EventRow, []TransferRow) {
	env := out.Envelope
	ev := EventRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller.Hex(),
		Command:        env.Command,
		Receipt:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}

	transfers := make([]TransferRow, 0, len(out.Receipt.Transfers))
	for _, t := range out.Receipt.Transfers {
		row := TransferRow{
			EntryID:   t.EntryID.String(),
			Sequence:  env.Sequence,
			EntryType: t.Type,
			Asset:     out.Receipt.Asset,
			ToAccount: t.To,
			Amount:    t.Amount,
		}
		if t.From != "" {
			from := t.From
			row.FromAccount = &from
		}
		transfers = append(transfers, row)
	}
	return ev, transfers
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	query, args := buildEventInsert(events)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteTransferBatch writes a batch of transfers to event_log.transfers.
func (w *EventLogWriter) WriteTransferBatch(ctx context.Context, ex execer, transfers []TransferRow) error {
	if len(transfers) == 0 {
		return nil
	}
	query, args := buildTransferInsert(transfers)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func buildEventInsert(events []EventRow) (string, []interface{}) {
	const cols = 9
	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, caller, command, receipt, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.Caller,
			e.Command, e.Receipt, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes
	return query, args
}

func buildTransferInsert(transfers []TransferRow) (string, []interface{}) {
	const cols = 7
	query := `INSERT INTO event_log.transfers
		(entry_id, sequence, entry_type, asset, from_account, to_account, amount)
		VALUES `

	values := make([]string, 0, len(transfers))
	args := make([]interface{}, 0, len(transfers)*cols)

	for i, t := range transfers {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			t.EntryID, t.Sequence, t.EntryType, t.Asset,
			t.FromAccount, t.ToAccount, t.Amount,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"
	return query, args
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
