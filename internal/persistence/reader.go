package persistence

import (
	"StakeLedger/internal/event"
	"context"
	"database/sql"
	"fmt"
)

// StoredEvent is one logged command as read back for replay.
type StoredEvent struct {
	Sequence    int64
	CommandType event.CommandType
	Command     []byte
	Receipt     []byte
	StateHash   [32]byte
}

// EventLogReader reads the event log back in sequence order.
type EventLogReader struct {
	db *sql.DB
}

func NewEventLogReader(db *sql.DB) *EventLogReader {
	return &EventLogReader{db: db}
}

// Each streams every event with sequence >= from, in order, to fn. It
// stops at the first error fn returns.
func (r *EventLogReader) Each(ctx context.Context, from int64, fn func(StoredEvent) error) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, command_type, command, receipt, state_hash
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
	`, from)
	if err != nil {
		return fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			se        StoredEvent
			typeName  string
			stateHash []byte
		)
		if err := rows.Scan(&se.Sequence, &typeName, &se.Command, &se.Receipt, &stateHash); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		ct, ok := event.CommandTypeFromName(typeName)
		if !ok {
			return fmt.Errorf("event seq=%d: unknown command type %q", se.Sequence, typeName)
		}
		if len(stateHash) != len(se.StateHash) {
			return fmt.Errorf("event seq=%d: state hash is %d bytes", se.Sequence, len(stateHash))
		}
		se.CommandType = ct
		copy(se.StateHash[:], stateHash)

		if err := fn(se); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LastSequence returns the highest logged sequence, 0 for an empty log.
func (r *EventLogReader) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return seq.Int64, nil
}

// RecentIdempotencyKeys returns up to limit of the most recent command ids,
// oldest first, for warming the in-memory dedup cache.
func (r *EventLogReader) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT idempotency_key FROM (
			SELECT idempotency_key, sequence
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
