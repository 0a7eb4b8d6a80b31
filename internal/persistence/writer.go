package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PerpBook/internal/core"
	"PerpBook/internal/event"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes notifications and journals to Postgres using
// multi-row INSERTs. Writes are idempotent on the primary keys so a retried
// batch is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	MarketID  string
	Sequence  int64
	EventType string
	Ref       string
	Payload   []byte // JSON-encoded event payload
	Hash      []byte
	PrevHash  []byte
	Timestamp int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	MarketID      string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        string // decimal at the Usd scale
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts one engine output into its rows.
func RowsFromOutput(out core.Output) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		MarketID:  env.MarketID,
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Ref:       env.Ref,
		Payload:   env.Payload,
		Hash:      append([]byte(nil), env.Hash[:]...),
		PrevHash:  append([]byte(nil), env.PrevHash[:]...),
		Timestamp: env.Timestamp,
	}
	if out.Batch == nil {
		return row, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			MarketID:      env.MarketID,
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Amount:        j.Amount.String(),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return row, journals
}

// Envelope rebuilds the chained envelope a row was written from.
func (r EventRow) Envelope() (*event.Envelope, error) {
	et, err := event.ParseEventType(r.EventType)
	if err != nil {
		return nil, fmt.Errorf("seq %d: %w", r.Sequence, err)
	}
	env := &event.Envelope{
		Sequence:  r.Sequence,
		EventType: et,
		MarketID:  r.MarketID,
		Timestamp: r.Timestamp,
		Ref:       r.Ref,
		Payload:   r.Payload,
	}
	if len(r.Hash) != len(env.Hash) || len(r.PrevHash) != len(env.PrevHash) {
		return nil, fmt.Errorf("seq %d: malformed hash columns", r.Sequence)
	}
	copy(env.Hash[:], r.Hash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, exec Execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(market_id, sequence, event_type, ref, payload, hash, prev_hash, timestamp_us)
		VALUES `

	const cols = 8
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.MarketID, e.Sequence, e.EventType, e.Ref,
			string(e.Payload), e.Hash, e.PrevHash, e.Timestamp,
		)
	}

	// payload is a JSON column, sent as text so it is stored byte for byte
	query += strings.Join(values, ", ")
	query += " ON CONFLICT (market_id, sequence) DO NOTHING"

	_, err := exec.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, exec Execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, market_id, event_ref, sequence, debit_account, credit_account, amount, journal_type, timestamp_us)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.MarketID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := exec.ExecContext(ctx, query, args...)
	return err
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

// LoadEventsFrom loads events of market from fromSequence in sequence order.
func LoadEventsFrom(ctx context.Context, db *sql.DB, market string, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT market_id, sequence, event_type, ref, payload, hash, prev_hash, timestamp_us
		FROM event_log.events
		WHERE market_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
		LIMIT $3
	`, market, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.MarketID, &e.Sequence, &e.EventType, &e.Ref,
			&e.Payload, &e.Hash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence written for market.
func GetLatestSequence(ctx context.Context, db *sql.DB, market string) (int64, error) {
	var seq sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events WHERE market_id = $1
	`, market).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
