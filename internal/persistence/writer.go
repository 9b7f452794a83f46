package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"LubaLedger/internal/core"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row
// INSERTs. Writes are idempotent on the primary keys.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	AuctionID      *int64
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        string // base units, NUMERIC(78,0)
	JournalType   string
	Timestamp     int64
}

// Output is one core output flattened into rows.
type Output struct {
	EventRow    EventRow
	JournalRows []JournalRow
}

// FromCoreOutput converts an engine output into rows.
func FromCoreOutput(out core.CoreOutput) Output {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}
	if env.AuctionID != nil {
		id := int64(*env.AuctionID)
		row.AuctionID = &id
	}

	var journals []JournalRow
	if out.Batch != nil {
		journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount.String(),
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}

	return Output{EventRow: row, JournalRows: journals}
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, auction_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*8)

	for i, e := range events {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.AuctionID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, int32(j.AssetID), j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteOutputs writes events and their journals in one transaction.
func (w *EventLogWriter) WriteOutputs(ctx context.Context, events []EventRow, journals []JournalRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &writeError{stage: "tx_begin", err: err}
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return &writeError{stage: "write_events", err: err}
	}
	if err := w.WriteJournalBatch(ctx, tx, journals); err != nil {
		return &writeError{stage: "write_journals", err: err}
	}
	if err := tx.Commit(); err != nil {
		return &writeError{stage: "tx_commit", err: err}
	}
	return nil
}

// writeError tags a failure with the stage it happened in, for metrics.
type writeError struct {
	stage string
	err   error
}

func (e *writeError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }
