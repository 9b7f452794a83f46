package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"LubaLedger/internal/core"
	"LubaLedger/internal/event"
	"LubaLedger/internal/observability"

	"github.com/rs/zerolog"
)

const catchUpPageSize = 500

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	execer
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop: when a gap shows up the
// worker reads the missing range back from the event log. If the log has
// not caught up either, RebuildProjections restores the view later.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// LastSequence returns the last sequence folded into the projection.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := LoadWatermark(ctx, pw.db, AuctionsProjection)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
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
			pw.handle(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) handle(ctx context.Context, output core.CoreOutput) {
	seq := output.Envelope.Sequence
	if seq <= pw.lastSeq {
		return
	}

	if seq > pw.lastSeq+1 {
		if err := pw.catchUp(ctx, seq-1); err != nil {
			pw.logger.Warn().Err(err).Int64("from", pw.lastSeq+1).Int64("to", seq-1).
				Msg("projection gap not filled; rebuild required")
		}
	}

	if err := pw.processOutput(ctx, seq, output.Event); err != nil {
		// Projections are eventually consistent and can be rebuilt from the
		// event log, so a failed update is logged and skipped.
		pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
	}
	pw.lastSeq = seq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, seq int64, evt event.Event) error {
	start := time.Now()
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyAuctionEvent(ctx, tx, seq, evt); err != nil {
		return fmt.Errorf("auction projection: %w", err)
	}
	if err := advanceWatermark(ctx, tx, AuctionsProjection, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(AuctionsProjection).Observe(time.Since(start).Seconds())
	}
	return nil
}

// catchUp applies persisted events in (lastSeq, to] that the channel dropped.
func (pw *ProjectionWorker) catchUp(ctx context.Context, to int64) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	last, err := replayRange(ctx, tx, pw.lastSeq+1, to)
	if err != nil {
		return err
	}
	if last > pw.lastSeq {
		if err := advanceWatermark(ctx, tx, AuctionsProjection, last); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	pw.lastSeq = last
	if last < to {
		return fmt.Errorf("event log at %d, projection needs %d", last, to)
	}
	return nil
}

// LoadWatermark returns the last sequence applied to the named projection,
// or 0 when it has never run.
func LoadWatermark(ctx context.Context, db *sql.DB, name string) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// RebuildProjections rebuilds all projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB) (int64, error) {
	logger := observability.NewLogger("projection")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.auctions`,
		`DELETE FROM projections.watermark WHERE projection_name = 'auctions'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	last, err := replayRange(ctx, tx, 1, -1)
	if err != nil {
		return 0, err
	}
	if last > 0 {
		if err := advanceWatermark(ctx, tx, AuctionsProjection, last); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	logger.Info().Int64("last_sequence", last).Msg("projection rebuild complete")
	return last, nil
}

type storedEvent struct {
	sequence  int64
	eventType string
	payload   []byte
}

// replayRange applies events with from <= sequence <= to (to < 0 means no
// upper bound) and returns the last sequence applied, or from-1 when the
// range is empty. Pages are read fully before applying since lib/pq cannot
// exec while a result set is open on the same connection.
func replayRange(ctx context.Context, tx dbtx, from, to int64) (int64, error) {
	last := from - 1
	for {
		page, err := loadPage(ctx, tx, last+1, to)
		if err != nil {
			return last, err
		}
		if len(page) == 0 {
			return last, nil
		}
		for _, se := range page {
			if se.sequence != last+1 {
				return last, fmt.Errorf("event log gap at %d", last+1)
			}
			evt, err := event.Decode(se.eventType, se.payload)
			if err != nil {
				return last, fmt.Errorf("seq %d: %w", se.sequence, err)
			}
			if err := applyAuctionEvent(ctx, tx, se.sequence, evt); err != nil {
				return last, fmt.Errorf("seq %d: %w", se.sequence, err)
			}
			last = se.sequence
		}
	}
}

func loadPage(ctx context.Context, tx dbtx, from, to int64) ([]storedEvent, error) {
	if to < 0 {
		to = math.MaxInt64
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, event_type, payload FROM event_log.events
		WHERE sequence >= $1 AND sequence <= $2
		ORDER BY sequence ASC
		LIMIT $3
	`, from, to, catchUpPageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []storedEvent
	for rows.Next() {
		var se storedEvent
		if err := rows.Scan(&se.sequence, &se.eventType, &se.payload); err != nil {
			return nil, err
		}
		page = append(page, se)
	}
	return page, rows.Err()
}
