package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"LubaLedger/internal/core"
	"LubaLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on the persist channel with a blocking send, so if this
// worker falls behind the engine stalls and no event is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// publishChan receives outputs once they are durable. Sends never block.
	publishChan chan<- core.CoreOutput
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// SetPublishChannel forwards every persisted output to ch.
func (pw *PersistenceWorker) SetPublishChannel(ch chan<- core.CoreOutput) {
	pw.publishChan = ch
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*2)
	outputs := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(eventBatch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).Int("events", len(eventBatch)).Msg("flush failed")
		} else {
			pw.forward(outputs)
		}
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
		outputs = outputs[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}

			rows := FromCoreOutput(output)
			eventBatch = append(eventBatch, rows.EventRow)
			journalBatch = append(journalBatch, rows.JournalRows...)
			outputs = append(outputs, output)

			if len(eventBatch) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

func (pw *PersistenceWorker) forward(outputs []core.CoreOutput) {
	if pw.publishChan == nil {
		return
	}
	for _, out := range outputs {
		select {
		case pw.publishChan <- out:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On cancellation it makes one last attempt with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(events)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), events, journals)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	if err := pw.writer.WriteOutputs(ctx, events, journals); err != nil {
		if pw.metrics != nil {
			stage := "unknown"
			var we *writeError
			if errors.As(err, &we) {
				stage = we.stage
			}
			pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}
