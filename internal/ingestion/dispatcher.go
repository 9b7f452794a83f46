package ingestion

import (
	"context"
	"errors"

	"LubaLedger/internal/core"
	"LubaLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Executor runs a typed command. *core.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, cmd core.Command) (core.Result, error)
}

// Outcome labels for ingest metrics.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
	OutcomeRetry     = "retry"
)

// Dispatcher feeds parsed commands to the engine and settles each message.
// Business rejections are final and acked; only internal failures, such as
// a token transfer that errored for a non-business reason, are redelivered.
type Dispatcher struct {
	exec    Executor
	in      <-chan RawCommand
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(exec Executor, in <-chan RawCommand, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		exec:    exec,
		in:      in,
		metrics: metrics,
		logger:  observability.NewLogger("ingestion"),
	}
}

// Run processes commands until ctx is cancelled or the input closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.in:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and returns its outcome.
func (d *Dispatcher) Handle(ctx context.Context, raw RawCommand) string {
	outcome := d.handle(ctx, raw)
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(raw.Subject, outcome).Inc()
	}
	return outcome
}

func (d *Dispatcher) handle(ctx context.Context, raw RawCommand) string {
	cmd, err := ParseRawCommand(raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		settle(raw.TermFunc)
		return OutcomeMalformed
	}

	_, err = d.exec.Execute(ctx, cmd)
	switch {
	case err == nil:
		settle(raw.AckFunc)
		return OutcomeApplied
	case errors.Is(err, core.ErrDuplicate):
		settle(raw.AckFunc)
		return OutcomeDuplicate
	case core.ErrorKind(err) != core.KindInternal:
		d.logger.Info().Err(err).Str("command", cmd.CommandName()).Msg("command rejected")
		settle(raw.AckFunc)
		return OutcomeRejected
	default:
		d.logger.Error().Err(err).Str("command", cmd.CommandName()).Msg("command failed; requesting redelivery")
		settle(raw.NakFunc)
		return OutcomeRetry
	}
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
