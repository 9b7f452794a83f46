package persistence

import (
	"context"
	"fmt"
	"time"

	"LubaLedger/internal/core"
	"LubaLedger/internal/observability"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// RecoveryStats describes what Recover did.
type RecoveryStats struct {
	SnapshotSequence int64
	Replayed         int64
	Tip              [32]byte
	// InFlight counts transfers requested before the restart with no
	// recorded outcome. Engine.ReconcilePayouts settles them.
	InFlight int
}

// Recover restores the engine from the latest verified snapshot, if any,
// then replays every later event. Replay applies stored facts only; the
// token collaborator is never called. Any gap or hash mismatch aborts.
func Recover(
	ctx context.Context,
	eng *core.Engine,
	sm *SnapshotManager,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (RecoveryStats, error) {
	start := time.Now()
	var stats RecoveryStats

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return stats, err
	}
	if snap != nil {
		coreSnap, err := snap.ToCoreSnapshot()
		if err != nil {
			return stats, err
		}
		if err := eng.RestoreFromSnapshot(coreSnap); err != nil {
			return stats, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		stats.SnapshotSequence = snap.Sequence
		logger.Info().Int64("sequence", snap.Sequence).Int("idempotency_keys", len(snap.IdempotencyKeys)).
			Msg("restored state from snapshot")
	}

	from := stats.SnapshotSequence + 1
	for {
		rows, err := sm.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return stats, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			env, err := row.ToEnvelope()
			if err != nil {
				return stats, err
			}
			if err := eng.ReplayEvent(env); err != nil {
				return stats, err
			}
			stats.Replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	if err := eng.CheckInvariants(); err != nil {
		return stats, fmt.Errorf("after replay: %w", err)
	}

	stats.Tip = eng.GetStateHash()
	for _, p := range eng.InFlightPayouts() {
		stats.InFlight++
		logger.Warn().Str("kind", string(p.Kind)).Str("id", p.ID.String()).
			Str("recipient", p.Recipient.Hex()).Int64("sequence", p.Sequence).
			Msg("payout in flight at restart")
	}
	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
		metrics.PayoutsInFlight.Set(float64(stats.InFlight))
	}
	logger.Info().Int64("replayed", stats.Replayed).Int64("next_sequence", eng.GetSequence()).Int("in_flight", stats.InFlight).
		Hex("tip", stats.Tip[:]).Msg("recovery complete")
	return stats, nil
}

// TakeSnapshot captures the engine state and stores it. The snapshot is
// marked verified only once the event log has caught up to its sequence, so
// recovery never starts from state the log cannot extend.
func TakeSnapshot(
	ctx context.Context,
	eng *core.Engine,
	sm *SnapshotManager,
	metrics *observability.Metrics,
) (int64, error) {
	start := time.Now()

	coreSnap := eng.CreateSnapshotState()
	data := FromCoreSnapshot(coreSnap, time.Now().UTC())

	size, err := sm.SaveSnapshot(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", data.Sequence, err)
	}
	latest, err := sm.GetLatestSequence(ctx)
	if err != nil {
		return 0, err
	}
	if latest < data.Sequence {
		return 0, fmt.Errorf("snapshot %d left unverified: event log at %d", data.Sequence, latest)
	}
	if err := sm.MarkVerified(ctx, data.Sequence); err != nil {
		return 0, fmt.Errorf("verify snapshot %d: %w", data.Sequence, err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	return data.Sequence, nil
}
