package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"LubaLedger/internal/core"
	"LubaLedger/internal/event"
	"LubaLedger/internal/ledger"
	fpmath "LubaLedger/internal/math"
	"LubaLedger/internal/state"

	"github.com/google/uuid"
)

const snapshotFormatVersion = 1 // v1: JSON-encoded SnapshotData

// SnapshotManager creates and loads state snapshots and reads the event log
// for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64                   `json:"sequence"`
	StateHash       []byte                  `json:"state_hash"`
	Balances        map[string]string       `json:"balances"` // AccountPath -> base units
	Auctions        []state.AuctionSnapshot `json:"auctions"`
	IdempotencyKeys []string                `json:"idempotency_keys"` // Recent keys for LRU warming
	InFlight        []core.Payout           `json:"in_flight,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FromCoreSnapshot converts the engine's snapshot into its stored form.
func FromCoreSnapshot(snap *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make(map[string]string, len(snap.Balances))
	for key, bal := range snap.Balances {
		balances[key.AccountPath()] = bal.String()
	}
	return &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       append([]byte(nil), snap.StateHash[:]...),
		Balances:        balances,
		Auctions:        snap.Auctions,
		IdempotencyKeys: snap.IdempotencyKeys,
		InFlight:        snap.InFlight,
		CreatedAt:       createdAt,
	}
}

// ToCoreSnapshot converts a stored snapshot back for RestoreFromSnapshot.
func (s *SnapshotData) ToCoreSnapshot() (*core.SnapshotState, error) {
	if len(s.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", s.Sequence, len(s.StateHash))
	}

	out := &core.SnapshotState{
		Sequence:        s.Sequence,
		Balances:        make(map[ledger.AccountKey]fpmath.Quantity, len(s.Balances)),
		Auctions:        s.Auctions,
		IdempotencyKeys: s.IdempotencyKeys,
		InFlight:        s.InFlight,
	}
	copy(out.StateHash[:], s.StateHash)

	for path, raw := range s.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", s.Sequence, err)
		}
		bal, err := fpmath.QuantityFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: balance %s: %w", s.Sequence, path, err)
		}
		out.Balances[key] = bal
	}
	return out, nil
}

// SaveSnapshot persists a snapshot. It stays unverified until MarkVerified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil if
// there is none (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, auction_id, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var auctionID sql.NullInt64
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &auctionID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if auctionID.Valid {
			id := auctionID.Int64
			e.AuctionID = &id
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}

// ToEnvelope rebuilds the envelope the engine produced for a stored row.
func (e EventRow) ToEnvelope() (*event.EventEnvelope, error) {
	et := event.ParseEventType(e.EventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("seq %d: unknown event type %q", e.Sequence, e.EventType)
	}
	if len(e.StateHash) != 32 || len(e.PrevHash) != 32 {
		return nil, fmt.Errorf("seq %d: malformed hashes", e.Sequence)
	}

	env := &event.EventEnvelope{
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		EventType:      et,
		Timestamp:      e.Timestamp,
		Payload:        e.Payload,
	}
	if e.AuctionID != nil {
		id := uint64(*e.AuctionID)
		env.AuctionID = &id
	}
	copy(env.StateHash[:], e.StateHash)
	copy(env.PrevHash[:], e.PrevHash)
	return env, nil
}
