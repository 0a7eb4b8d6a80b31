package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PerpBook/internal/core"
	"PerpBook/internal/observability"

	"github.com/google/uuid"
)

// snapshotFormat v1: JSON-encoded core.SnapshotState
const snapshotFormat = 1

// SnapshotManager stores and loads full market snapshots for recovery.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// EncodeSnapshot serializes a snapshot for storage.
func EncodeSnapshot(snap *core.SnapshotState) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(data []byte) (*core.SnapshotState, error) {
	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot persists a snapshot. A second snapshot at the same sequence
// replaces the first.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error {
	return sm.saveSnapshot(ctx, sm.db, snap)
}

func (sm *SnapshotManager) saveSnapshot(ctx context.Context, ex Execer, snap *core.SnapshotState) error {
	start := time.Now()
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, market_id, sequence, data, chain_tip, state_digest, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (market_id, sequence) DO UPDATE
			SET data = EXCLUDED.data, chain_tip = EXCLUDED.chain_tip,
			    state_digest = EXCLUDED.state_digest, size_bytes = EXCLUDED.size_bytes
	`, uuid.New(), snap.MarketID, snap.Sequence, data, snap.ChainTip, snap.StateDigest,
		snapshotFormat, len(data), time.UnixMicro(snap.CreatedAt).UTC())
	if err != nil {
		return fmt.Errorf("save snapshot at seq %d: %w", snap.Sequence, err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

// pruneSnapshots keeps the newest keep snapshots of market.
func (sm *SnapshotManager) pruneSnapshots(ctx context.Context, ex Execer, market string, keep int) error {
	_, err := ex.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE market_id = $1 AND sequence < (
			SELECT MIN(sequence) FROM (
				SELECT sequence FROM event_log.snapshots
				WHERE market_id = $1
				ORDER BY sequence DESC
				LIMIT $2
			) newest
		)
	`, market, keep)
	if err != nil {
		return fmt.Errorf("prune snapshots of %s: %w", market, err)
	}
	return nil
}

// LoadLatestSnapshot returns the newest snapshot of market, or nil on a cold
// start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, market string) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT format_version, data FROM event_log.snapshots
		WHERE market_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, market)

	var (
		format int
		data   []byte
	)
	if err := row.Scan(&format, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if format != snapshotFormat {
		return nil, fmt.Errorf("snapshot format %d not supported", format)
	}
	return DecodeSnapshot(data)
}
