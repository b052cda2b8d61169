package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpBook/internal/engine"
)

// SnapshotManager saves and loads engine snapshots for recovery. Warm
// restart loads the latest snapshot, then replays the tx log from
// snapshot.sequence+1 to head.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists one engine snapshot.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *engine.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO tx_log.snapshots
			(snapshot_id, sequence, data, state_hash, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $5
	`, uuid.New(), snap.Sequence, data, snap.PrevHash[:], len(data), time.Now())

	return err
}

// LoadLatestSnapshot returns the most recent snapshot, or nil on cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*engine.Snapshot, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM tx_log.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap engine.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ReplayTx is one logged transaction ready for re-application.
type ReplayTx struct {
	Sequence int64
	TxType   string
	Payload  []byte
}

// LoadTxsFrom streams logged transactions at or after fromSequence in
// order, for replay after snapshot restore.
func (sm *SnapshotManager) LoadTxsFrom(ctx context.Context, fromSequence int64, fn func(ReplayTx) error) error {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, tx_type, payload FROM tx_log.transactions
		WHERE sequence >= $1
		ORDER BY sequence ASC
	`, fromSequence)
	if err != nil {
		return fmt.Errorf("load txs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var replay ReplayTx
		if err := rows.Scan(&replay.Sequence, &replay.TxType, &replay.Payload); err != nil {
			return err
		}
		if err := fn(replay); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PruneSnapshots keeps the newest n snapshots.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) error {
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM tx_log.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM tx_log.snapshots ORDER BY sequence DESC LIMIT $1
		)
	`, keep)
	return err
}
