package repository

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"mindmeld/internal/domain"
	"mindmeld/internal/storage"
)

// SnapshotRepository is the durable blob store for per-map CRDT state
// snapshots. Callers always pass full-state encodings, so a single surviving
// row per map id is sufficient to reconstruct the replica.
type SnapshotRepository struct {
	engine *storage.Engine
	logger *zap.Logger
}

// NewSnapshotRepository creates a snapshot repository over the given engine.
func NewSnapshotRepository(engine *storage.Engine, logger *zap.Logger) *SnapshotRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotRepository{engine: engine, logger: logger}
}

// Save upserts the snapshot for mapID. Last writer wins per id.
func (r *SnapshotRepository) Save(ctx context.Context, mapID string, snapshot []byte) error {
	err := r.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO yjs_snapshots (map_id, snapshot, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(map_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
			mapID, snapshot, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to save snapshot for map %s", mapID)
	}
	return nil
}

// Load returns the snapshot bytes for mapID, or NotFound.
func (r *SnapshotRepository) Load(ctx context.Context, mapID string) ([]byte, error) {
	var snapshot []byte
	err := r.engine.DB().QueryRowContext(ctx,
		"SELECT snapshot FROM yjs_snapshots WHERE map_id = ?", mapID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("snapshot for map %s", mapID)
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to load snapshot for map %s", mapID)
	}
	return snapshot, nil
}

// Delete removes the snapshot for mapID. Deleting a missing snapshot is not
// an error; map deletion already cascades here.
func (r *SnapshotRepository) Delete(ctx context.Context, mapID string) error {
	err := r.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM yjs_snapshots WHERE map_id = ?", mapID)
		return err
	})
	if err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to delete snapshot for map %s", mapID)
	}
	return nil
}
