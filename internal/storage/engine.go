// Package storage provides the embedded SQLite storage engine shared by the
// map repository, the CRDT snapshot store, and the admin facade.
package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"mindmeld/internal/domain"
)

// schema is idempotent; Open applies it on every start.
const schema = `
CREATE TABLE IF NOT EXISTS maps (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL CHECK(length(name) <= 255),
    version INTEGER NOT NULL DEFAULT 1 CHECK(version >= 1),
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    state_json TEXT NOT NULL,
    size_bytes INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_maps_updated_at ON maps(updated_at);

CREATE TABLE IF NOT EXISTS yjs_snapshots (
    map_id TEXT PRIMARY KEY REFERENCES maps(id) ON DELETE CASCADE,
    snapshot BLOB NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS migrations (
    version TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TEXT NOT NULL,
    execution_time_ms INTEGER NOT NULL,
    checksum TEXT NOT NULL
);
`

// Engine wraps the SQLite handle with the pragmas and schema the rest of the
// system depends on.
type Engine struct {
	db     *sql.DB
	path   string
	wal    bool
	logger *zap.Logger
}

// Open opens (creating if needed) the database file at path, applies the
// required pragmas, and ensures the schema exists. WAL is preferred; when the
// filesystem rejects it the engine falls back to the rollback journal.
func Open(path string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to create database directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to open database %s", path)
	}

	// The modernc driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	e := &Engine{db: db, path: path, logger: logger}
	if err := e.applyPragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to create schema")
	}

	return e, nil
}

func (e *Engine) applyPragmas() error {
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := e.db.Exec(pragma); err != nil {
			return domain.WrapError(domain.KindStorageUnavailable, err, "failed to apply %s", pragma)
		}
	}

	// WAL can be rejected on restricted filesystems; SQLite then keeps the
	// previous journal mode and we continue on the rollback journal.
	var mode string
	if err := e.db.QueryRow("PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to set journal mode")
	}
	e.wal = strings.EqualFold(mode, "wal")
	if !e.wal {
		e.logger.Warn("WAL unavailable, using rollback journal",
			zap.String("path", e.path),
			zap.String("journal_mode", mode))
	}

	return nil
}

// DB exposes the underlying handle to the repositories.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Path returns the database file path.
func (e *Engine) Path() string {
	return e.path
}

// WAL reports whether write-ahead logging is active.
func (e *Engine) WAL() bool {
	return e.wal
}

// IntegrityCheck runs PRAGMA integrity_check and returns "ok" or the
// diagnostic string SQLite produced. Failures are surfaced, never repaired.
func (e *Engine) IntegrityCheck(ctx context.Context) (string, error) {
	rows, err := e.db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return "", domain.WrapError(domain.KindStorageUnavailable, err, "integrity check failed to run")
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", errors.Wrap(err, "failed to scan integrity check row")
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return "", errors.Wrap(err, "failed to read integrity check rows")
	}

	result := strings.Join(lines, "\n")
	if !strings.EqualFold(result, "ok") {
		return result, domain.NewError(domain.KindCorruption, "integrity check failed: %s", result)
	}
	return "ok", nil
}

// OnlineBackup writes an atomic, consistent copy of the database to destPath
// using VACUUM INTO, which is safe while writers continue. The destination
// must not already exist.
func (e *Engine) OnlineBackup(ctx context.Context, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return domain.Invalidf("backup destination %s already exists", destPath)
	}
	if dir := filepath.Dir(destPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return domain.WrapError(domain.KindStorageUnavailable, err, "failed to create backup directory %s", dir)
		}
	}

	if _, err := e.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		os.Remove(destPath)
		if ctx.Err() != nil {
			return domain.WrapError(domain.KindCancelled, ctx.Err(), "backup cancelled")
		}
		return domain.WrapError(domain.KindStorageUnavailable, err, "online backup to %s failed", destPath)
	}

	return nil
}

// WithTxn runs fn inside a transaction, rolling back on error.
func (e *Engine) WithTxn(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapError(domain.KindStorageUnavailable, err, "failed to commit transaction")
	}
	return nil
}

// Counts returns the row counts used by readiness checks and backup metadata.
func (e *Engine) Counts(ctx context.Context) (maps, snapshots int64, err error) {
	if err = e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM maps").Scan(&maps); err != nil {
		return 0, 0, errors.Wrap(err, "failed to count maps")
	}
	if err = e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM yjs_snapshots").Scan(&snapshots); err != nil {
		return 0, 0, errors.Wrap(err, "failed to count snapshots")
	}
	return maps, snapshots, nil
}

// Close closes the underlying database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// ErrNoRows re-exports sql.ErrNoRows for callers that only import storage.
var ErrNoRows = sql.ErrNoRows
