package storage

// Defined returns the canonical migration set for this database. Open creates
// the baseline schema itself, so the baseline migration is written to be
// idempotent and exists to anchor the version history.
func Defined() []Migration {
	return []Migration{
		{
			Version: "1.0.0",
			Name:    "baseline schema",
			SQL: `
CREATE TABLE IF NOT EXISTS maps (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL CHECK (length(name) <= 255),
	version INTEGER NOT NULL DEFAULT 1 CHECK (version >= 1),
	state_json TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS yjs_snapshots (
	map_id TEXT PRIMARY KEY REFERENCES maps(id) ON DELETE CASCADE,
	snapshot BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`,
		},
		{
			Version:   "1.1.0",
			Name:      "index maps by update recency",
			DependsOn: []string{"1.0.0"},
			SQL: `
CREATE INDEX IF NOT EXISTS idx_maps_updated_at ON maps (updated_at DESC, id DESC);`,
			RollbackSQL: `
DROP INDEX IF EXISTS idx_maps_updated_at;`,
		},
		{
			Version:   "1.2.0",
			Name:      "index maps by name for filtered listings",
			DependsOn: []string{"1.0.0"},
			SQL: `
CREATE INDEX IF NOT EXISTS idx_maps_name ON maps (name);`,
			RollbackSQL: `
DROP INDEX IF EXISTS idx_maps_name;`,
		},
	}
}
