// Package repository implements the persistent views of map documents: the
// REST-facing maps table and the CRDT snapshot blob store.
package repository

import (
	"context"
	"database/sql"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mindmeld/internal/domain"
	"mindmeld/internal/storage"
)

// DefaultPageSize bounds List when the caller does not ask for a size.
const DefaultPageSize = 50

// MaxPageSize caps List page sizes.
const MaxPageSize = 200

// InvalidateFunc is called after a successful REST write so a live CRDT
// replica for the same id can be torn down before stale reads happen.
type InvalidateFunc func(mapID string)

// MapRepository provides CRUD over the maps table with optimistic
// concurrency and strong ETags.
type MapRepository struct {
	engine     *storage.Engine
	logger     *zap.Logger
	invalidate InvalidateFunc
}

// NewMapRepository creates a map repository over the given engine.
func NewMapRepository(engine *storage.Engine, logger *zap.Logger) *MapRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MapRepository{engine: engine, logger: logger}
}

// SetInvalidateFunc wires the registry invalidation hook. Passing nil
// disables the hook.
func (r *MapRepository) SetInvalidateFunc(fn InvalidateFunc) {
	r.invalidate = fn
}

// ETag derives the strong entity tag for (id, version). The same pair always
// produces the same tag; distinct versions never collide because the version
// is part of the hashed input and the tag embeds it.
func ETag(id string, version int64) string {
	sum := xxhash.Sum64String(id + ":" + strconv.FormatInt(version, 10))
	return `"` + strconv.FormatInt(version, 10) + "-" + strconv.FormatUint(sum, 16) + `"`
}

// Create validates and stores a new map, returning the full row.
func (r *MapRepository) Create(ctx context.Context, name string, data *domain.MindMap) (*domain.Map, error) {
	if err := domain.ValidateName(name); err != nil {
		return nil, err
	}
	if data == nil {
		data = &domain.MindMap{}
	}

	now := time.Now().UTC()
	data.Normalize(now)
	if err := data.Validate(); err != nil {
		return nil, err
	}
	stateJSON, err := data.Encode()
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "failed to encode document")
	}

	m := &domain.Map{
		ID:        uuid.NewString(),
		Name:      name,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		StateJSON: stateJSON,
		SizeBytes: int64(len(stateJSON)),
	}

	err = r.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO maps (id, name, version, created_at, updated_at, state_json, size_bytes)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Name, m.Version, fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt), m.StateJSON, m.SizeBytes)
		return err
	})
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to insert map")
	}

	r.logger.Info("map created", zap.String("map_id", m.ID), zap.String("name", m.Name))
	return m, nil
}

// Get returns the full map row.
func (r *MapRepository) Get(ctx context.Context, id string) (*domain.Map, error) {
	row := r.engine.DB().QueryRowContext(ctx,
		`SELECT id, name, version, created_at, updated_at, state_json, size_bytes
		 FROM maps WHERE id = ?`, id)
	return scanMap(row, id)
}

// ListPage is one page of map summaries.
type ListPage struct {
	Items      []domain.MapSummary `json:"items"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

// List returns summaries ordered by most recent update, with keyset
// pagination and an optional case-insensitive name filter.
func (r *MapRepository) List(ctx context.Context, cursor string, limit int, filter string) (*ListPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	query := `SELECT id, name, version, updated_at, size_bytes FROM maps`
	var args []interface{}
	var conds []string

	if cursor != "" {
		updatedAt, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		conds = append(conds, `(updated_at < ? OR (updated_at = ? AND id < ?))`)
		args = append(args, updatedAt, updatedAt, id)
	}
	if filter != "" {
		conds = append(conds, `name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(filter)+"%")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := r.engine.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to list maps")
	}
	defer rows.Close()

	page := &ListPage{Items: []domain.MapSummary{}}
	for rows.Next() {
		var s domain.MapSummary
		var updatedAt string
		if err := rows.Scan(&s.ID, &s.Name, &s.Version, &updatedAt, &s.SizeBytes); err != nil {
			return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to scan map summary")
		}
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		page.Items = append(page.Items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to iterate map summaries")
	}

	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		last := page.Items[len(page.Items)-1]
		page.NextCursor = encodeCursor(fmtTime(last.UpdatedAt), last.ID)
	}
	return page, nil
}

// UpdateInput is the partial update accepted by Update. Version is the
// client's last observed version and drives optimistic concurrency.
type UpdateInput struct {
	Version int64
	Name    *string
	Data    *domain.MindMap
}

// Update applies a partial update if and only if the stored version matches
// the client's. On success the version increments by exactly one.
func (r *MapRepository) Update(ctx context.Context, id string, in UpdateInput) (*domain.Map, error) {
	if in.Name == nil && in.Data == nil {
		return nil, domain.Invalidf("update requires name or data")
	}
	if in.Name != nil {
		if err := domain.ValidateName(*in.Name); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	var stateJSON string
	if in.Data != nil {
		in.Data.Normalize(now)
		if err := in.Data.Validate(); err != nil {
			return nil, err
		}
		var err error
		stateJSON, err = in.Data.Encode()
		if err != nil {
			return nil, domain.WrapError(domain.KindInternal, err, "failed to encode document")
		}
	}

	var updated *domain.Map
	err := r.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, name, version, created_at, updated_at, state_json, size_bytes
			 FROM maps WHERE id = ?`, id)
		current, err := scanMap(row, id)
		if err != nil {
			return err
		}
		if current.Version != in.Version {
			return domain.Conflictf("version mismatch: stored %d, client %d", current.Version, in.Version)
		}

		next := *current
		next.Version = current.Version + 1
		next.UpdatedAt = now
		if in.Name != nil {
			next.Name = *in.Name
		}
		if in.Data != nil {
			next.StateJSON = stateJSON
			next.SizeBytes = int64(len(stateJSON))
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE maps SET name = ?, version = ?, updated_at = ?, state_json = ?, size_bytes = ?
			 WHERE id = ? AND version = ?`,
			next.Name, next.Version, fmtTime(next.UpdatedAt), next.StateJSON, next.SizeBytes,
			id, in.Version)
		if err != nil {
			return domain.WrapError(domain.KindStorageUnavailable, err, "failed to update map")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.WrapError(domain.KindStorageUnavailable, err, "failed to read update result")
		}
		if n == 0 {
			return domain.Conflictf("version mismatch on map %s", id)
		}

		// The CRDT snapshot predates this document and must not win over it
		// on the next replica load. Name-only updates keep the snapshot: the
		// collaborative state is unaffected and may hold edits the row lacks.
		if in.Data != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM yjs_snapshots WHERE map_id = ?", id); err != nil {
				return domain.WrapError(domain.KindStorageUnavailable, err, "failed to drop stale snapshot for map %s", id)
			}
		}

		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}

	// A live replica must not serve state older than this write.
	if r.invalidate != nil {
		r.invalidate(id)
	}

	r.logger.Info("map updated",
		zap.String("map_id", id),
		zap.Int64("version", updated.Version))
	return updated, nil
}

// Delete removes the map. The snapshot row cascades; loaded replicas and
// their sessions are torn down through the invalidation hook.
func (r *MapRepository) Delete(ctx context.Context, id string) error {
	err := r.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM maps WHERE id = ?", id)
		if err != nil {
			return domain.WrapError(domain.KindStorageUnavailable, err, "failed to delete map")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.WrapError(domain.KindStorageUnavailable, err, "failed to read delete result")
		}
		if n == 0 {
			return domain.NotFoundf("map %s", id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if r.invalidate != nil {
		r.invalidate(id)
	}

	r.logger.Info("map deleted", zap.String("map_id", id))
	return nil
}

// EnsureExists returns the map row, creating an empty one when the id is
// unknown. The document registry uses this when the first binary session
// opens against a brand-new id.
func (r *MapRepository) EnsureExists(ctx context.Context, id, name string) (*domain.Map, error) {
	m, err := r.Get(ctx, id)
	if err == nil {
		return m, nil
	}
	if domain.KindOf(err) != domain.KindNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	doc := &domain.MindMap{}
	doc.Normalize(now)
	stateJSON, err := doc.Encode()
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "failed to encode empty document")
	}

	m = &domain.Map{
		ID:        id,
		Name:      name,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		StateJSON: stateJSON,
		SizeBytes: int64(len(stateJSON)),
	}
	err = r.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		// Another session may have raced us; keep the existing row.
		_, err := tx.ExecContext(ctx,
			`INSERT INTO maps (id, name, version, created_at, updated_at, state_json, size_bytes)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			m.ID, m.Name, m.Version, fmtTime(now), fmtTime(now), m.StateJSON, m.SizeBytes)
		return err
	})
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to create map %s", id)
	}

	return r.Get(ctx, id)
}

func scanMap(row *sql.Row, id string) (*domain.Map, error) {
	var m domain.Map
	var createdAt, updatedAt string
	err := row.Scan(&m.ID, &m.Name, &m.Version, &createdAt, &updatedAt, &m.StateJSON, &m.SizeBytes)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("map %s", id)
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, err, "failed to read map %s", id)
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &m, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeCursor(updatedAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(updatedAt + "|" + id))
}

func decodeCursor(cursor string) (updatedAt, id string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", domain.Invalidf("malformed cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", domain.Invalidf("malformed cursor")
	}
	return parts[0], parts[1], nil
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}
