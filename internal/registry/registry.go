// Package registry owns the live CRDT replicas, one per map id. Sessions
// hold refcounted handles, never replica pointers, so teardown stays
// deterministic.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"mindmeld/internal/crdt"
	"mindmeld/internal/domain"
	"mindmeld/internal/repository"
)

// DefaultMapName names rows created implicitly by a first session on an
// unknown id.
const DefaultMapName = "Untitled Map"

// Origin tags the producer of an update. Tag is the producing session's id;
// Remote marks updates relayed from another node, which the producing node
// already persisted.
type Origin struct {
	Tag    string
	Remote bool
}

// PublishFunc receives every applied update for fan-out.
type PublishFunc func(mapID string, update []byte, origin Origin)

// InvalidateNotifyFunc is called when a replica is forcibly closed so
// dependent sessions can be terminated.
type InvalidateNotifyFunc func(mapID string)

type entry struct {
	mapID string
	doc   *crdt.Document
	refs  int

	// mu serializes applies and snapshots per map; eviction takes it so a
	// replica is never evicted while an apply is in flight.
	mu          sync.Mutex
	invalidated bool
}

// Handle is a session's reference to a live replica.
type Handle struct {
	entry *entry
}

// MapID returns the map id the handle is bound to.
func (h *Handle) MapID() string {
	return h.entry.mapID
}

// Registry manages replica lifecycle: restore, refcounting, update dispatch
// and eviction.
type Registry struct {
	maps      *repository.MapRepository
	snapshots *repository.SnapshotRepository
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry

	publish      PublishFunc
	onInvalidate InvalidateNotifyFunc
}

// New creates a registry over the two persistent stores.
func New(maps *repository.MapRepository, snapshots *repository.SnapshotRepository, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		maps:      maps,
		snapshots: snapshots,
		logger:    logger,
		entries:   make(map[string]*entry),
	}
}

// SetPublishFunc wires the session hub broadcast.
func (r *Registry) SetPublishFunc(fn PublishFunc) {
	r.publish = fn
}

// SetInvalidateNotifyFunc wires the session hub teardown hook.
func (r *Registry) SetInvalidateNotifyFunc(fn InvalidateNotifyFunc) {
	r.onInvalidate = fn
}

// Acquire returns a handle to the live replica for mapID, restoring it from
// the snapshot store (or seeding from the maps row, or starting empty) when
// it is not loaded. The reference count increments.
func (r *Registry) Acquire(ctx context.Context, mapID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[mapID]; ok {
		e.refs++
		return &Handle{entry: e}, nil
	}

	doc, err := r.restore(ctx, mapID)
	if err != nil {
		return nil, err
	}

	e := &entry{mapID: mapID, doc: doc, refs: 1}
	r.entries[mapID] = e
	r.logger.Info("replica loaded", zap.String("map_id", mapID))
	return &Handle{entry: e}, nil
}

// restore loads the freshest durable view of the map: the CRDT snapshot when
// one exists, else the REST row (created empty if the id is new).
func (r *Registry) restore(ctx context.Context, mapID string) (*crdt.Document, error) {
	sid := crdt.NewSessionID()

	blob, err := r.snapshots.Load(ctx, mapID)
	if err == nil {
		doc, err := crdt.DecodeSnapshot(sid, blob)
		if err != nil {
			return nil, domain.WrapError(domain.KindCorruption, err, "snapshot for map %s is unreadable", mapID)
		}
		return doc, nil
	}
	if domain.KindOf(err) != domain.KindNotFound {
		return nil, err
	}

	row, err := r.maps.EnsureExists(ctx, mapID, DefaultMapName)
	if err != nil {
		return nil, err
	}
	m, err := domain.ParseMindMap([]byte(row.StateJSON))
	if err != nil {
		return nil, domain.WrapError(domain.KindCorruption, err, "stored document for map %s is unreadable", mapID)
	}

	doc := crdt.NewDocument(sid)
	if err := doc.SeedFromMindMap(m); err != nil {
		return nil, err
	}
	return doc, nil
}

// Release decrements the handle's reference count. At zero, with every
// update already flushed (applies persist synchronously), the replica is
// evicted.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := h.entry
	e.refs--
	if e.refs > 0 {
		return
	}

	if current, ok := r.entries[e.mapID]; ok && current == e {
		// Wait out any in-flight apply before the entry disappears.
		e.mu.Lock()
		e.invalidated = true
		e.mu.Unlock()
		delete(r.entries, e.mapID)
		r.logger.Info("replica evicted", zap.String("map_id", e.mapID))
	}
}

// Apply applies a binary update to the replica, persists the resulting full
// state (unless the update was relayed from a node that already persisted
// it), and publishes the update for fan-out. Applies to the same map are
// serialized. An update that pushes the document past its caps is rejected:
// nothing is persisted or published, and the replica is dropped so the next
// acquire restores the last durable state.
func (r *Registry) Apply(ctx context.Context, h *Handle, update []byte, origin Origin) error {
	e := h.entry
	drop, err := r.applyLocked(ctx, e, update, origin)
	if drop {
		r.evict(e)
	}
	return err
}

// applyLocked holds the entry lock for the whole apply. It reports whether
// the entry must be evicted because the update left it oversized.
func (r *Registry) applyLocked(ctx context.Context, e *entry, update []byte, origin Origin) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.invalidated {
		return false, domain.NotFoundf("replica for map %s is closed", e.mapID)
	}

	if err := e.doc.ApplyUpdate(update); err != nil {
		return false, err
	}

	// Full-state frames merge without the per-op checks, so the caps are
	// re-verified on the result.
	if err := e.doc.CheckLimits(); err != nil {
		e.invalidated = true
		r.logger.Warn("rejecting oversized update",
			zap.String("map_id", e.mapID),
			zap.Error(err))
		return true, err
	}

	if !origin.Remote {
		snapshot, err := e.doc.EncodeSnapshot()
		if err != nil {
			return false, err
		}
		if err := r.snapshots.Save(ctx, e.mapID, snapshot); err != nil {
			return false, err
		}
	}

	if r.publish != nil {
		r.publish(e.mapID, update, origin)
	}
	return false, nil
}

// evict removes the entry from the live set if it is still current.
func (r *Registry) evict(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[e.mapID]; ok && current == e {
		delete(r.entries, e.mapID)
	}
}

// Snapshot returns the current full-state encoding of the replica.
func (r *Registry) Snapshot(h *Handle) ([]byte, error) {
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.invalidated {
		return nil, domain.NotFoundf("replica for map %s is closed", e.mapID)
	}
	return e.doc.EncodeSnapshot()
}

// Invalidate forcibly closes the replica for mapID and notifies the hub so
// dependent sessions are terminated. The next Acquire reloads from storage.
func (r *Registry) Invalidate(mapID string) {
	r.mu.Lock()
	e, ok := r.entries[mapID]
	if ok {
		delete(r.entries, mapID)
	}
	r.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.invalidated = true
		e.mu.Unlock()
		r.logger.Info("replica invalidated", zap.String("map_id", mapID))
	}

	if r.onInvalidate != nil {
		r.onInvalidate(mapID)
	}
}

// Loaded reports whether a replica for mapID is currently in memory.
func (r *Registry) Loaded(mapID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[mapID]
	return ok
}
