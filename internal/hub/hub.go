// Package hub manages the long-lived bidirectional binary sessions carrying
// CRDT updates, one session per client connection, each bound to one map.
package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mindmeld/internal/registry"
)

// Options tunes session behavior. Zero values fall back to defaults.
type Options struct {
	SendQueueSize int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	IdleTimeout   time.Duration
	ReadLimit     int64
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		SendQueueSize: 64,
		WriteTimeout:  10 * time.Second,
		PingInterval:  30 * time.Second,
		IdleTimeout:   75 * time.Second,
		ReadLimit:     1 << 20,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = def.SendQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = def.ReadLimit
	}
	return o
}

// Hub upgrades connections, tracks sessions per map, and fans out updates
// published by the document registry with origin suppression.
type Hub struct {
	registry *registry.Registry
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]map[*Session]struct{}
	closed   bool
}

// New creates a hub over the registry and wires itself in as the registry's
// broadcast and invalidation sink.
func New(reg *registry.Registry, logger *zap.Logger, opts Options) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		registry: reg,
		logger:   logger,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Authentication and origin policy terminate upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]map[*Session]struct{}),
	}
	reg.SetPublishFunc(h.Broadcast)
	reg.SetInvalidateNotifyFunc(h.CloseMap)
	return h
}

// ServeHTTP accepts a session at /<prefix>/{mapId}. The map id comes from
// the route pattern; direct mounts fall back to the last path segment.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("mapId")
	if mapID == "" {
		if i := strings.LastIndex(strings.TrimSuffix(r.URL.Path, "/"), "/"); i >= 0 {
			mapID = strings.TrimSuffix(r.URL.Path, "/")[i+1:]
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	if !validMapID(mapID) {
		deadline := time.Now().Add(h.opts.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid map id")
		conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		deadline := time.Now().Add(h.opts.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseServiceRestart, "server shutting down")
		conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
		return
	}
	h.mu.Unlock()

	ctx := context.WithoutCancel(r.Context())
	handle, err := h.registry.Acquire(ctx, mapID)
	if err != nil {
		h.logger.Error("failed to acquire replica",
			zap.String("map_id", mapID),
			zap.Error(err))
		deadline := time.Now().Add(h.opts.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "replica unavailable")
		conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
		return
	}

	s := &Session{
		hub:    h,
		conn:   conn,
		mapID:  mapID,
		tag:    uuid.NewString(),
		handle: handle,
		logger: h.logger,
		send:   make(chan []byte, h.opts.SendQueueSize),
		done:   make(chan struct{}),
	}

	// Register before snapshotting: an update applied in between is either
	// already in the snapshot or queued behind it, and merging covers both.
	// Snapshot-then-register would drop updates broadcast in the gap.
	h.register(s)
	go s.writeLoop()

	state, err := h.registry.Snapshot(handle)
	if err != nil {
		h.logger.Error("failed to snapshot replica",
			zap.String("map_id", mapID),
			zap.Error(err))
		s.close(websocket.CloseInternalServerErr, "snapshot failed")
		return
	}
	s.send <- state

	go s.readLoop(ctx)

	h.logger.Info("session opened",
		zap.String("map_id", mapID),
		zap.String("session", s.tag))
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[s.mapID]
	if !ok {
		set = make(map[*Session]struct{})
		h.sessions[s.mapID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.sessions[s.mapID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.mapID)
		}
	}
}

// Broadcast fans an update out to every session on the map except the one
// whose tag matches the origin. Sessions that cannot keep up are closed
// rather than allowed to stall their peers.
func (h *Hub) Broadcast(mapID string, update []byte, origin registry.Origin) {
	h.mu.Lock()
	var targets []*Session
	for s := range h.sessions[mapID] {
		if s.tag == origin.Tag {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if !s.enqueue(update) {
			h.logger.Warn("closing slow consumer",
				zap.String("map_id", mapID),
				zap.String("session", s.tag))
			go s.close(websocket.ClosePolicyViolation, "slow consumer")
		}
	}
}

// CloseMap terminates every session bound to mapID with a reconnectable
// close code. The registry calls this on invalidation.
func (h *Hub) CloseMap(mapID string) {
	h.mu.Lock()
	var targets []*Session
	for s := range h.sessions[mapID] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.close(websocket.CloseServiceRestart, "map updated, reconnect")
	}
}

// SessionCount returns the number of live sessions on mapID.
func (h *Hub) SessionCount(mapID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[mapID])
}

// Shutdown refuses new sessions and closes every live one.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var targets []*Session
	for _, set := range h.sessions {
		for s := range set {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.close(websocket.CloseServiceRestart, "server shutting down")
	}
}

func validMapID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
