// Package server wires the storage engine, repositories, document registry
// and session hub behind the HTTP surface.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mindmeld/internal/config"
	"mindmeld/internal/hub"
	"mindmeld/internal/mcp"
	"mindmeld/internal/registry"
	"mindmeld/internal/repository"
	"mindmeld/internal/storage"
)

// RequestTimeout bounds API request handling. Sync sessions are exempt.
const RequestTimeout = 30 * time.Second

// Server owns the process-level components and the HTTP listener.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	engine   *storage.Engine
	maps     *repository.MapRepository
	registry *registry.Registry
	hub      *hub.Hub
	migrator *storage.Migrator

	httpServer *http.Server
	started    time.Time
}

// New assembles a server over an opened storage engine. The registry is
// wired as the repository's invalidation sink and the hub as the registry's
// broadcast sink.
func New(cfg *config.Config, engine *storage.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	maps := repository.NewMapRepository(engine, logger)
	snapshots := repository.NewSnapshotRepository(engine, logger)
	reg := registry.New(maps, snapshots, logger)
	maps.SetInvalidateFunc(reg.Invalidate)
	h := hub.New(reg, logger, hub.Options{
		PingInterval: cfg.SyncPingInterval,
		IdleTimeout:  cfg.SyncIdleTimeout,
	})

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		engine:   engine,
		maps:     maps,
		registry: reg,
		hub:      h,
		migrator: storage.NewMigrator(engine, logger),
		started:  time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Registry exposes the document registry, mainly for tests.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Hub exposes the session hub, mainly for tests.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Handler builds the route table. API routes run behind the middleware
// chain; the sync endpoint bypasses it so upgrades and long-lived sessions
// are not subject to request timeouts, the same split the REST and streaming
// routes have always needed.
func (s *Server) Handler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /health", s.handleHealth)
	apiMux.HandleFunc("GET /ready", s.handleReady)

	if s.cfg.FeatureMapsAPI {
		mapHandler := NewMapHandler(s.maps, s.logger)
		apiMux.HandleFunc("GET /maps", mapHandler.List)
		apiMux.HandleFunc("POST /maps", mapHandler.Create)
		apiMux.HandleFunc("GET /maps/{id}", mapHandler.Get)
		apiMux.HandleFunc("PUT /maps/{id}", mapHandler.Update)
		apiMux.HandleFunc("DELETE /maps/{id}", mapHandler.Delete)
	}
	if s.cfg.FeatureMCP {
		bridge := mcp.NewBridge(s.maps, s.logger)
		apiMux.Handle("POST /mcp", bridge)
	}

	apiHandler := ApplyMiddleware(apiMux,
		TimeoutMiddleware(RequestTimeout),
		CORSMiddleware(s.cfg.CORSOrigin),
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
	)

	if !s.syncEnabled() {
		return apiHandler
	}

	syncMux := http.NewServeMux()
	syncMux.Handle("GET /sync/{mapId}", s.hub)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) >= len("/sync/") && r.URL.Path[:len("/sync/")] == "/sync/" {
			syncMux.ServeHTTP(w, r)
			return
		}
		apiHandler.ServeHTTP(w, r)
	})
}

func (s *Server) syncEnabled() bool {
	return s.cfg.ServerSync && s.cfg.DataProvider == config.ProviderCRDT
}

// TimeoutMiddleware attaches a deadline to each request context so handlers
// propagate it into database calls.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

type readyResponse struct {
	Status     string `json:"status"`
	Database   bool   `json:"database"`
	Migrations bool   `json:"migrations"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Status: "ok", Database: true, Migrations: true}

	if _, _, err := s.engine.Counts(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = false
	}
	if status, err := s.migrator.Status(r.Context(), storage.Defined()); err != nil || len(status.Pending) > 0 {
		resp.Status = "degraded"
		resp.Migrations = false
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// Start serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server listening",
		zap.String("addr", s.httpServer.Addr),
		zap.Bool("maps_api", s.cfg.FeatureMapsAPI),
		zap.Bool("sync", s.syncEnabled()),
		zap.Bool("mcp", s.cfg.FeatureMCP))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains sessions and in-flight requests, then closes the engine.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Shutdown()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return s.engine.Close()
}
