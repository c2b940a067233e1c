// Package server exposes the build engine operationally: health and
// metrics endpoints plus an internal build-trigger API. It is not an
// end-user query surface.
package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/statvault/cube/builder/pkg/cube"
	"github.com/statvault/cube/builder/pkg/dataset"
	"github.com/statvault/cube/builder/pkg/pgsql"
)

// Config holds the server configuration.
type Config struct {
	Logger       *slog.Logger
	Pool         *pgxpool.Pool
	Builder      *cube.Builder
	Materializer *cube.Materializer

	ListenAddr string
	// BuildRate bounds how many builds may be triggered per second across
	// all callers; BuildBurst is the token bucket size.
	BuildRate  rate.Limit
	BuildBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Builder == nil {
		return errors.New("cube builder is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.BuildRate == 0 {
		cfg.BuildRate = rate.Every(time.Second)
	}
	if cfg.BuildBurst == 0 {
		cfg.BuildBurst = 4
	}
	return nil
}

// Server is the HTTP server wrapping the build engine.
type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	srv     *http.Server
	limiter *rate.Limiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		router:  chi.NewRouter(),
		limiter: rate.NewLimiter(cfg.BuildRate, cfg.BuildBurst),
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/builds", s.handleTriggerBuild)
		r.Get("/builds/{schema}", s.handleBuildStatus)
	})
}

// Router returns the HTTP handler, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Pool.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// buildRequest is the fully-loaded dataset aggregate plus the revision to
// build to, as delivered by the dataset management service.
type buildRequest struct {
	Dataset       *dataset.Dataset `json:"dataset"`
	EndRevisionID uuid.UUID        `json:"endRevisionId"`
}

// advisoryKey derives the per-revision advisory lock key. Builds for the
// same revision are serialized across processes; different revisions never
// contend.
func advisoryKey(revisionID uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(revisionID[:8]))
}

func (s *Server) handleTriggerBuild(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "build rate limit exceeded"})
		return
	}

	var req buildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Dataset == nil || req.EndRevisionID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dataset and endRevisionId are required"})
		return
	}
	if _, ok := req.Dataset.RevisionByID(req.EndRevisionID); !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "end revision not found on dataset"})
		return
	}

	// The lock conn is held for the whole build and released by the
	// detached goroutine.
	conn, err := s.cfg.Pool.Acquire(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "failed to acquire connection"})
		return
	}
	key := advisoryKey(req.EndRevisionID)
	var locked bool
	if err := conn.QueryRow(r.Context(), "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		conn.Release()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "failed to acquire build lock"})
		return
	}
	if !locked {
		conn.Release()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a build for this revision is already running"})
		return
	}

	go s.runBuild(conn, key, req.Dataset, req.EndRevisionID)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"schema": req.EndRevisionID.String(),
		"status": "accepted",
	})
}

func (s *Server) runBuild(conn *pgxpool.Conn, key int64, ds *dataset.Dataset, revisionID uuid.UUID) {
	ctx := context.Background()
	defer func() {
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
			s.log.Error("failed to release build lock", "revision", revisionID, "error", err)
		}
		conn.Release()
	}()

	if _, err := s.cfg.Builder.BuildCube(ctx, ds, revisionID); err != nil {
		// The builder already recorded the failure; the HTTP caller polls
		// status to observe it.
		s.log.Error("triggered build failed", "revision", revisionID, "error", err)
	}
}

type buildStatusResponse struct {
	Schema      string `json:"schema"`
	BuildStatus string `json:"buildStatus"`
	Promotion   string `json:"promotion,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	schema := chi.URLParam(r, "schema")

	var status string
	err := s.cfg.Pool.QueryRow(r.Context(),
		"SELECT value FROM "+pgsql.QuoteIdent(schema, "metadata")+" WHERE key = $1", "build_status").
		Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUndefinedTable(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown build schema"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	resp := buildStatusResponse{Schema: schema, BuildStatus: status}
	if s.cfg.Materializer != nil {
		if js, ok := s.cfg.Materializer.Status(schema); ok {
			resp.Promotion = string(js)
		}
	}
	var completed string
	if err := s.cfg.Pool.QueryRow(r.Context(),
		"SELECT value FROM "+pgsql.QuoteIdent(schema, "metadata")+" WHERE key = $1", "completed_at").
		Scan(&completed); err == nil {
		resp.CompletedAt = completed
	}
	writeJSON(w, http.StatusOK, resp)
}

func isUndefinedTable(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		// 42P01 undefined_table, 3F000 invalid_schema_name
		return pgErr.SQLState() == "42P01" || pgErr.SQLState() == "3F000"
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
