// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs for manual crawl triggers, /v1/runs/cancel to stop one.
//   - GET /v1/runs/latest, /v1/runs/{run_id}, /v1/status for summaries.
//   - POST /v1/ingest, the ingestion boundary consumed by the HTTP sink.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torrhive/harvester/internal/harvest"
	"github.com/torrhive/harvester/internal/ingest"
	"github.com/torrhive/harvester/internal/metrics"
	"github.com/torrhive/harvester/internal/orchestrator"
	memstore "github.com/torrhive/harvester/internal/store/memory"
)

const maxIngestBody = 16 << 20

// Orchestrator is the run control surface the server drives.
type Orchestrator interface {
	Run(ctx context.Context, opts harvest.RunOptions) (harvest.RunSummary, error)
	Running() bool
	Cancel() bool
}

// Config tunes the HTTP server behavior.
type Config struct {
	// APIKey guards all routes except probes and metrics when set.
	APIKey string
	// RunTimeout bounds a synchronous manual run request.
	RunTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator, run store, and sink.
type Server struct {
	router chi.Router
	orch   Orchestrator
	runs   *memstore.RunStore
	sink   harvest.Sink
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(orch Orchestrator, runs *memstore.RunStore, sink harvest.Sink, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 15 * time.Minute
	}
	s := &Server{orch: orch, runs: runs, sink: sink, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger.Named("http")))
	r.Use(recoverMiddleware(logger.Named("http")))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/runs", s.triggerRun)
		r.Post("/runs/cancel", s.cancelRun)
		r.Get("/runs/latest", s.latestRun)
		r.Get("/runs/{run_id}", s.getRun)
		r.Get("/status", s.status)
		r.Post("/ingest", s.ingestBatch)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.orch == nil || s.sink == nil {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	Sources []string `json:"sources"`
	Options struct {
		MaxPages int    `json:"max_pages"`
		Query    string `json:"query"`
	} `json:"options"`
}

// triggerRun executes a crawl synchronously and returns the summary. The
// response is 200 even for partially failed runs; non-200 is reserved
// for malformed requests, auth failures, and run collisions.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RunTimeout)
	defer cancel()

	summary, err := s.orch.Run(ctx, harvest.RunOptions{
		Sources:  req.Sources,
		Query:    req.Options.Query,
		MaxPages: req.Options.MaxPages,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("manual run failed to start", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) cancelRun(w http.ResponseWriter, _ *http.Request) {
	if !s.orch.Cancel() {
		writeError(w, http.StatusConflict, "no run in progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) {
	summary, err := s.runs.LatestRun(r.Context())
	if err != nil {
		writeError(w, http.StatusNotFound, "no runs recorded")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, err := uuid.Parse(runID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	summary, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"running": s.orch.Running(),
		"sources": s.runs.SourceStatsSnapshot(r.Context()),
	}
	if latest, err := s.runs.LatestRun(r.Context()); err == nil {
		resp["last_run"] = latest
	}
	writeJSON(w, http.StatusOK, resp)
}

type ingestResponse struct {
	Processed int                      `json:"processed"`
	Errors    int                      `json:"errors"`
	Accepted  int                      `json:"accepted"`
	Rejected  []harvest.BatchRejection `json:"rejected,omitempty"`
}

// ingestBatch accepts a batch of canonical records. Only a malformed
// envelope or auth failure rejects the whole request; per-record
// problems are reported in the response body.
func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var envelope ingest.BatchEnvelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxIngestBody)).Decode(&envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON envelope")
		return
	}
	if len(envelope.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records are required")
		return
	}

	result, err := s.sink.SubmitBatch(r.Context(), envelope.Records)
	if err != nil {
		s.logger.Error("ingest batch failed", zap.Int("records", len(envelope.Records)), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "ingestion store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		Processed: result.Accepted + len(result.Rejected),
		Errors:    len(result.Rejected),
		Accepted:  result.Accepted,
		Rejected:  result.Rejected,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()))
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
