// Package health serves the liveness and readiness endpoints for the
// long-running scheduler process. /health always answers 200 and reports
// data freshness derived from the last extraction log; /ready answers
// 503 until the database is reachable.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quintadata/transfergov/pkg/store/runlog"
)

// Freshness thresholds. A daily pipeline that has not produced a run for
// just over a day is degraded, not dead; past two days it is unhealthy.
const (
	degradedAfter  = 25 * time.Hour
	unhealthyAfter = 48 * time.Hour
)

// RunReader yields the most recent extraction log entry.
type RunReader interface {
	Latest(ctx context.Context) (*runlog.Entry, error)
}

// Pinger is the readiness probe's view of the database pool.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server hosts the probe endpoints with per-client rate limiting.
type Server struct {
	runs   RunReader
	db     Pinger
	now    func() time.Time
	logger *slog.Logger
	srv    *http.Server

	mu             sync.Mutex
	degradedReason string
}

// New wires the probe server. db may be nil before the pool is opened;
// readiness reports 503 until it is set.
func New(addr string, runs RunReader, db Pinger) *Server {
	s := &Server{
		runs:   runs,
		db:     db,
		now:    time.Now,
		logger: slog.Default().With("component", "health"),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler builds the routed, rate-limited handler. Exposed so tests can
// drive it without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	limiter := newIPLimiter(5, 10)
	return limiter.middleware(mux)
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// the normal shutdown signal and is not an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("health server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight probe requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// SetDegraded marks the process degraded regardless of data freshness.
// The serve scheduler calls this when it detects a missed tick; an empty
// reason clears the flag.
func (s *Server) SetDegraded(reason string) {
	s.mu.Lock()
	s.degradedReason = reason
	s.mu.Unlock()
}

type healthResponse struct {
	Service          string     `json:"service"`
	Status           string     `json:"status"`
	LastExecution    *time.Time `json:"last_execution"`
	RecordsProcessed int        `json:"records_processed"`
	Error            string     `json:"error,omitempty"`
}

// handleHealth reports freshness. Liveness never fails: a stale pipeline
// is a paging matter, not a restart matter, so the status code stays 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Service: "transfergov", Status: "unknown"}

	entry, err := s.runs.Latest(r.Context())
	if err != nil {
		s.logger.Warn("health probe could not read run log", "error", err)
		resp.Error = err.Error()
	} else if entry == nil {
		// The pipeline has never completed a run on this database.
		resp.Status = "unhealthy"
	} else {
		finished := entry.FinishedAt
		resp.LastExecution = &finished
		resp.RecordsProcessed = entry.RecordsInserted + entry.RecordsUpdated
		resp.Error = entry.ErrorMessage
		age := s.now().Sub(finished)
		switch {
		case age < degradedAfter:
			resp.Status = "healthy"
		case age < unhealthyAfter:
			resp.Status = "degraded"
		default:
			resp.Status = "unhealthy"
		}
	}

	s.mu.Lock()
	degraded := s.degradedReason
	s.mu.Unlock()
	if degraded != "" && resp.Status == "healthy" {
		resp.Status = "degraded"
		if resp.Error == "" {
			resp.Error = degraded
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReady answers 200 only when the database responds to a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "reason": "database not opened"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
