// Package api serves the daemon's admin HTTP surface: health, queue
// introspection, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gcbio/ccdaemon/internal/queue"
)

// Pinger is the database connectivity probe behind /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// queueEntry is one runner row in the /queue response.
type queueEntry struct {
	PipelineID   int64   `json:"pipeline_id"`
	Status       string  `json:"status"`
	CPUs         int     `json:"cpus"`
	RuntimeHours float64 `json:"runtime_hours"`
}

type queueResponse struct {
	CurrCPUs   int          `json:"curr_cpus"`
	Loading    int          `json:"loading"`
	MaxCPUs    int          `json:"max_cpus"`
	MaxLoading int          `json:"max_loading"`
	Pipelines  []queueEntry `json:"pipelines"`
}

// NewRouter builds the admin router.
func NewRouter(q *queue.PipelineQueue, db Pinger, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			log.Error("health check failed", "error", err)
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n")) //nolint:errcheck
	})

	r.Get("/queue", func(w http.ResponseWriter, req *http.Request) {
		curr, loading, maxCPUs, maxLoading := q.Usage()
		resp := queueResponse{
			CurrCPUs:   curr,
			Loading:    loading,
			MaxCPUs:    maxCPUs,
			MaxLoading: maxLoading,
			Pipelines:  []queueEntry{},
		}
		now := time.Now()
		for _, run := range q.Snapshot() {
			runtime := 0.0
			if start := run.StartTime(); !start.IsZero() {
				runtime = queue.HoursElapsed(start, now)
			}
			resp.Pipelines = append(resp.Pipelines, queueEntry{
				PipelineID:   run.ID(),
				Status:       string(run.Status()),
				CPUs:         run.CPUs(),
				RuntimeHours: runtime,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error("encode queue response", "error", err)
		}
	})

	r.Get("/queue/dump", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(q.String())) //nolint:errcheck
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Server wraps the admin HTTP listener.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer builds the admin server on addr.
func NewServer(addr string, handler http.Handler, log *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("admin server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin server failed", "error", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("admin server shutdown", "error", err)
	}
}
