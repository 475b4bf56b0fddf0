// Package api exposes the service's read-only status surface: a health
// probe and queue statistics. No mutation goes through HTTP; the queue
// is fed by external producers and drained by the poller only.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
)

// QueueStats is the tracker slice the API reads.
type QueueStats interface {
	StageCounts(ctx context.Context) (map[domain.Stage]int, error)
}

// WorkerStats is the pool slice the API reads.
type WorkerStats interface {
	Stats() map[string]int64
}

// StatusServer serves the status endpoints.
type StatusServer struct {
	db      *sql.DB
	tracker QueueStats
	pool    WorkerStats
}

// NewStatusServer creates the status API.
func NewStatusServer(db *sql.DB, tracker QueueStats, pool WorkerStats) *StatusServer {
	return &StatusServer{db: db, tracker: tracker, pool: pool}
}

// Router builds the chi router for the status surface.
func (s *StatusServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/queue/stats", s.handleQueueStats)
	return r
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *StatusServer) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.tracker.StageCounts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	stages := make(map[string]int, len(counts))
	for stage, n := range counts {
		stages[string(stage)] = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stages":  stages,
		"workers": s.pool.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
