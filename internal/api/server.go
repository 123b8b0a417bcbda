// Package api exposes pipeline state over HTTP: run statistics, job
// history, the review queue, and source pause controls.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/roastradar/catalog-sync/internal/model"
	"github.com/roastradar/catalog-sync/internal/monitoring"
	"github.com/roastradar/catalog-sync/internal/orchestrator"
	"github.com/roastradar/catalog-sync/internal/store"
)

// Server serves the read API and operator controls.
type Server struct {
	store     store.Store
	collector *monitoring.Collector
	orch      *orchestrator.Orchestrator
}

// NewServer wires the API over the store and orchestrator.
func NewServer(st store.Store, collector *monitoring.Collector, orch *orchestrator.Orchestrator) *Server {
	return &Server{store: st, collector: collector, orch: orch}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/jobs", s.handleListJobs)
	r.Post("/jobs", s.handleEnqueueJob)
	r.Get("/review", s.handleListReview)
	r.Get("/sources/{domain}", s.handleGetSource)
	r.Post("/sources/{domain}/pause", s.handlePauseSource)
	r.Post("/sources/{domain}/resume", s.handleResumeSource)
	return r
}

// ListenAndServe blocks until ctx is cancelled, then drains with a grace
// period.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("api listening", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	lookback := 24
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lookback = n
		}
	}
	snap, err := s.collector.Collect(r.Context(), lookback)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		SourceDomain: r.URL.Query().Get("source"),
		State:        model.JobState(r.URL.Query().Get("state")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
		Kind   string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind := model.JobKind(req.Kind)
	if kind != model.JobFull && kind != model.JobPriceOnly {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be full or price_only"})
		return
	}
	job, err := s.orch.Enqueue(r.Context(), req.Source, kind)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListReview(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := s.store.ListReview(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	count, err := s.store.CountReview(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": count, "items": items})
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	state, err := s.store.GetSourceState(r.Context(), domain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePauseSource(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleResumeSource(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	domain := chi.URLParam(r, "domain")
	state, err := s.store.GetSourceState(r.Context(), domain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	state.Paused = paused
	if paused {
		state.PauseReason = "operator request"
	} else {
		state.PauseReason = ""
		state.ConsecutivePermanent = 0
	}
	if err := s.store.SaveSourceState(r.Context(), *state); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
