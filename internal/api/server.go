// Package api exposes the HTTP interface for the discovery service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jobtrail/discovery/internal/config"
	"github.com/jobtrail/discovery/internal/metrics"
	"github.com/jobtrail/discovery/internal/pipeline"
	"github.com/jobtrail/discovery/internal/scheduler"
)

// defaultRunListLimit caps GET /v1/runs responses without an explicit limit.
const defaultRunListLimit = 50

// Server wires HTTP handlers to the scheduler and the run ledger.
type Server struct {
	router    chi.Router
	scheduler *scheduler.Scheduler
	runs      pipeline.RunStore
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sched *scheduler.Scheduler, runs pipeline.RunStore, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		scheduler: sched,
		runs:      runs,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/crawls", s.submitCrawl)
		r.Post("/validations", s.submitValidation)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Get("/{run_id}", s.getRun)
		})
		r.Get("/queue/stats", s.queueStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.runs.QueueStats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

type crawlRequest struct {
	Queries          []string `json:"queries"`
	CompanyID        string   `json:"company_id"`
	ValidateExisting bool     `json:"validate_existing"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	runID, err := s.scheduler.SubmitCrawl(r.Context(), scheduler.CrawlRequest{
		Queries:          req.Queries,
		CompanyID:        req.CompanyID,
		ValidateExisting: req.ValidateExisting,
	})
	if err != nil {
		s.logger.Error("crawl submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "crawl submission failed", s.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(pipeline.RunStatusQueued),
	}, s.logger)
}

type validationRequest struct {
	PostingIDs []string `json:"posting_ids"`
}

func (s *Server) submitValidation(w http.ResponseWriter, r *http.Request) {
	var req validationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	runID, err := s.scheduler.SubmitValidation(r.Context(), req.PostingIDs)
	if errors.Is(err, pipeline.ErrNoJobIDs) {
		writeError(w, http.StatusBadRequest, "posting_ids is required", s.logger)
		return
	}
	if err != nil {
		s.logger.Error("validation submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "validation submission failed", s.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(pipeline.RunStatusQueued),
	}, s.logger)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	kind := pipeline.RunKind(r.URL.Query().Get("kind"))
	switch kind {
	case "", pipeline.KindCrawl, pipeline.KindValidate:
	default:
		writeError(w, http.StatusBadRequest, "unknown kind", s.logger)
		return
	}
	limit := defaultRunListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := parseLimit(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit", s.logger)
			return
		}
		limit = parsed
	}
	runs, err := s.runs.ListRecentRuns(r.Context(), kind, limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed", s.logger)
		return
	}
	if runs == nil {
		runs = []pipeline.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs}, s.logger)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.runs.GetRun(r.Context(), runID)
	if errors.Is(err, pipeline.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found", s.logger)
		return
	}
	if err != nil {
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get run failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, run, s.logger)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.runs.QueueStats(r.Context())
	if err != nil {
		s.logger.Error("queue stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue stats failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, stats, s.logger)
}
