// Package server exposes the job control API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/pipeline"
	"github.com/sells-group/leadgen-cli/internal/store"
)

// Server handles job control requests.
type Server struct {
	store    store.Store
	pipeline *pipeline.Pipeline
}

// New creates a Server over the given store and pipeline.
func New(st store.Store, p *pipeline.Pipeline) *Server {
	return &Server{store: st, pipeline: p}
}

// Router builds the chi router with middleware and all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)

		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleDeleteJob)
			r.Post("/cancel", s.handleCancelJob)

			r.Route("/steps/{step}", func(r chi.Router) {
				r.Post("/run", s.handleRunStep)
				r.Get("/leads", s.handleStepLeads)
				r.Post("/pass", s.handlePass)
			})
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func stepParam(r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil || n < 1 || n > model.NumSteps {
		return 0, false
	}
	return n, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createJobRequest struct {
	Platform   string `json:"platform"`
	Country    string `json:"country"`
	Region     string `json:"region"`
	City       string `json:"city"`
	Category   string `json:"category"`
	LeadsLimit int    `json:"leads_limit"`
	PageOffset int    `json:"page_offset"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job := &model.Job{
		Platform:   req.Platform,
		Country:    req.Country,
		Region:     req.Region,
		City:       req.City,
		Category:   req.Category,
		LeadsLimit: req.LeadsLimit,
		PageOffset: req.PageOffset,
	}
	if err := s.pipeline.CreateJob(r.Context(), job); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.store.ListJobs(r.Context(), store.JobFilter{
		Status:   model.JobStatus(r.URL.Query().Get("status")),
		Platform: r.URL.Query().Get("platform"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	steps, err := s.store.ListSteps(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "steps": steps})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Cancel(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRunStep(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	stepNumber, ok := stepParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid step number")
		return
	}

	step, err := s.store.GetStep(r.Context(), jobID, stepNumber)
	if err != nil {
		writeError(w, http.StatusNotFound, "step not found")
		return
	}
	// Best-effort refusal; the store's step claim settles any race.
	if step.Status == model.StepStatusInProgress {
		writeError(w, http.StatusConflict, "step is already running")
		return
	}

	// Step processing outlives the request.
	go func() {
		ctx := context.Background()
		if err := s.pipeline.RunStep(ctx, jobID, stepNumber); err != nil {
			zap.L().Error("step run failed",
				zap.String("job_id", jobID),
				zap.Int("step", stepNumber),
				zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"job_id": jobID,
		"step":   stepNumber,
	})
}

func (s *Server) handleStepLeads(w http.ResponseWriter, r *http.Request) {
	stepNumber, ok := stepParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid step number")
		return
	}

	view, err := s.pipeline.StepLeads(r.Context(), chi.URLParam(r, "jobID"), stepNumber)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if view.Leads == nil {
		view.Leads = []model.Lead{}
	}
	writeJSON(w, http.StatusOK, view)
}

type passRequest struct {
	LeadIDs []string `json:"lead_ids"`
}

func (s *Server) handlePass(w http.ResponseWriter, r *http.Request) {
	stepNumber, ok := stepParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid step number")
		return
	}

	// An empty body passes every eligible lead.
	var req passRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.pipeline.Pass(r.Context(), chi.URLParam(r, "jobID"), stepNumber, req.LeadIDs)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
