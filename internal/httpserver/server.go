package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/flakeguard/flakeguard/internal/auth"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/jobs"
	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/policy"
	"github.com/flakeguard/flakeguard/internal/service"
	"github.com/flakeguard/flakeguard/internal/store"
)

// Server wires the quarantine REST surface.
type Server struct {
	cfg      config.Config
	service  *service.Service
	store    store.Store
	jobs     *jobs.Runner
	verifier *auth.Verifier
}

func New(cfg config.Config, svc *service.Service, st store.Store, runner *jobs.Runner, verifier *auth.Verifier) *Server {
	return &Server{cfg: cfg, service: svc, store: st, jobs: runner, verifier: verifier}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/quarantine", func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		// Read surface.
		r.Get("/stats/{projectID}", s.handleStats)
		r.Get("/history/{projectID}", s.handleHistory)
		r.Get("/impacts/{projectID}", s.handleListImpacts)
		r.Get("/jobs/{jobID}", s.handleJobStatus)
		r.Get("/policies/recommended/{projectID}", s.handleRecommendedPolicy)
		r.Get("/policies/{projectID}", s.handleListPolicies)
		r.Post("/policies/simulate", s.handleSimulate)
		r.Get("/team-config/{projectID}", s.handleGetTeamConfig)
		r.Get("/{projectID}", s.handleListQuarantined)

		// Mutations require an org admin or owner.
		r.Group(func(r chi.Router) {
			r.Use(s.verifier.RequireAnyRole(auth.RoleAdmin, auth.RoleOwner))
			r.Post("/unquarantine", s.handleUnquarantine)
			r.Post("/run-check/{projectID}", s.handleRunCheck)
			r.Post("/recalculate-impact/{projectID}", s.handleRecalculateImpact)
			r.Post("/results", s.handleIngestResult)
			r.Post("/policies", s.handleCreatePolicy)
			r.Put("/policies/{policyID}/status", s.handlePolicyStatus)
			r.Delete("/policies/{policyID}", s.handleDeletePolicy)
			r.Put("/team-config/{projectID}", s.handlePutTeamConfig)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListQuarantined(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	tests, err := s.service.ListQuarantined(r.Context(), projectID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if tests == nil {
		tests = []models.QuarantinedTest{}
	}
	respondJSON(w, http.StatusOK, tests)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.service.History(r.Context(), chi.URLParam(r, "projectID"), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []models.QuarantineLedgerEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListImpacts(w http.ResponseWriter, r *http.Request) {
	impacts, err := s.service.ListImpacts(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if impacts == nil {
		impacts = []models.QuarantineImpact{}
	}
	respondJSON(w, http.StatusOK, impacts)
}

type unquarantineRequest struct {
	ProjectID string `json:"projectId"`
	TestName  string `json:"testName"`
	Reason    string `json:"reason"`
}

func (s *Server) handleUnquarantine(w http.ResponseWriter, r *http.Request) {
	var req unquarantineRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := models.TriggeredByAuto
	if ai := auth.FromContext(r.Context()); ai != nil && ai.Subject != "" {
		userID = ai.Subject
	}
	entry, err := s.service.UnquarantineManually(r.Context(), req.ProjectID, req.TestName, req.Reason, userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRunCheck(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	// Ledger entries from a triggered sweep are still policy decisions, so
	// they stay auto-attributed.
	jobID := s.jobs.Start("run-check", func(ctx context.Context) (interface{}, error) {
		return s.service.RunStabilityCheck(ctx, projectID, models.TriggeredByAuto)
	})
	respondJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID.String()})
}

func (s *Server) handleRecalculateImpact(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	jobID := s.jobs.Start("recalculate-impact", func(ctx context.Context) (interface{}, error) {
		updated, err := s.service.RecalculateImpact(ctx, projectID)
		return map[string]int{"updated": updated}, err
	})
	respondJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID.String()})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, ok := s.jobs.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleIngestResult(w http.ResponseWriter, r *http.Request) {
	var req service.ResultInput
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.service.IngestResult(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type createPolicyRequest struct {
	ProjectID string              `json:"projectId"`
	Name      string              `json:"name"`
	IsActive  bool                `json:"isActive"`
	Config    models.PolicyConfig `json:"config"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	createdBy := ""
	if ai := auth.FromContext(r.Context()); ai != nil {
		createdBy = ai.Subject
	}
	pol, err := s.service.CreatePolicy(r.Context(), models.QuarantinePolicy{
		ProjectID: req.ProjectID,
		Name:      req.Name,
		IsActive:  req.IsActive,
		Config:    req.Config,
		CreatedBy: createdBy,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, pol)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.service.ListPolicies(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if policies == nil {
		policies = []models.QuarantinePolicy{}
	}
	respondJSON(w, http.StatusOK, policies)
}

type policyStatusRequest struct {
	IsActive bool `json:"isActive"`
}

func (s *Server) handlePolicyStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "policyID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid policy id")
		return
	}
	var req policyStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	pol, err := s.service.SetPolicyStatus(r.Context(), id, req.IsActive)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pol)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "policyID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid policy id")
		return
	}
	if err := s.service.DeletePolicy(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRecommendedPolicy(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.service.RecommendedPolicy(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

type simulateRequest struct {
	ProjectID string              `json:"projectId"`
	Config    models.PolicyConfig `json:"config"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProjectID == "" {
		respondError(w, http.StatusBadRequest, "projectId required")
		return
	}
	res, err := s.service.Simulate(r.Context(), req.ProjectID, req.Config)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTeamConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.service.GetTeamConfig(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutTeamConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.TeamConfiguration
	if err := decodeJSON(r, &cfg); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.ProjectID = chi.URLParam(r, "projectID")
	out, err := s.service.PutTeamConfig(r.Context(), cfg)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// respondServiceError maps the error taxonomy onto HTTP statuses:
// validation 400, not found 404, lost CAS race 409, everything else 500.
func respondServiceError(w http.ResponseWriter, err error) {
	var ve *policy.ValidationError
	switch {
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
