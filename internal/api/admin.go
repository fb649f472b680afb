package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/SirClappington/runengine/internal/domain"
)

type orgBody struct {
	ID                      string `json:"id"`
	MaximumConcurrencyLimit int    `json:"maximumConcurrencyLimit"`
}

type envBody struct {
	ID                      string `json:"id"`
	Type                    string `json:"type"`
	ProjectID               string `json:"projectId"`
	APIKey                  string `json:"apiKey"`
	MaximumConcurrencyLimit int    `json:"maximumConcurrencyLimit"`
}

type upsertEnvironmentRequest struct {
	Organization orgBody `json:"organization"`
	Environment  envBody `json:"environment"`
}

func (s *Server) upsertEnvironment(w http.ResponseWriter, r *http.Request) {
	var req upsertEnvironmentRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	org := &domain.Organization{ID: req.Organization.ID, MaximumConcurrencyLimit: req.Organization.MaximumConcurrencyLimit}
	env := &domain.Environment{
		ID:                      req.Environment.ID,
		Type:                    domain.EnvironmentType(req.Environment.Type),
		ProjectID:               req.Environment.ProjectID,
		OrganizationID:          org.ID,
		APIKey:                  req.Environment.APIKey,
		MaximumConcurrencyLimit: req.Environment.MaximumConcurrencyLimit,
	}
	if err := s.engine.UpsertEnvironment(r.Context(), org, env); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": env.ID})
}

type limitRequest struct {
	Limit *int `json:"limit"`
}

func (s *Server) setEnvConcurrency(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Limit == nil {
		s.writeError(w, r, badRequestf("limit is required"))
		return
	}
	if err := s.engine.SetEnvironmentConcurrencyLimit(r.Context(), chi.URLParam(r, "envId"), *req.Limit); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setOrgConcurrency(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Limit == nil {
		s.writeError(w, r, badRequestf("limit is required"))
		return
	}
	if err := s.engine.SetOrganizationConcurrencyLimit(r.Context(), chi.URLParam(r, "orgId"), *req.Limit); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queueLimitRequest struct {
	Queue string `json:"queue"`
	// Limit nil removes the queue's ceiling.
	Limit *int `json:"limit"`
}

func (s *Server) setQueueConcurrency(w http.ResponseWriter, r *http.Request) {
	var req queueLimitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.SetQueueConcurrencyLimit(r.Context(), chi.URLParam(r, "envId"), req.Queue, req.Limit); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.engine.CurrentPlan(r.Context(), chi.URLParam(r, "orgId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) invalidatePlan(w http.ResponseWriter, r *http.Request) {
	s.engine.InvalidatePlan(r.Context(), chi.URLParam(r, "orgId"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getOverrides(w http.ResponseWriter, r *http.Request) {
	if s.overrides == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	raw, err := s.overrides.Load(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

// putOverrides validates and stores the override table, then reloads it
// into this process's resolver. Other processes pick it up on refresh.
func (s *Server) putOverrides(w http.ResponseWriter, r *http.Request) {
	if s.overrides == nil {
		s.writeError(w, r, badRequestf("worker queue overrides are not configured"))
		return
	}
	raw, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.overrides.Save(r.Context(), raw); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.resolver != nil {
		s.resolver.Refresh(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerWorkerRequest struct {
	EnvironmentID string   `json:"environmentId"`
	Version       string   `json:"version"`
	Tasks         []string `json:"tasks"`
}

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	bw := &domain.BackgroundWorker{EnvironmentID: req.EnvironmentID, Version: req.Version, TaskIdentifiers: req.Tasks}
	if err := s.engine.RegisterBackgroundWorker(r.Context(), bw); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, workerView{ID: bw.ID, Version: bw.Version})
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ReconcileQueuedRuns(r.Context(), 500)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}
