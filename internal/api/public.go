package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SirClappington/runengine/internal/engine"
)

type triggerOptions struct {
	Queue                    string     `json:"queue,omitempty"`
	ConcurrencyLimit         *int       `json:"concurrencyLimit,omitempty"`
	WorkerQueue              string     `json:"workerQueue,omitempty"`
	Machine                  string     `json:"machine,omitempty"`
	PriorityMs               int64      `json:"priorityMs,omitempty"`
	IdempotencyKey           string     `json:"idempotencyKey,omitempty"`
	IdempotencyKeyTTLMs      int64      `json:"idempotencyKeyTTLMs,omitempty"`
	DelayUntil               *time.Time `json:"delayUntil,omitempty"`
	TTLMs                    int64      `json:"ttlMs,omitempty"`
	MaxAttempts              int        `json:"maxAttempts,omitempty"`
	MaxDurationSeconds       int        `json:"maxDurationSeconds,omitempty"`
	ParentRunID              string     `json:"parentRunId,omitempty"`
	ResumeParentOnCompletion bool       `json:"resumeParentOnCompletion,omitempty"`
	ParentSnapshotID         string     `json:"parentSnapshotId,omitempty"`
}

type triggerRequest struct {
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadType string          `json:"payloadType,omitempty"`
	Options     triggerOptions  `json:"options"`
}

func (req triggerRequest) params(task string, now time.Time) engine.TriggerParams {
	o := req.Options
	p := engine.TriggerParams{
		TaskIdentifier:           task,
		Payload:                  req.Payload,
		PayloadType:              req.PayloadType,
		Queue:                    o.Queue,
		ConcurrencyLimit:         o.ConcurrencyLimit,
		WorkerQueue:              o.WorkerQueue,
		MachinePreset:            o.Machine,
		Priority:                 time.Duration(o.PriorityMs) * time.Millisecond,
		IdempotencyKey:           o.IdempotencyKey,
		DelayUntil:               o.DelayUntil,
		TTL:                      time.Duration(o.TTLMs) * time.Millisecond,
		MaxAttempts:              o.MaxAttempts,
		MaxDurationSeconds:       o.MaxDurationSeconds,
		ParentRunID:              o.ParentRunID,
		ResumeParentOnCompletion: o.ResumeParentOnCompletion,
		ParentSnapshotID:         o.ParentSnapshotID,
	}
	if o.IdempotencyKey != "" && o.IdempotencyKeyTTLMs > 0 {
		at := now.Add(time.Duration(o.IdempotencyKeyTTLMs) * time.Millisecond)
		p.IdempotencyKeyExpiresAt = &at
	}
	return p
}

type triggerResponse struct {
	Run    runView `json:"run"`
	Cached bool    `json:"isCached"`
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.Trigger(r.Context(), environment(r), req.params(chi.URLParam(r, "taskId"), time.Now()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Cached {
		status = http.StatusOK
	}
	writeJSON(w, status, triggerResponse{Run: viewRun(res.Run), Cached: res.Cached})
}

type batchItem struct {
	Task string `json:"task"`
	triggerRequest
}

type batchRequest struct {
	Items            []batchItem `json:"items"`
	ParentRunID      string      `json:"parentRunId,omitempty"`
	ParentSnapshotID string      `json:"parentSnapshotId,omitempty"`
}

type batchResponse struct {
	ID   string    `json:"id"`
	Runs []runView `json:"runs"`
}

func (s *Server) triggerBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	now := time.Now()
	p := engine.TriggerBatchParams{ParentRunID: req.ParentRunID, ParentSnapshotID: req.ParentSnapshotID}
	for _, item := range req.Items {
		p.Items = append(p.Items, item.params(item.Task, now))
	}
	res, err := s.engine.TriggerBatch(r.Context(), environment(r), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := batchResponse{ID: res.Batch.ID, Runs: make([]runView, 0, len(res.Runs))}
	for _, run := range res.Runs {
		out.Runs = append(out.Runs, viewRun(run))
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.Context(), environment(r), chi.URLParam(r, "runId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRun(run))
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	runID := chi.URLParam(r, "runId")
	if _, err := s.engine.GetRun(r.Context(), environment(r), runID); err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.engine.Cancel(r.Context(), runID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRun(run))
}

type createTokenRequest struct {
	HTTPCallback        bool       `json:"httpCallback,omitempty"`
	IdempotencyKey      string     `json:"idempotencyKey,omitempty"`
	IdempotencyKeyTTLMs int64      `json:"idempotencyKeyTTLMs,omitempty"`
	Timeout             *time.Time `json:"timeout,omitempty"`
	Tags                []string   `json:"tags,omitempty"`
}

type tokenResponse struct {
	Waitpoint   waitpointView `json:"waitpoint"`
	CallbackURL string        `json:"callbackUrl,omitempty"`
}

func (s *Server) createToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := engine.CreateTokenParams{
		HTTPCallback:   req.HTTPCallback,
		IdempotencyKey: req.IdempotencyKey,
		Timeout:        req.Timeout,
		Tags:           req.Tags,
	}
	if req.IdempotencyKeyTTLMs > 0 {
		at := time.Now().Add(time.Duration(req.IdempotencyKeyTTLMs) * time.Millisecond)
		p.IdempotencyKeyExpiresAt = &at
	}
	res, err := s.engine.CreateToken(r.Context(), environment(r), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := tokenResponse{Waitpoint: viewWaitpoint(res.Waitpoint)}
	if res.CallbackHash != "" {
		out.CallbackURL = "/waitpoints/tokens/" + res.Waitpoint.ID + "/callback/" + res.CallbackHash
	}
	writeJSON(w, http.StatusCreated, out)
}

type completeTokenRequest struct {
	Data json.RawMessage `json:"data,omitempty"`
}

func (s *Server) completeToken(w http.ResponseWriter, r *http.Request) {
	var req completeTokenRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wp, err := s.engine.CompleteToken(r.Context(), environment(r), chi.URLParam(r, "waitpointId"), req.Data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewWaitpoint(wp))
}

// httpCallback stores the raw request body as the token's output.
func (s *Server) httpCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wp, err := s.engine.CompleteHTTPCallback(r.Context(), chi.URLParam(r, "waitpointId"), chi.URLParam(r, "hash"), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": wp.ID})
}
