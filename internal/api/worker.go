package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SirClappington/runengine/internal/domain"
	"github.com/SirClappington/runengine/internal/engine"
	"github.com/SirClappington/runengine/internal/taskrunerror"
)

type workerHeartbeatRequest struct {
	InstanceID  string `json:"instanceId"`
	WorkerQueue string `json:"workerQueue"`
}

func (s *Server) workerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req workerHeartbeatRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.WorkerHeartbeat(r.Context(), req.InstanceID, req.WorkerQueue); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type dequeueRequest struct {
	WorkerQueue  string            `json:"workerQueue"`
	InstanceID   string            `json:"instanceId"`
	RunnerID     string            `json:"runnerId,omitempty"`
	MaxRunCount  int               `json:"maxRunCount,omitempty"`
	MaxResources *engine.Resources `json:"maxResources,omitempty"`
}

type dequeuedView struct {
	Run              runView              `json:"run"`
	Snapshot         snapshotView         `json:"snapshot"`
	Machine          domain.MachinePreset `json:"machine"`
	BackgroundWorker workerView           `json:"backgroundWorker"`
}

type workerView struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

func (s *Server) dequeue(w http.ResponseWriter, r *http.Request) {
	var req dequeueRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.engine.Dequeue(r.Context(), engine.DequeueParams{
		WorkerQueue:      req.WorkerQueue,
		WorkerInstanceID: req.InstanceID,
		RunnerID:         req.RunnerID,
		MaxRunCount:      req.MaxRunCount,
		MaxResources:     req.MaxResources,
	})
	if err != nil && len(runs) == 0 {
		s.writeError(w, r, err)
		return
	}
	out := make([]dequeuedView, 0, len(runs))
	for _, d := range runs {
		v := dequeuedView{Run: viewRun(d.Run), Snapshot: viewSnapshot(d.Snapshot), Machine: d.Machine}
		if d.BackgroundWorker != nil {
			v.BackgroundWorker = workerView{ID: d.BackgroundWorker.ID, Version: d.BackgroundWorker.Version}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type executionView struct {
	Run                 runView         `json:"run"`
	Snapshot            snapshotView    `json:"snapshot"`
	CompletedWaitpoints []waitpointView `json:"completedWaitpoints,omitempty"`
}

func (s *Server) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := s.engine.GetRunExecutionData(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := executionView{Run: viewRun(data.Run), Snapshot: viewSnapshot(data.Snapshot)}
	for _, wp := range data.CompletedWaitpoints {
		out.CompletedWaitpoints = append(out.CompletedWaitpoints, viewWaitpoint(wp))
	}
	writeJSON(w, http.StatusOK, out)
}

type startAttemptResponse struct {
	Run      runView              `json:"run"`
	Snapshot snapshotView         `json:"snapshot"`
	Machine  domain.MachinePreset `json:"machine"`
}

func (s *Server) startAttempt(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.StartAttempt(r.Context(), chi.URLParam(r, "runId"), chi.URLParam(r, "snapshotId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startAttemptResponse{Run: viewRun(res.Run), Snapshot: viewSnapshot(res.Snapshot), Machine: res.Machine})
}

type completeAttemptRequest struct {
	OK           bool            `json:"ok"`
	Output       json.RawMessage `json:"output,omitempty"`
	OutputType   string          `json:"outputType,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`
	RetryDelayMs *int64          `json:"retryDelayMs,omitempty"`
}

type completeAttemptResponse struct {
	Run      runView      `json:"run"`
	Snapshot snapshotView `json:"snapshot"`
	Retrying bool         `json:"retrying"`
}

func (s *Server) completeAttempt(w http.ResponseWriter, r *http.Request) {
	var req completeAttemptRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c := engine.Completion{OK: req.OK, Output: req.Output, OutputType: req.OutputType}
	if !req.OK {
		e, err := taskrunerror.Unmarshal(req.Error)
		if err != nil {
			s.writeError(w, r, badRequest(err))
			return
		}
		c.Error = e
	}
	if req.RetryDelayMs != nil {
		d := time.Duration(*req.RetryDelayMs) * time.Millisecond
		c.RetryDelay = &d
	}
	res, err := s.engine.CompleteAttempt(r.Context(), chi.URLParam(r, "runId"), chi.URLParam(r, "snapshotId"), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completeAttemptResponse{Run: viewRun(res.Run), Snapshot: viewSnapshot(res.Snapshot), Retrying: res.Retrying})
}

func (s *Server) snapshotHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Heartbeat(r.Context(), chi.URLParam(r, "runId"), chi.URLParam(r, "snapshotId")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type waitForDurationRequest struct {
	Date           *time.Time `json:"date,omitempty"`
	DurationMs     int64      `json:"durationMs,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
}

type waitResponse struct {
	Waitpoint     waitpointView `json:"waitpoint"`
	Snapshot      snapshotView  `json:"snapshot"`
	WillWaitUntil time.Time     `json:"willWaitUntil"`
}

func (s *Server) waitForDuration(w http.ResponseWriter, r *http.Request) {
	var req waitForDurationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	until := time.Now().Add(time.Duration(req.DurationMs) * time.Millisecond)
	if req.Date != nil {
		until = *req.Date
	} else if req.DurationMs <= 0 {
		s.writeError(w, r, badRequestf("wait needs a date or a positive durationMs"))
		return
	}
	res, err := s.engine.WaitForDuration(r.Context(), engine.WaitForDurationParams{
		RunID:          chi.URLParam(r, "runId"),
		SnapshotID:     chi.URLParam(r, "snapshotId"),
		Until:          until,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, waitResponse{Waitpoint: viewWaitpoint(res.Waitpoint), Snapshot: viewSnapshot(res.Snapshot), WillWaitUntil: res.WaitUntil})
}

type waitForTokenRequest struct {
	WaitpointID string `json:"waitpointId"`
}

func (s *Server) waitForToken(w http.ResponseWriter, r *http.Request) {
	var req waitForTokenRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.engine.WaitForToken(r.Context(), chi.URLParam(r, "runId"), chi.URLParam(r, "snapshotId"), req.WaitpointID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSnapshot(snap))
}

func (s *Server) suspend(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Suspend(r.Context(), chi.URLParam(r, "runId"), chi.URLParam(r, "snapshotId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSnapshot(snap))
}
