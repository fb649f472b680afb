package api

import (
	"encoding/json"
	"time"

	"github.com/SirClappington/runengine/internal/domain"
)

type runView struct {
	ID               string          `json:"id"`
	TaskIdentifier   string          `json:"taskIdentifier"`
	Status           string          `json:"status"`
	Queue            string          `json:"queue"`
	WorkerQueue      string          `json:"workerQueue"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	PayloadType      string          `json:"payloadType"`
	AttemptNumber    int             `json:"attemptNumber"`
	MaxAttempts      int             `json:"maxAttempts"`
	MachinePreset    string          `json:"machine"`
	IdempotencyKey   *string         `json:"idempotencyKey,omitempty"`
	BatchID          *string         `json:"batchId,omitempty"`
	ParentRunID      *string         `json:"parentRunId,omitempty"`
	RootRunID        *string         `json:"rootRunId,omitempty"`
	Depth            int             `json:"depth"`
	Output           json.RawMessage `json:"output,omitempty"`
	OutputType       string          `json:"outputType,omitempty"`
	Error            json.RawMessage `json:"error,omitempty"`
	LatestSnapshotID string          `json:"latestSnapshotId"`
	CreatedAt        time.Time       `json:"createdAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// rawJSON passes b through when it is valid JSON and quotes it otherwise.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func viewRun(r *domain.TaskRun) runView {
	return runView{
		ID:               r.ID,
		TaskIdentifier:   r.TaskIdentifier,
		Status:           string(r.Status),
		Queue:            r.Queue,
		WorkerQueue:      r.WorkerQueue,
		Payload:          rawJSON(r.Payload),
		PayloadType:      r.PayloadType,
		AttemptNumber:    r.AttemptNumber,
		MaxAttempts:      r.MaxAttempts,
		MachinePreset:    r.MachinePreset,
		IdempotencyKey:   r.IdempotencyKey,
		BatchID:          r.BatchID,
		ParentRunID:      r.ParentRunID,
		RootRunID:        r.RootRunID,
		Depth:            r.Depth,
		Output:           rawJSON(r.Output),
		OutputType:       r.OutputType,
		Error:            rawJSON(r.Error),
		LatestSnapshotID: r.LatestSnapshotID,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
	}
}

type snapshotView struct {
	ID                    string    `json:"id"`
	RunID                 string    `json:"runId"`
	ExecutionStatus       string    `json:"executionStatus"`
	RunStatus             string    `json:"runStatus"`
	Description           string    `json:"description"`
	AttemptNumber         int       `json:"attemptNumber"`
	CompletedWaitpointIDs []string  `json:"completedWaitpointIds,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

func viewSnapshot(s *domain.ExecutionSnapshot) snapshotView {
	return snapshotView{
		ID:                    s.ID,
		RunID:                 s.RunID,
		ExecutionStatus:       string(s.ExecutionStatus),
		RunStatus:             string(s.RunStatus),
		Description:           s.Description,
		AttemptNumber:         s.AttemptNumber,
		CompletedWaitpointIDs: s.CompletedWaitpointIDs,
		CreatedAt:             s.CreatedAt,
	}
}

type waitpointView struct {
	ID             string          `json:"id"`
	Kind           string          `json:"type"`
	Status         string          `json:"status"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CompletedAfter *time.Time      `json:"completedAfter,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	OutputType     string          `json:"outputType,omitempty"`
	OutputIsError  bool            `json:"outputIsError"`
	Tags           []string        `json:"tags,omitempty"`
}

func viewWaitpoint(w *domain.Waitpoint) waitpointView {
	return waitpointView{
		ID:             w.ID,
		Kind:           string(w.Kind),
		Status:         string(w.Status),
		IdempotencyKey: w.IdempotencyKey,
		CompletedAfter: w.CompletedAfter,
		CompletedAt:    w.CompletedAt,
		Output:         rawJSON(w.Output),
		OutputType:     w.OutputType,
		OutputIsError:  w.OutputIsError,
		Tags:           w.Tags,
	}
}
