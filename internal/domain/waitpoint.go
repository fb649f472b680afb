package domain

import "time"

type WaitpointStatus string

const (
	WaitpointPending   WaitpointStatus = "PENDING"
	WaitpointCompleted WaitpointStatus = "COMPLETED"
)

type WaitpointKind string

const (
	WaitpointDuration     WaitpointKind = "DURATION"
	WaitpointRun          WaitpointKind = "RUN"
	WaitpointBatch        WaitpointKind = "BATCH"
	WaitpointManual       WaitpointKind = "MANUAL"
	WaitpointHTTPCallback WaitpointKind = "HTTP_CALLBACK"
)

func (k WaitpointKind) Valid() bool {
	switch k {
	case WaitpointDuration, WaitpointRun, WaitpointBatch, WaitpointManual, WaitpointHTTPCallback:
		return true
	}
	return false
}

type Waitpoint struct {
	ID                      string
	Kind                    WaitpointKind
	Status                  WaitpointStatus
	EnvironmentID           string
	ProjectID               string
	IdempotencyKey          string
	IdempotencyKeyExpiresAt *time.Time
	CompletedByTaskRunID    *string
	CompletedByBatchID      *string
	CompletedAfter          *time.Time
	CompletedAt             *time.Time
	Output                  []byte
	OutputType              string
	OutputIsError           bool
	Tags                    []string
	CreatedAt               time.Time
}

// TaskRunWaitpoint records that a run is blocked on a waitpoint.
type TaskRunWaitpoint struct {
	RunID       string
	WaitpointID string
	ProjectID   string
	BatchID     *string
	CreatedAt   time.Time
}
