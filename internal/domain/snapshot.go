package domain

import "time"

type ExecutionStatus string

const (
	ExecRunCreated              ExecutionStatus = "RUN_CREATED"
	ExecDelayed                 ExecutionStatus = "DELAYED"
	ExecQueued                  ExecutionStatus = "QUEUED"
	ExecPendingExecuting        ExecutionStatus = "PENDING_EXECUTING"
	ExecExecuting               ExecutionStatus = "EXECUTING"
	ExecExecutingWithWaitpoints ExecutionStatus = "EXECUTING_WITH_WAITPOINTS"
	ExecSuspended               ExecutionStatus = "SUSPENDED"
	ExecPendingCancel           ExecutionStatus = "PENDING_CANCEL"
	ExecFinished                ExecutionStatus = "FINISHED"
)

// HasHeartbeat reports whether a worker is expected to heartbeat while a
// run sits in s.
func (s ExecutionStatus) HasHeartbeat() bool {
	switch s {
	case ExecPendingExecuting, ExecExecuting, ExecExecutingWithWaitpoints, ExecPendingCancel:
		return true
	}
	return false
}

// ExecutionSnapshot is never updated after it is written. The latest one for a
// run is the run's current execution state.
type ExecutionSnapshot struct {
	ID                    string
	RunID                 string
	PreviousSnapshotID    string
	ExecutionStatus       ExecutionStatus
	RunStatus             RunStatus
	Description           string
	AttemptNumber         int
	EnvironmentID         string
	EnvironmentType       EnvironmentType
	ProjectID             string
	OrganizationID        string
	BatchID               *string
	WorkerID              string
	RunnerID              string
	CompletedWaitpointIDs []string
	CreatedAt             time.Time
}
