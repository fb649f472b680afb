package domain

import "time"

type RunStatus string

const (
	RunDelayed              RunStatus = "DELAYED"
	RunPending              RunStatus = "PENDING"
	RunWaitingForDeploy     RunStatus = "WAITING_FOR_DEPLOY"
	RunDequeued             RunStatus = "DEQUEUED"
	RunExecuting            RunStatus = "EXECUTING"
	RunWaitingToResume      RunStatus = "WAITING_TO_RESUME"
	RunRetryingAfterFailure RunStatus = "RETRYING_AFTER_FAILURE"
	RunCanceled             RunStatus = "CANCELED"
	RunCompletedSuccessful  RunStatus = "COMPLETED_SUCCESSFULLY"
	RunCompletedWithErrors  RunStatus = "COMPLETED_WITH_ERRORS"
	RunSystemFailure        RunStatus = "SYSTEM_FAILURE"
	RunCrashed              RunStatus = "CRASHED"
	RunExpired              RunStatus = "EXPIRED"
	RunTimedOut             RunStatus = "TIMED_OUT"
)

// IsFinal reports whether no further transition can leave s.
func (s RunStatus) IsFinal() bool {
	switch s {
	case RunCanceled, RunCompletedSuccessful, RunCompletedWithErrors,
		RunSystemFailure, RunCrashed, RunExpired, RunTimedOut:
		return true
	}
	return false
}

// IsFailed reports whether s is a terminal status other than success.
func (s RunStatus) IsFailed() bool {
	return s.IsFinal() && s != RunCompletedSuccessful
}

type TaskRun struct {
	ID                      string
	EnvironmentID           string
	EnvironmentType         EnvironmentType
	ProjectID               string
	OrganizationID          string
	TaskIdentifier          string
	Queue                   string
	WorkerQueue             string
	Payload                 []byte
	PayloadType             string
	Status                  RunStatus
	PriorityMs              int64
	IdempotencyKey          *string
	IdempotencyKeyExpiresAt *time.Time
	BatchID                 *string
	ParentRunID             *string
	RootRunID               *string
	Depth                   int
	MachinePreset           string
	AttemptNumber           int
	MaxAttempts             int
	MaxDurationSeconds      int
	TTL                     time.Duration
	DelayUntil              *time.Time
	LockedByWorkerID        *string
	AssociatedWaitpointID   *string
	LatestSnapshotID        string
	Output                  []byte
	OutputType              string
	Error                   []byte
	CreatedAt               time.Time
	UpdatedAt               time.Time
	StartedAt               *time.Time
	CompletedAt             *time.Time
}
