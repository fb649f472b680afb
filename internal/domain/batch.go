package domain

import "time"

type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchCompleted BatchStatus = "COMPLETED"
)

type BatchTaskRun struct {
	ID            string
	EnvironmentID string
	ProjectID     string
	Status        BatchStatus
	RunCount      int
	SuccessCount  int
	FailureCount  int
	CreatedAt     time.Time
	CompletedAt   *time.Time
}
