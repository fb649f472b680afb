package storage

import (
	"context"
	"errors"
	"time"

	"github.com/SirClappington/runengine/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleSnapshot is returned by Transition when the run has moved past
	// the snapshot the caller expected.
	ErrStaleSnapshot = errors.New("stale execution snapshot")
	ErrDuplicate     = errors.New("duplicate")
)

// Store is the system of record. Postgres backs it in production; MemStore
// backs development and tests.
type Store interface {
	UpsertOrganization(ctx context.Context, o *domain.Organization) error
	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	SetOrganizationConcurrency(ctx context.Context, id string, limit int) error
	UpsertEnvironment(ctx context.Context, e *domain.Environment) error
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
	GetEnvironmentByAPIKey(ctx context.Context, apiKey string) (*domain.Environment, error)
	ListEnvironments(ctx context.Context) ([]*domain.Environment, error)
	SetEnvironmentConcurrency(ctx context.Context, id string, limit int) error

	CreateBackgroundWorker(ctx context.Context, w *domain.BackgroundWorker) error
	GetBackgroundWorker(ctx context.Context, id string) (*domain.BackgroundWorker, error)
	// FindWorkerForTask returns the newest worker in the environment that
	// can run task.
	FindWorkerForTask(ctx context.Context, envID, task string) (*domain.BackgroundWorker, error)
	UpsertWorkerInstance(ctx context.Context, w *domain.WorkerInstance) error

	// CreateRun writes a run together with its first snapshot. A clash on the
	// environment, task and idempotency key returns ErrDuplicate.
	CreateRun(ctx context.Context, run *domain.TaskRun, first *domain.ExecutionSnapshot) error
	GetRun(ctx context.Context, id string) (*domain.TaskRun, error)
	FindRunByIdempotencyKey(ctx context.Context, envID, task, key string) (*domain.TaskRun, error)
	ClearIdempotencyKey(ctx context.Context, runID string) error
	ListRunsForBatch(ctx context.Context, batchID string) ([]*domain.TaskRun, error)
	ListRunsWaitingForDeploy(ctx context.Context, envID string, limit int) ([]*domain.TaskRun, error)
	// ListQueuedRuns returns runs whose latest snapshot is QUEUED and older
	// than before.
	ListQueuedRuns(ctx context.Context, before time.Time, limit int) ([]*domain.TaskRun, error)

	GetLatestSnapshot(ctx context.Context, runID string) (*domain.ExecutionSnapshot, error)
	GetSnapshot(ctx context.Context, id string) (*domain.ExecutionSnapshot, error)
	// Transition applies mutate to the run and appends next as its latest
	// snapshot, provided the latest snapshot is still expectedSnapshotID.
	// next inherits the run's ids, status and attempt number.
	Transition(ctx context.Context, runID, expectedSnapshotID string, mutate func(*domain.TaskRun), next *domain.ExecutionSnapshot) (*domain.TaskRun, error)

	// CreateWaitpoint returns the existing waitpoint when one with the same
	// environment and idempotency key is still live.
	CreateWaitpoint(ctx context.Context, w *domain.Waitpoint) (*domain.Waitpoint, error)
	GetWaitpoint(ctx context.Context, id string) (*domain.Waitpoint, error)
	FindWaitpointByBatch(ctx context.Context, batchID string) (*domain.Waitpoint, error)
	// CompleteWaitpoint completes a PENDING waitpoint. completedNow is false
	// when it was already completed; its stored output is left as it was.
	CompleteWaitpoint(ctx context.Context, id string, c WaitpointCompletion) (w *domain.Waitpoint, completedNow bool, err error)
	BlockRun(ctx context.Context, runID string, waitpointIDs []string, projectID string, batchID *string) error
	ListBlockedRunIDs(ctx context.Context, waitpointID string) ([]string, error)
	PendingWaitpointCount(ctx context.Context, runID string) (int, error)
	// ClearRunWaitpoints detaches every waitpoint from the run and returns
	// their ids.
	ClearRunWaitpoints(ctx context.Context, runID string) ([]string, error)

	CreateBatch(ctx context.Context, b *domain.BatchTaskRun) error
	GetBatch(ctx context.Context, id string) (*domain.BatchTaskRun, error)
	// CompleteBatch marks a PENDING batch COMPLETED and reports whether this
	// call did it.
	CompleteBatch(ctx context.Context, id string, success, failure int, at time.Time) (bool, error)
	// SetBatchRunCount changes the expected run count of a PENDING batch.
	SetBatchRunCount(ctx context.Context, id string, runCount int) error

	// TryLock takes a cluster-wide lock without blocking.
	TryLock(ctx context.Context, key int64) (unlock func(), ok bool, err error)
}

type WaitpointCompletion struct {
	Output     []byte
	OutputType string
	IsError    bool
	At         time.Time
}
