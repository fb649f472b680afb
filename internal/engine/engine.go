package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/billing"
	"github.com/SirClappington/runengine/internal/domain"
	"github.com/SirClappington/runengine/internal/metrics"
	"github.com/SirClappington/runengine/internal/queue"
	"github.com/SirClappington/runengine/internal/runqueue"
	"github.com/SirClappington/runengine/internal/storage"
	"github.com/SirClappington/runengine/internal/workerqueue"
)

type Options struct {
	Store    storage.Store
	RunQueue *runqueue.RunQueue
	Jobs     *queue.RedisQ
	// Worker gets the engine's job handlers registered on it. It may be nil
	// in processes that only produce jobs.
	Worker   *queue.Worker
	Resolver *workerqueue.Resolver
	Billing  *billing.Cache
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	DefaultWorkerQueue  string
	DefaultMaxAttempts  int
	HeartbeatTimeout    time.Duration
	BatchDebounce       time.Duration
	ReconcileGrace      time.Duration
	NewRetryBackOff     func() backoff.BackOff
	WaitingForWorkerMax int
}

// Engine drives runs through their lifecycle. Every mutating call names the
// snapshot it expects the run to be at.
type Engine struct {
	store    storage.Store
	runQueue *runqueue.RunQueue
	jobs     *queue.RedisQ
	resolver *workerqueue.Resolver
	billing  *billing.Cache
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

func New(opts Options) *Engine {
	if opts.DefaultWorkerQueue == "" {
		opts.DefaultWorkerQueue = "main"
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = 3
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 5 * time.Minute
	}
	if opts.BatchDebounce <= 0 {
		opts.BatchDebounce = 2 * time.Second
	}
	if opts.ReconcileGrace <= 0 {
		opts.ReconcileGrace = time.Minute
	}
	if opts.WaitingForWorkerMax <= 0 {
		opts.WaitingForWorkerMax = 100
	}
	if opts.NewRetryBackOff == nil {
		opts.NewRetryBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.Multiplier = 2
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Resolver == nil {
		opts.Resolver = workerqueue.NewResolver(opts.DefaultWorkerQueue, nil, nil, opts.Logger)
	}
	e := &Engine{
		store:    opts.Store,
		runQueue: opts.RunQueue,
		jobs:     opts.Jobs,
		resolver: opts.Resolver,
		billing:  opts.Billing,
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("engine"),
		opts:     opts,
		now:      time.Now,
	}
	if opts.Worker != nil {
		e.registerJobs(opts.Worker)
	}
	return e
}

// change describes one snapshot transition.
type change struct {
	status              domain.ExecutionStatus
	description         string
	workerID            string
	runnerID            string
	completedWaitpoints []string
	mutate              func(*domain.TaskRun)
}

// transition moves a run to a new snapshot and keeps its heartbeat job in
// step with the new execution status.
func (e *Engine) transition(ctx context.Context, runID, expectedSnapshotID string, c change) (*domain.TaskRun, *domain.ExecutionSnapshot, error) {
	next := &domain.ExecutionSnapshot{
		ID:                    domain.NewID("snapshot"),
		ExecutionStatus:       c.status,
		Description:           c.description,
		WorkerID:              c.workerID,
		RunnerID:              c.runnerID,
		CompletedWaitpointIDs: c.completedWaitpoints,
		CreatedAt:             e.now(),
	}
	run, err := e.store.Transition(ctx, runID, expectedSnapshotID, c.mutate, next)
	switch {
	case errors.Is(err, storage.ErrStaleSnapshot):
		e.metrics.SnapshotConflicts.Inc()
		cm := &ConcurrentModificationError{RunID: runID, ExpectedSnapshotID: expectedSnapshotID}
		if latest, err := e.store.GetLatestSnapshot(ctx, runID); err == nil {
			cm.LatestSnapshotID = latest.ID
		}
		return nil, nil, cm
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil, ErrNotFound
	case err != nil:
		return nil, nil, err
	}

	if c.status.HasHeartbeat() {
		e.scheduleHeartbeat(ctx, run.ID, next.ID)
	} else if err := e.jobs.Cancel(ctx, heartbeatJobID(run.ID)); err != nil {
		e.logger.Warn("cancel heartbeat job failed", zap.String("runId", run.ID), zap.Error(err))
	}
	return run, next, nil
}

// latest loads a run and its current snapshot.
func (e *Engine) latest(ctx context.Context, runID string) (*domain.TaskRun, *domain.ExecutionSnapshot, error) {
	run, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	snap, err := e.store.GetLatestSnapshot(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, snap, nil
}

// expect loads a run and checks the caller's snapshot is still its latest.
func (e *Engine) expect(ctx context.Context, runID, snapshotID string) (*domain.TaskRun, *domain.ExecutionSnapshot, error) {
	run, snap, err := e.latest(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if snap.ID != snapshotID {
		return nil, nil, &ConcurrentModificationError{RunID: runID, ExpectedSnapshotID: snapshotID, LatestSnapshotID: snap.ID}
	}
	return run, snap, nil
}

// retryConflicts re-runs fn when another writer moved the run first. System
// driven operations use it; caller driven ones surface the conflict instead.
func retryConflicts(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !IsConcurrentModification(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func descriptor(run *domain.TaskRun) runqueue.QueueDescriptor {
	return runqueue.QueueDescriptor{
		OrgID:         run.OrganizationID,
		ProjectID:     run.ProjectID,
		EnvironmentID: run.EnvironmentID,
		Queue:         run.Queue,
	}
}

// enqueueRun puts run on the run queue, routed through the resolver.
func (e *Engine) enqueueRun(ctx context.Context, run *domain.TaskRun, availableAt time.Time) error {
	msg := runqueue.MessageV2{
		RunID:           run.ID,
		TaskIdentifier:  run.TaskIdentifier,
		OrgID:           run.OrganizationID,
		ProjectID:       run.ProjectID,
		EnvironmentID:   run.EnvironmentID,
		EnvironmentType: run.EnvironmentType,
		Queue:           run.Queue,
		WorkerQueue:     run.WorkerQueue,
		Timestamp:       availableAt.UnixMilli(),
		Attempt:         run.AttemptNumber,
	}
	workerQueue := e.resolver.Resolve(msg)
	return e.runQueue.Enqueue(ctx, msg, workerQueue, availableAt, time.Duration(run.PriorityMs)*time.Millisecond)
}

func (e *Engine) schedule(ctx context.Context, id, jobType string, payload any, at time.Time, mode queue.Mode) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = e.jobs.Enqueue(ctx, queue.Job{ID: id, Type: jobType, Payload: b, MaxAttempts: 10}, at, mode)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobType, err)
	}
	return nil
}
