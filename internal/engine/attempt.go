package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/domain"
	"github.com/SirClappington/runengine/internal/storage"
	"github.com/SirClappington/runengine/internal/taskrunerror"
)

type StartAttemptResult struct {
	Run      *domain.TaskRun
	Snapshot *domain.ExecutionSnapshot
	Machine  domain.MachinePreset
}

// StartAttempt begins executing a dequeued run.
func (e *Engine) StartAttempt(ctx context.Context, runID, snapshotID string) (*StartAttemptResult, error) {
	run, snap, err := e.expect(ctx, runID, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.ExecutionStatus != domain.ExecPendingExecuting {
		return nil, invalidState(runID, snap.ExecutionStatus)
	}
	now := e.now()
	description := "Attempt started"
	if run.Status == domain.RunWaitingToResume {
		description = "Attempt resumed"
	}
	run, next, err := e.transition(ctx, runID, snapshotID, change{
		status:      domain.ExecExecuting,
		description: description,
		workerID:    snap.WorkerID,
		runnerID:    snap.RunnerID,
		mutate: func(r *domain.TaskRun) {
			// A resumed run continues the attempt it was suspended in.
			if r.Status != domain.RunWaitingToResume {
				r.AttemptNumber++
			}
			r.Status = domain.RunExecuting
			if r.StartedAt == nil {
				r.StartedAt = &now
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return &StartAttemptResult{Run: run, Snapshot: next, Machine: domain.Machine(run.MachinePreset)}, nil
}

// Completion is what a worker reports at the end of an attempt. Exactly one
// of Output and Error is meaningful, selected by OK.
type Completion struct {
	OK         bool
	Output     []byte
	OutputType string
	Error      taskrunerror.Error
	// RetryDelay overrides the engine's backoff when the attempt is retried.
	RetryDelay *time.Duration
}

type CompleteAttemptResult struct {
	Run      *domain.TaskRun
	Snapshot *domain.ExecutionSnapshot
	// Retrying reports that the run was queued for another attempt.
	Retrying bool
}

// CompleteAttempt records the outcome of an attempt and either finishes the
// run or queues a retry.
func (e *Engine) CompleteAttempt(ctx context.Context, runID, snapshotID string, c Completion) (*CompleteAttemptResult, error) {
	if !c.OK && c.Error == nil {
		return nil, validationf("a failed completion needs an error")
	}
	run, snap, err := e.expect(ctx, runID, snapshotID)
	if err != nil {
		return nil, err
	}
	switch snap.ExecutionStatus {
	case domain.ExecExecuting, domain.ExecExecutingWithWaitpoints, domain.ExecPendingCancel:
	default:
		return nil, invalidState(runID, snap.ExecutionStatus)
	}
	return e.completeAttempt(ctx, run, snap, c)
}

func (e *Engine) completeAttempt(ctx context.Context, run *domain.TaskRun, snap *domain.ExecutionSnapshot, c Completion) (*CompleteAttemptResult, error) {
	if snap.ExecutionStatus == domain.ExecPendingCancel {
		done, err := e.finalize(ctx, run, snap, finalOutcome{
			status:      domain.RunCanceled,
			description: "Run was cancelled",
			err:         taskrunerror.Internal(taskrunerror.TaskRunCancelled, "Run was cancelled"),
		})
		if err != nil {
			return nil, err
		}
		return &CompleteAttemptResult{Run: done.run, Snapshot: done.snapshot}, nil
	}

	if c.OK {
		done, err := e.finalize(ctx, run, snap, finalOutcome{
			status:      domain.RunCompletedSuccessful,
			description: "Attempt succeeded",
			output:      c.Output,
			outputType:  c.OutputType,
		})
		if err != nil {
			return nil, err
		}
		return &CompleteAttemptResult{Run: done.run, Snapshot: done.snapshot}, nil
	}

	status := taskrunerror.RunStatusFromError(c.Error, run.EnvironmentType)
	if taskrunerror.IsRetryable(c.Error) && run.AttemptNumber < run.MaxAttempts {
		return e.retry(ctx, run, snap, c)
	}
	done, err := e.finalize(ctx, run, snap, finalOutcome{
		status:      status,
		description: "Attempt failed",
		err:         c.Error,
	})
	if err != nil {
		return nil, err
	}
	return &CompleteAttemptResult{Run: done.run, Snapshot: done.snapshot}, nil
}

func (e *Engine) retry(ctx context.Context, run *domain.TaskRun, snap *domain.ExecutionSnapshot, c Completion) (*CompleteAttemptResult, error) {
	delay := e.retryDelay(run.AttemptNumber)
	if c.RetryDelay != nil && *c.RetryDelay >= 0 {
		delay = *c.RetryDelay
	}
	errBody, err := taskrunerror.Marshal(c.Error)
	if err != nil {
		return nil, err
	}
	next, nextSnap, err := e.transition(ctx, run.ID, snap.ID, change{
		status:      domain.ExecQueued,
		description: "Attempt failed, retrying",
		mutate: func(r *domain.TaskRun) {
			r.Status = domain.RunRetryingAfterFailure
			r.Error = errBody
			r.LockedByWorkerID = nil
		},
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.store.ClearRunWaitpoints(ctx, run.ID); err != nil {
		e.logger.Warn("clear waitpoints before retry failed", zap.String("runId", run.ID), zap.Error(err))
	}
	if err := e.enqueueRun(ctx, next, e.now().Add(delay)); err != nil {
		return nil, err
	}
	e.metrics.RunRetries.Inc()
	e.logger.Info("retrying run", zap.String("runId", run.ID), zap.Int("attempt", run.AttemptNumber), zap.Duration("delay", delay))
	return &CompleteAttemptResult{Run: next, Snapshot: nextSnap, Retrying: true}, nil
}

// retryDelay is the backoff before attempt number attempt+1.
func (e *Engine) retryDelay(attempt int) time.Duration {
	b := e.opts.NewRetryBackOff()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		d = next
	}
	if d == backoff.Stop || d < 0 {
		return 0
	}
	return d
}

type finalOutcome struct {
	status      domain.RunStatus
	description string
	output      []byte
	outputType  string
	err         taskrunerror.Error
}

type finalized struct {
	run      *domain.TaskRun
	snapshot *domain.ExecutionSnapshot
}

// finalize moves a run to FINISHED and releases everything it holds: its
// queue message, its concurrency slot and any parent waiting on it.
func (e *Engine) finalize(ctx context.Context, run *domain.TaskRun, snap *domain.ExecutionSnapshot, o finalOutcome) (*finalized, error) {
	var errBody []byte
	if o.err != nil {
		b, err := taskrunerror.Marshal(o.err)
		if err != nil {
			return nil, err
		}
		errBody = b
	}
	now := e.now()
	done, next, err := e.transition(ctx, run.ID, snap.ID, change{
		status:      domain.ExecFinished,
		description: o.description,
		mutate: func(r *domain.TaskRun) {
			r.Status = o.status
			r.CompletedAt = &now
			r.LockedByWorkerID = nil
			if o.output != nil {
				r.Output = o.output
				r.OutputType = o.outputType
			}
			if errBody != nil {
				r.Error = errBody
			}
		},
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RunsFinished.WithLabelValues(string(o.status)).Inc()
	log := e.logger.With(zap.String("runId", run.ID), zap.String("status", string(o.status)))

	if err := e.runQueue.Acknowledge(ctx, descriptor(done), done.ID); err != nil {
		log.Error("acknowledge finished run failed", zap.Error(err))
	}
	if _, err := e.store.ClearRunWaitpoints(ctx, done.ID); err != nil {
		log.Warn("clear waitpoints of finished run failed", zap.Error(err))
	}
	for _, id := range []string{enqueueDelayedJobID(done.ID), expireRunJobID(done.ID)} {
		if err := e.jobs.Cancel(ctx, id); err != nil {
			log.Warn("cancel run job failed", zap.String("jobId", id), zap.Error(err))
		}
	}
	if done.AssociatedWaitpointID != nil {
		params := CompleteWaitpointParams{ID: *done.AssociatedWaitpointID, Output: done.Output, OutputType: done.OutputType}
		if o.status != domain.RunCompletedSuccessful {
			params.Output, params.OutputType, params.IsError = errBody, "application/json", true
		}
		if _, err := e.CompleteWaitpoint(ctx, params); err != nil {
			log.Error("complete run waitpoint failed", zap.Error(err))
		}
	}
	if done.BatchID != nil {
		if err := e.ScheduleCompleteBatch(ctx, *done.BatchID); err != nil {
			log.Error("schedule batch completion failed", zap.Error(err))
		}
	}
	log.Info("run finished")
	return &finalized{run: done, snapshot: next}, nil
}

// Heartbeat keeps an executing snapshot from being treated as stalled.
func (e *Engine) Heartbeat(ctx context.Context, runID, snapshotID string) error {
	_, snap, err := e.expect(ctx, runID, snapshotID)
	if err != nil {
		return err
	}
	if !snap.ExecutionStatus.HasHeartbeat() {
		return invalidState(runID, snap.ExecutionStatus)
	}
	e.scheduleHeartbeat(ctx, runID, snapshotID)
	return nil
}

// handleStalledSnapshot runs when a snapshot's heartbeat lapsed. It does
// nothing if the run has moved on since.
func (e *Engine) handleStalledSnapshot(ctx context.Context, runID, snapshotID string) error {
	run, snap, err := e.latest(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if snap.ID != snapshotID {
		return nil
	}
	log := e.logger.With(zap.String("runId", runID), zap.String("executionStatus", string(snap.ExecutionStatus)))
	log.Warn("run heartbeat lapsed")

	switch snap.ExecutionStatus {
	case domain.ExecPendingExecuting:
		next, _, err := e.transition(ctx, run.ID, snap.ID, change{
			status:      domain.ExecQueued,
			description: "Run was requeued after the worker failed to start it",
			mutate: func(r *domain.TaskRun) {
				r.Status = domain.RunPending
				r.LockedByWorkerID = nil
			},
		})
		if err != nil {
			return ignoreConflict(err)
		}
		return e.enqueueRun(ctx, next, e.now())
	case domain.ExecExecuting:
		_, err := e.completeAttempt(ctx, run, snap, Completion{
			Error: taskrunerror.Internal(taskrunerror.TaskRunStalledExecuting, "Run stopped sending heartbeats"),
		})
		return ignoreConflict(err)
	case domain.ExecExecutingWithWaitpoints:
		_, err := e.completeAttempt(ctx, run, snap, Completion{
			Error: taskrunerror.Internal(taskrunerror.TaskRunStalledExecutingWithWaitpoints, "Run stopped sending heartbeats while waiting"),
		})
		return ignoreConflict(err)
	case domain.ExecPendingCancel:
		_, err := e.completeAttempt(ctx, run, snap, Completion{})
		return ignoreConflict(err)
	case domain.ExecRunCreated, domain.ExecDelayed, domain.ExecQueued, domain.ExecSuspended, domain.ExecFinished:
		return nil
	default:
		log.Error("unhandled execution status")
		return nil
	}
}

func ignoreConflict(err error) error {
	if IsConcurrentModification(err) {
		return nil
	}
	return err
}

type ExecutionData struct {
	Run                 *domain.TaskRun
	Snapshot            *domain.ExecutionSnapshot
	CompletedWaitpoints []*domain.Waitpoint
}

// GetRunExecutionData returns the run's current snapshot along with the
// waitpoints it completed.
func (e *Engine) GetRunExecutionData(ctx context.Context, runID string) (*ExecutionData, error) {
	run, snap, err := e.latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	data := &ExecutionData{Run: run, Snapshot: snap}
	for _, id := range snap.CompletedWaitpointIDs {
		w, err := e.store.GetWaitpoint(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		data.CompletedWaitpoints = append(data.CompletedWaitpoints, w)
	}
	return data, nil
}
