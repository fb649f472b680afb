package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/domain"
	"github.com/SirClappington/runengine/internal/taskrunerror"
)

// Cancel stops a run. Runs a worker is executing move to PENDING_CANCEL and
// finish when the worker reports back; all others finish immediately.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*domain.TaskRun, error) {
	if reason == "" {
		reason = "Run was cancelled"
	}
	var out *domain.TaskRun
	err := retryConflicts(ctx, 3, func() error {
		run, snap, err := e.latest(ctx, runID)
		if err != nil {
			return err
		}
		switch snap.ExecutionStatus {
		case domain.ExecFinished, domain.ExecPendingCancel:
			out = run
			return nil
		case domain.ExecExecuting, domain.ExecExecutingWithWaitpoints:
			next, _, err := e.transition(ctx, run.ID, snap.ID, change{
				status:      domain.ExecPendingCancel,
				description: reason,
				workerID:    snap.WorkerID,
				runnerID:    snap.RunnerID,
			})
			if err != nil {
				return err
			}
			out = next
			return nil
		case domain.ExecRunCreated, domain.ExecDelayed, domain.ExecQueued, domain.ExecPendingExecuting, domain.ExecSuspended:
			done, err := e.finalize(ctx, run, snap, finalOutcome{
				status:      domain.RunCanceled,
				description: reason,
				err:         taskrunerror.Internal(taskrunerror.TaskRunCancelled, reason),
			})
			if err != nil {
				return err
			}
			out = done.run
			return nil
		default:
			panic(fmt.Sprintf("unhandled execution status %q", snap.ExecutionStatus))
		}
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("run cancel requested", zap.String("runId", runID), zap.String("status", string(out.Status)))
	return out, nil
}

// Suspend parks a waiting run so its worker can exit. The run gives up its
// concurrency slot and is queued again once its waitpoints complete.
func (e *Engine) Suspend(ctx context.Context, runID, snapshotID string) (*domain.ExecutionSnapshot, error) {
	run, snap, err := e.expect(ctx, runID, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.ExecutionStatus != domain.ExecExecutingWithWaitpoints {
		return nil, invalidState(runID, snap.ExecutionStatus)
	}
	run, next, err := e.transition(ctx, run.ID, snap.ID, change{
		status:      domain.ExecSuspended,
		description: "Run was suspended while waiting",
		mutate: func(r *domain.TaskRun) {
			r.Status = domain.RunWaitingToResume
			r.LockedByWorkerID = nil
		},
	})
	if err != nil {
		return nil, err
	}
	if err := e.runQueue.ReleaseConcurrency(ctx, descriptor(run), run.ID); err != nil {
		e.logger.Error("release concurrency of suspended run failed", zap.String("runId", run.ID), zap.Error(err))
	}
	pending, err := e.store.PendingWaitpointCount(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if pending == 0 {
		if err := e.scheduleContinue(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	return next, nil
}
