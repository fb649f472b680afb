package engine

import (
	"context"
	"errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/domain"
)

// reconcileLockKey is the advisory lock that keeps one reconciler running.
const reconcileLockKey int64 = 42

// ReconcileQueuedRuns re-enqueues QUEUED runs the run queue lost track of.
// It returns without work when another process holds the lock.
func (e *Engine) ReconcileQueuedRuns(ctx context.Context, limit int) (int, error) {
	unlock, ok, err := e.store.TryLock(ctx, reconcileLockKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	defer unlock()

	runs, err := e.store.ListQueuedRuns(ctx, e.now().Add(-e.opts.ReconcileGrace), limit)
	if err != nil {
		return 0, err
	}
	var errs error
	requeued := 0
	for _, run := range runs {
		done, err := e.reconcileRun(ctx, run)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if done {
			requeued++
		}
	}
	if errs != nil {
		e.logger.Warn("reconcile finished with errors", zap.Int("requeued", requeued), zap.Error(errs))
	} else if requeued > 0 {
		e.logger.Info("reconciled queued runs", zap.Int("requeued", requeued))
	}
	return requeued, errs
}

// reconcileRun re-enqueues a run that is neither waiting in its queue, nor
// in a worker queue, nor popped by a worker within the grace period.
func (e *Engine) reconcileRun(ctx context.Context, run *domain.TaskRun) (bool, error) {
	queued, err := e.runQueue.InQueue(ctx, descriptor(run), run.ID)
	if err != nil || queued {
		return false, err
	}
	h, err := e.runQueue.ReadHandoff(ctx, run.ID)
	if err != nil {
		return false, err
	}
	if h.InWorkerQueue || (!h.DequeuedAt.IsZero() && e.now().Sub(h.DequeuedAt) < e.opts.ReconcileGrace) {
		return false, nil
	}
	run, snap, err := e.latest(ctx, run.ID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if snap.ExecutionStatus != domain.ExecQueued {
		return false, nil
	}
	e.logger.Warn("requeueing run missing from its queue", zap.String("runId", run.ID))
	if err := e.enqueueRun(ctx, run, e.now()); err != nil {
		return false, err
	}
	return true, nil
}
