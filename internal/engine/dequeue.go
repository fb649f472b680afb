package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/domain"
	"github.com/SirClappington/runengine/internal/runqueue"
	"github.com/SirClappington/runengine/internal/storage"
)

type Resources struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

type DequeueParams struct {
	WorkerQueue      string
	WorkerInstanceID string
	RunnerID         string
	MaxRunCount      int
	// MaxResources bounds the summed machine size of the returned runs.
	MaxResources *Resources
}

type DequeuedRun struct {
	Run              *domain.TaskRun
	Snapshot         *domain.ExecutionSnapshot
	Machine          domain.MachinePreset
	BackgroundWorker *domain.BackgroundWorker
}

// Dequeue hands up to MaxRunCount runs from a worker queue to the caller.
func (e *Engine) Dequeue(ctx context.Context, p DequeueParams) ([]DequeuedRun, error) {
	if p.WorkerQueue == "" {
		return nil, validationf("worker queue is required")
	}
	if p.MaxRunCount <= 0 {
		p.MaxRunCount = 1
	}
	var remaining *Resources
	if p.MaxResources != nil {
		r := *p.MaxResources
		remaining = &r
	}

	var out []DequeuedRun
	for len(out) < p.MaxRunCount {
		msg, err := e.runQueue.DequeueFromWorkerQueue(ctx, p.WorkerQueue)
		if err != nil {
			return out, err
		}
		if msg == nil {
			break
		}
		d, fits, err := e.dequeueOne(ctx, msg, p, remaining)
		if err != nil {
			e.logger.Error("dequeue run failed", zap.String("runId", msg.Run()), zap.Error(err))
			continue
		}
		if !fits {
			break
		}
		if d == nil {
			continue
		}
		if remaining != nil {
			remaining.CPU -= d.Machine.CPU
			remaining.Memory -= d.Machine.Memory
		}
		out = append(out, *d)
	}
	return out, nil
}

// dequeueOne returns a nil run when the message was dropped, and fits=false
// when the run was put back at its original position because it does not
// fit in remaining.
func (e *Engine) dequeueOne(ctx context.Context, msg runqueue.Message, p DequeueParams, remaining *Resources) (*DequeuedRun, bool, error) {
	runID := msg.Run()
	run, snap, err := e.latest(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		e.logger.Warn("dropping message for unknown run", zap.String("runId", runID))
		return nil, true, nil
	}
	if err != nil {
		return nil, true, err
	}
	log := e.logger.With(zap.String("runId", run.ID))

	if run.Status.IsFinal() {
		return nil, true, e.runQueue.Acknowledge(ctx, descriptor(run), run.ID)
	}
	if snap.ExecutionStatus != domain.ExecQueued {
		log.Warn("dequeued run in unexpected state", zap.String("executionStatus", string(snap.ExecutionStatus)))
		return nil, true, nil
	}

	machine := domain.Machine(run.MachinePreset)
	if remaining != nil && (machine.CPU > remaining.CPU || machine.Memory > remaining.Memory) {
		return nil, false, e.enqueueRun(ctx, run, msg.AvailableAt())
	}

	worker, err := e.store.FindWorkerForTask(ctx, run.EnvironmentID, run.TaskIdentifier)
	if errors.Is(err, storage.ErrNotFound) {
		_, _, err = e.transition(ctx, run.ID, snap.ID, change{
			status:      domain.ExecRunCreated,
			description: "Waiting for a deployed worker that runs this task",
			mutate:      func(r *domain.TaskRun) { r.Status = domain.RunWaitingForDeploy },
		})
		if err != nil {
			return nil, true, err
		}
		return nil, true, e.runQueue.Acknowledge(ctx, descriptor(run), run.ID)
	}
	if err != nil {
		return nil, true, err
	}

	workerID := worker.ID
	run, next, err := e.transition(ctx, run.ID, snap.ID, change{
		status:      domain.ExecPendingExecuting,
		description: "Run was dequeued for execution",
		workerID:    p.WorkerInstanceID,
		runnerID:    p.RunnerID,
		mutate: func(r *domain.TaskRun) {
			if r.Status != domain.RunWaitingToResume {
				r.Status = domain.RunDequeued
			}
			r.LockedByWorkerID = &workerID
		},
	})
	if IsConcurrentModification(err) {
		log.Debug("run moved while dequeuing", zap.Error(err))
		return nil, true, nil
	}
	if err != nil {
		return nil, true, err
	}
	e.metrics.RunsDequeued.Inc()
	return &DequeuedRun{Run: run, Snapshot: next, Machine: machine, BackgroundWorker: worker}, true, nil
}

// RegisterBackgroundWorker records a deployed worker version and queues the
// environment's runs that were waiting for it.
func (e *Engine) RegisterBackgroundWorker(ctx context.Context, w *domain.BackgroundWorker) error {
	if w.EnvironmentID == "" || w.Version == "" || len(w.TaskIdentifiers) == 0 {
		return validationf("worker needs an environment, a version and tasks")
	}
	if w.ID == "" {
		w.ID = domain.NewID("worker")
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = e.now()
	}
	if _, err := e.store.GetEnvironment(ctx, w.EnvironmentID); errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	if err := e.store.CreateBackgroundWorker(ctx, w); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return validationf("worker %s already exists", w.ID)
		}
		return err
	}
	return e.scheduleAt(ctx, waitingForWorkerJobID(w.ID), jobQueueRunsWaitingForWorker,
		workerPayload{BackgroundWorkerID: w.ID}, e.now())
}

func (e *Engine) queueRunsWaitingForWorker(ctx context.Context, workerID string) error {
	worker, err := e.findWorker(ctx, workerID)
	if err != nil || worker == nil {
		return err
	}
	runs, err := e.store.ListRunsWaitingForDeploy(ctx, worker.EnvironmentID, e.opts.WaitingForWorkerMax)
	if err != nil {
		return err
	}
	queued := 0
	for _, run := range runs {
		if !worker.HasTask(run.TaskIdentifier) {
			continue
		}
		err := retryConflicts(ctx, 3, func() error {
			run, snap, err := e.latest(ctx, run.ID)
			if err != nil {
				return err
			}
			if run.Status != domain.RunWaitingForDeploy {
				return nil
			}
			run, _, err = e.transition(ctx, run.ID, snap.ID, change{
				status:      domain.ExecQueued,
				description: "Run was queued after a worker was deployed",
				mutate:      func(r *domain.TaskRun) { r.Status = domain.RunPending },
			})
			if err != nil {
				return err
			}
			return e.enqueueRun(ctx, run, e.now())
		})
		if err != nil {
			e.logger.Warn("requeue waiting run failed", zap.String("runId", run.ID), zap.Error(err))
			continue
		}
		queued++
	}
	if len(runs) == e.opts.WaitingForWorkerMax {
		return e.scheduleAt(ctx, waitingForWorkerJobID(workerID), jobQueueRunsWaitingForWorker,
			workerPayload{BackgroundWorkerID: workerID}, e.now().Add(time.Second))
	}
	e.logger.Info("queued runs waiting for worker", zap.String("workerId", workerID), zap.Int("count", queued))
	return nil
}

func (e *Engine) findWorker(ctx context.Context, workerID string) (*domain.BackgroundWorker, error) {
	w, err := e.store.GetBackgroundWorker(ctx, workerID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("background worker no longer exists", zap.String("workerId", workerID))
		return nil, nil
	}
	return w, err
}
