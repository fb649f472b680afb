package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/queue"
)

const (
	jobFinishWaitpoint           = "finishWaitpoint"
	jobContinueRunIfUnblocked    = "continueRunIfUnblocked"
	jobTryCompleteBatch          = "tryCompleteBatch"
	jobHeartbeatSnapshot         = "heartbeatSnapshot"
	jobEnqueueDelayedRun         = "enqueueDelayedRun"
	jobExpireRun                 = "expireRun"
	jobQueueRunsWaitingForWorker = "queueRunsWaitingForWorker"
)

func finishWaitpointJobID(id string) string        { return jobFinishWaitpoint + ":" + id }
func continueRunJobID(runID string) string         { return jobContinueRunIfUnblocked + ":" + runID }
func completeBatchJobID(batchID string) string     { return jobTryCompleteBatch + ":" + batchID }
func heartbeatJobID(runID string) string           { return jobHeartbeatSnapshot + ":" + runID }
func enqueueDelayedJobID(runID string) string      { return jobEnqueueDelayedRun + ":" + runID }
func expireRunJobID(runID string) string           { return jobExpireRun + ":" + runID }
func waitingForWorkerJobID(workerID string) string { return jobQueueRunsWaitingForWorker + ":" + workerID }

type finishWaitpointPayload struct {
	WaitpointID string          `json:"waitpointId"`
	Error       json.RawMessage `json:"error,omitempty"`
}

type runPayload struct {
	RunID string `json:"runId"`
}

type heartbeatPayload struct {
	RunID      string `json:"runId"`
	SnapshotID string `json:"snapshotId"`
}

type batchPayload struct {
	BatchID string `json:"batchId"`
}

type workerPayload struct {
	BackgroundWorkerID string `json:"backgroundWorkerId"`
}

func handle[P any](fn func(ctx context.Context, p P) error) queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var p P
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		return fn(ctx, p)
	}
}

func (e *Engine) registerJobs(w *queue.Worker) {
	w.Register(jobFinishWaitpoint, handle(func(ctx context.Context, p finishWaitpointPayload) error {
		params := CompleteWaitpointParams{ID: p.WaitpointID}
		if len(p.Error) > 0 {
			params.Output, params.OutputType, params.IsError = p.Error, "application/json", true
		}
		_, err := e.CompleteWaitpoint(ctx, params)
		if errors.Is(err, ErrNotFound) {
			e.logger.Warn("timed waitpoint no longer exists", zap.String("waitpointId", p.WaitpointID))
			return nil
		}
		return err
	}))
	w.Register(jobContinueRunIfUnblocked, handle(func(ctx context.Context, p runPayload) error {
		return e.continueRunIfUnblocked(ctx, p.RunID)
	}))
	w.Register(jobTryCompleteBatch, handle(func(ctx context.Context, p batchPayload) error {
		return e.PerformCompleteBatch(ctx, p.BatchID)
	}))
	w.Register(jobHeartbeatSnapshot, handle(func(ctx context.Context, p heartbeatPayload) error {
		return e.handleStalledSnapshot(ctx, p.RunID, p.SnapshotID)
	}))
	w.Register(jobEnqueueDelayedRun, handle(func(ctx context.Context, p runPayload) error {
		return e.enqueueDelayedRun(ctx, p.RunID)
	}))
	w.Register(jobExpireRun, handle(func(ctx context.Context, p runPayload) error {
		return e.expireRun(ctx, p.RunID)
	}))
	w.Register(jobQueueRunsWaitingForWorker, handle(func(ctx context.Context, p workerPayload) error {
		return e.queueRunsWaitingForWorker(ctx, p.BackgroundWorkerID)
	}))
}

func (e *Engine) scheduleHeartbeat(ctx context.Context, runID, snapshotID string) {
	err := e.schedule(ctx, heartbeatJobID(runID), jobHeartbeatSnapshot,
		heartbeatPayload{RunID: runID, SnapshotID: snapshotID}, e.now().Add(e.opts.HeartbeatTimeout), queue.Reschedule)
	if err != nil {
		e.logger.Warn("schedule heartbeat failed", zap.String("runId", runID), zap.Error(err))
	}
}

func (e *Engine) scheduleContinue(ctx context.Context, runID string) error {
	return e.schedule(ctx, continueRunJobID(runID), jobContinueRunIfUnblocked, runPayload{RunID: runID}, e.now(), queue.Debounce)
}

func (e *Engine) scheduleAt(ctx context.Context, id, jobType string, payload any, at time.Time) error {
	return e.schedule(ctx, id, jobType, payload, at, queue.Debounce)
}
