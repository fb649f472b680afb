package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/domain"
	"github.com/SirClappington/runengine/internal/storage"
)

type TriggerBatchParams struct {
	Items []TriggerParams
	// ParentRunID and ParentSnapshotID, when set, block the parent until
	// every run in the batch has finished.
	ParentRunID      string
	ParentSnapshotID string
}

type TriggerBatchResult struct {
	Batch *domain.BatchTaskRun
	Runs  []*domain.TaskRun
}

// TriggerBatch creates a batch and triggers each of its items. When an item
// fails the batch keeps the runs already created and the parent is left
// unblocked on its current snapshot.
func (e *Engine) TriggerBatch(ctx context.Context, env *domain.Environment, p TriggerBatchParams) (*TriggerBatchResult, error) {
	if env == nil {
		return nil, validationf("environment is required")
	}
	if (p.ParentRunID == "") != (p.ParentSnapshotID == "") {
		return nil, validationf("a waiting parent needs both a run and a snapshot")
	}
	for i, item := range p.Items {
		if item.TaskIdentifier == "" {
			return nil, validationf("item %d has no task identifier", i)
		}
		if item.ResumeParentOnCompletion {
			return nil, validationf("item %d: batch items resume their parent through the batch", i)
		}
	}
	now := e.now()
	batch := &domain.BatchTaskRun{
		ID:            domain.NewID("batch"),
		EnvironmentID: env.ID,
		ProjectID:     env.ProjectID,
		Status:        domain.BatchPending,
		RunCount:      len(p.Items),
		CreatedAt:     now,
	}
	if err := e.store.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}
	log := e.logger.With(zap.String("batchId", batch.ID))

	var waitpointID string
	if p.ParentRunID != "" {
		batchID := batch.ID
		wp, err := e.store.CreateWaitpoint(ctx, &domain.Waitpoint{
			ID:                 domain.NewID("waitpoint"),
			Kind:               domain.WaitpointBatch,
			Status:             domain.WaitpointPending,
			EnvironmentID:      env.ID,
			ProjectID:          env.ProjectID,
			CompletedByBatchID: &batchID,
			CreatedAt:          now,
		})
		if err != nil {
			return nil, err
		}
		waitpointID = wp.ID
	}

	res := &TriggerBatchResult{Batch: batch}
	for i, item := range p.Items {
		item.batchID = &batch.ID
		if p.ParentRunID != "" {
			item.ParentRunID = p.ParentRunID
		}
		tr, err := e.Trigger(ctx, env, item)
		if err != nil {
			log.Error("trigger batch item failed", zap.Int("index", i), zap.Error(err))
			return res, multierr.Append(fmt.Errorf("batch item %d: %w", i, err), e.truncateBatch(ctx, batch, len(res.Runs)))
		}
		res.Runs = append(res.Runs, tr.Run)
	}

	// The parent is blocked only once every item exists. Items that finish
	// first complete the waitpoint early and the block continues at once.
	if waitpointID != "" {
		if _, err := e.BlockRunWithWaitpoints(ctx, p.ParentRunID, p.ParentSnapshotID, []string{waitpointID}, &batch.ID); err != nil {
			return res, fmt.Errorf("block parent %s: %w", p.ParentRunID, err)
		}
	}
	if len(p.Items) == 0 {
		if err := e.PerformCompleteBatch(ctx, batch.ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// truncateBatch shrinks a partially created batch to the runs it has, so it
// completes once they finish.
func (e *Engine) truncateBatch(ctx context.Context, batch *domain.BatchTaskRun, created int) error {
	if err := e.store.SetBatchRunCount(ctx, batch.ID, created); err != nil {
		return fmt.Errorf("truncate batch %s: %w", batch.ID, err)
	}
	batch.RunCount = created
	return e.ScheduleCompleteBatch(ctx, batch.ID)
}

// ScheduleCompleteBatch asks for a batch evaluation shortly. Requests for the
// same batch inside the debounce window collapse into one.
func (e *Engine) ScheduleCompleteBatch(ctx context.Context, batchID string) error {
	return e.scheduleAt(ctx, completeBatchJobID(batchID), jobTryCompleteBatch,
		batchPayload{BatchID: batchID}, e.now().Add(e.opts.BatchDebounce))
}

type batchOutput struct {
	ID           string `json:"id"`
	RunCount     int    `json:"runCount"`
	SuccessCount int    `json:"successCount"`
	FailureCount int    `json:"failureCount"`
}

// PerformCompleteBatch completes the batch once every run in it has
// finished. It is safe to call any number of times.
func (e *Engine) PerformCompleteBatch(ctx context.Context, batchID string) error {
	log := e.logger.With(zap.String("batchId", batchID))
	batch, err := e.store.GetBatch(ctx, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("batch no longer exists")
		return nil
	}
	if err != nil {
		return err
	}
	if batch.Status == domain.BatchCompleted {
		return e.completeBatchWaitpoint(ctx, batch)
	}

	runs, err := e.store.ListRunsForBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if len(runs) < batch.RunCount {
		log.Debug("batch runs still being created", zap.Int("created", len(runs)), zap.Int("expected", batch.RunCount))
		return nil
	}
	success, failure := 0, 0
	for _, run := range runs {
		switch {
		case !run.Status.IsFinal():
			return nil
		case run.Status == domain.RunCompletedSuccessful:
			success++
		default:
			failure++
		}
	}

	ok, err := e.store.CompleteBatch(ctx, batchID, success, failure, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e.metrics.BatchesCompleted.Inc()
	log.Info("batch completed", zap.Int("success", success), zap.Int("failure", failure))
	batch.Status, batch.SuccessCount, batch.FailureCount = domain.BatchCompleted, success, failure
	return e.completeBatchWaitpoint(ctx, batch)
}

// completeBatchWaitpoint completes the waitpoint a parent is blocked on, if
// any. A batch that completed without finishing this step picks it up on a
// later evaluation.
func (e *Engine) completeBatchWaitpoint(ctx context.Context, batch *domain.BatchTaskRun) error {
	w, err := e.store.FindWaitpointByBatch(ctx, batch.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if w.Status == domain.WaitpointCompleted {
		return nil
	}
	out, err := json.Marshal(batchOutput{
		ID:           batch.ID,
		RunCount:     batch.RunCount,
		SuccessCount: batch.SuccessCount,
		FailureCount: batch.FailureCount,
	})
	if err != nil {
		return err
	}
	_, err = e.CompleteWaitpoint(ctx, CompleteWaitpointParams{ID: w.ID, Output: out, OutputType: "application/json"})
	return err
}
