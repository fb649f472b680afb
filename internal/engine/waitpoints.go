package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/domain"
	"github.com/SirClappington/runengine/internal/storage"
	"github.com/SirClappington/runengine/internal/taskrunerror"
)

type CompleteWaitpointParams struct {
	ID         string
	Output     []byte
	OutputType string
	IsError    bool
}

// CompleteWaitpoint completes a waitpoint and schedules a check of every run
// blocked on it. Completing a completed waitpoint keeps its first output.
func (e *Engine) CompleteWaitpoint(ctx context.Context, p CompleteWaitpointParams) (*domain.Waitpoint, error) {
	if p.ID == "" {
		return nil, validationf("waitpoint id is required")
	}
	if p.OutputType == "" && len(p.Output) > 0 {
		p.OutputType = "application/json"
	}
	w, completedNow, err := e.store.CompleteWaitpoint(ctx, p.ID, storage.WaitpointCompletion{
		Output:     p.Output,
		OutputType: p.OutputType,
		IsError:    p.IsError,
		At:         e.now(),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: waitpoint %s", ErrNotFound, p.ID)
	}
	if err != nil {
		return nil, err
	}
	if completedNow {
		e.metrics.WaitpointsCompleted.WithLabelValues(string(w.Kind)).Inc()
		if err := e.jobs.Cancel(ctx, finishWaitpointJobID(w.ID)); err != nil {
			e.logger.Warn("cancel waitpoint timer failed", zap.String("waitpointId", w.ID), zap.Error(err))
		}
	}

	runIDs, err := e.store.ListBlockedRunIDs(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	for _, runID := range runIDs {
		if err := e.scheduleContinue(ctx, runID); err != nil {
			e.logger.Error("schedule continue failed", zap.String("runId", runID), zap.String("waitpointId", w.ID), zap.Error(err))
		}
	}
	return w, nil
}

// BlockRunWithWaitpoints makes an executing run wait until every listed
// waitpoint is complete. Waitpoints that are already complete do not block.
func (e *Engine) BlockRunWithWaitpoints(ctx context.Context, runID, snapshotID string, waitpointIDs []string, batchID *string) (*domain.ExecutionSnapshot, error) {
	if len(waitpointIDs) == 0 {
		return nil, validationf("at least one waitpoint is required")
	}
	run, snap, err := e.expect(ctx, runID, snapshotID)
	if err != nil {
		return nil, err
	}
	switch snap.ExecutionStatus {
	case domain.ExecExecuting, domain.ExecExecutingWithWaitpoints:
	default:
		return nil, invalidState(runID, snap.ExecutionStatus)
	}
	for _, id := range waitpointIDs {
		w, err := e.store.GetWaitpoint(ctx, id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && w.EnvironmentID != run.EnvironmentID) {
			return nil, fmt.Errorf("%w: waitpoint %s", ErrNotFound, id)
		}
		if err != nil {
			return nil, err
		}
	}

	_, next, err := e.transition(ctx, run.ID, snap.ID, change{
		status:      domain.ExecExecutingWithWaitpoints,
		description: "Run is waiting for waitpoints",
		workerID:    snap.WorkerID,
		runnerID:    snap.RunnerID,
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.BlockRun(ctx, run.ID, waitpointIDs, run.ProjectID, batchID); err != nil {
		return nil, err
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

// continueRunIfUnblocked resumes a waiting run once none of its waitpoints
// are pending.
func (e *Engine) continueRunIfUnblocked(ctx context.Context, runID string) error {
	return retryConflicts(ctx, 3, func() error {
		run, snap, err := e.latest(ctx, runID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		switch snap.ExecutionStatus {
		case domain.ExecExecutingWithWaitpoints, domain.ExecSuspended:
		default:
			return nil
		}
		pending, err := e.store.PendingWaitpointCount(ctx, run.ID)
		if err != nil {
			return err
		}
		if pending > 0 {
			return nil
		}
		completed, err := e.store.ClearRunWaitpoints(ctx, run.ID)
		if err != nil {
			return err
		}

		if snap.ExecutionStatus == domain.ExecExecutingWithWaitpoints {
			_, _, err = e.transition(ctx, run.ID, snap.ID, change{
				status:              domain.ExecExecuting,
				description:         "Run was unblocked",
				workerID:            snap.WorkerID,
				runnerID:            snap.RunnerID,
				completedWaitpoints: completed,
			})
			return err
		}
		next, _, err := e.transition(ctx, run.ID, snap.ID, change{
			status:              domain.ExecQueued,
			description:         "Suspended run was unblocked and queued",
			completedWaitpoints: completed,
			mutate:              func(r *domain.TaskRun) { r.LockedByWorkerID = nil },
		})
		if err != nil {
			return err
		}
		return e.enqueueRun(ctx, next, e.now())
	})
}

type WaitForDurationParams struct {
	RunID      string
	SnapshotID string
	Until      time.Time
	// IdempotencyKey makes a retried wait reuse the same waitpoint.
	IdempotencyKey string
}

type WaitResult struct {
	Waitpoint *domain.Waitpoint
	Snapshot  *domain.ExecutionSnapshot
	WaitUntil time.Time
}

// WaitForDuration blocks a run until p.Until. A timer job completes the
// waitpoint; the caller does not need to stay around.
func (e *Engine) WaitForDuration(ctx context.Context, p WaitForDurationParams) (*WaitResult, error) {
	if p.Until.IsZero() {
		return nil, validationf("wait needs a resume time")
	}
	run, _, err := e.expect(ctx, p.RunID, p.SnapshotID)
	if err != nil {
		return nil, err
	}
	until := p.Until
	w, err := e.store.CreateWaitpoint(ctx, &domain.Waitpoint{
		ID:             domain.NewID("waitpoint"),
		Kind:           domain.WaitpointDuration,
		Status:         domain.WaitpointPending,
		EnvironmentID:  run.EnvironmentID,
		ProjectID:      run.ProjectID,
		IdempotencyKey: p.IdempotencyKey,
		CompletedAfter: &until,
		CreatedAt:      e.now(),
	})
	if err != nil {
		return nil, err
	}
	if w.CompletedAfter != nil {
		until = *w.CompletedAfter
	}
	if w.Status == domain.WaitpointPending {
		if err := e.scheduleAt(ctx, finishWaitpointJobID(w.ID), jobFinishWaitpoint,
			finishWaitpointPayload{WaitpointID: w.ID}, until); err != nil {
			return nil, err
		}
	}
	snap, err := e.BlockRunWithWaitpoints(ctx, run.ID, p.SnapshotID, []string{w.ID}, nil)
	if err != nil {
		return nil, err
	}
	return &WaitResult{Waitpoint: w, Snapshot: snap, WaitUntil: until}, nil
}

type CreateTokenParams struct {
	// HTTPCallback makes the token completable through its callback URL.
	HTTPCallback            bool
	IdempotencyKey          string
	IdempotencyKeyExpiresAt *time.Time
	// Timeout completes the token with an error output if nothing else
	// completes it first.
	Timeout *time.Time
	Tags    []string
}

type TokenResult struct {
	Waitpoint *domain.Waitpoint
	// CallbackHash is set for HTTP callback tokens.
	CallbackHash string
}

// CreateToken creates a waitpoint that an external party completes.
func (e *Engine) CreateToken(ctx context.Context, env *domain.Environment, p CreateTokenParams) (*TokenResult, error) {
	if env == nil {
		return nil, validationf("environment is required")
	}
	kind := domain.WaitpointManual
	if p.HTTPCallback {
		kind = domain.WaitpointHTTPCallback
	}
	w, err := e.store.CreateWaitpoint(ctx, &domain.Waitpoint{
		ID:                      domain.NewID("waitpoint"),
		Kind:                    kind,
		Status:                  domain.WaitpointPending,
		EnvironmentID:           env.ID,
		ProjectID:               env.ProjectID,
		IdempotencyKey:          p.IdempotencyKey,
		IdempotencyKeyExpiresAt: p.IdempotencyKeyExpiresAt,
		CompletedAfter:          p.Timeout,
		Tags:                    p.Tags,
		CreatedAt:               e.now(),
	})
	if err != nil {
		return nil, err
	}
	if p.Timeout != nil && w.Status == domain.WaitpointPending {
		body, err := taskrunerror.Marshal(taskrunerror.StringError{Raw: "Waitpoint timed out"})
		if err != nil {
			return nil, err
		}
		if err := e.scheduleAt(ctx, finishWaitpointJobID(w.ID), jobFinishWaitpoint,
			finishWaitpointPayload{WaitpointID: w.ID, Error: body}, *p.Timeout); err != nil {
			return nil, err
		}
	}
	res := &TokenResult{Waitpoint: w}
	if w.Kind == domain.WaitpointHTTPCallback {
		res.CallbackHash = CallbackHash(w.ID, env.APIKey)
	}
	return res, nil
}

// WaitForToken blocks a run on a token created by CreateToken.
func (e *Engine) WaitForToken(ctx context.Context, runID, snapshotID, waitpointID string) (*domain.ExecutionSnapshot, error) {
	return e.BlockRunWithWaitpoints(ctx, runID, snapshotID, []string{waitpointID}, nil)
}

// CompleteToken completes a manual or HTTP callback token owned by env.
func (e *Engine) CompleteToken(ctx context.Context, env *domain.Environment, waitpointID string, output []byte) (*domain.Waitpoint, error) {
	w, err := e.tokenFor(ctx, waitpointID)
	if err != nil {
		return nil, err
	}
	if w.EnvironmentID != env.ID {
		return nil, fmt.Errorf("%w: waitpoint %s", ErrNotFound, waitpointID)
	}
	return e.CompleteWaitpoint(ctx, CompleteWaitpointParams{ID: w.ID, Output: output})
}

// CompleteHTTPCallback completes an HTTP callback token when hash matches
// the one handed out at creation. A completed token is returned as is.
func (e *Engine) CompleteHTTPCallback(ctx context.Context, waitpointID, hash string, output []byte) (*domain.Waitpoint, error) {
	w, err := e.tokenFor(ctx, waitpointID)
	if err != nil {
		return nil, err
	}
	env, err := e.store.GetEnvironment(ctx, w.EnvironmentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: environment %s", ErrNotFound, w.EnvironmentID)
	}
	if err != nil {
		return nil, err
	}
	if !VerifyCallbackHash(w.ID, env.APIKey, hash) {
		return nil, ErrUnauthorized
	}
	if w.Status == domain.WaitpointCompleted {
		return w, nil
	}
	return e.CompleteWaitpoint(ctx, CompleteWaitpointParams{ID: w.ID, Output: output})
}

func (e *Engine) tokenFor(ctx context.Context, waitpointID string) (*domain.Waitpoint, error) {
	w, err := e.store.GetWaitpoint(ctx, waitpointID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: waitpoint %s", ErrNotFound, waitpointID)
	}
	if err != nil {
		return nil, err
	}
	switch w.Kind {
	case domain.WaitpointManual, domain.WaitpointHTTPCallback:
		return w, nil
	case domain.WaitpointDuration, domain.WaitpointRun, domain.WaitpointBatch:
		return nil, validationf("waitpoint %s is a %s waitpoint, not a token", w.ID, w.Kind)
	default:
		panic(fmt.Sprintf("unhandled waitpoint kind %q", w.Kind))
	}
}

// CallbackHash is the hex HMAC-SHA256 of the waitpoint id keyed by the
// environment's API key.
func CallbackHash(waitpointID, apiKey string) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(waitpointID))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifyCallbackHash(waitpointID, apiKey, hash string) bool {
	want := CallbackHash(waitpointID, apiKey)
	return hmac.Equal([]byte(want), []byte(hash))
}
