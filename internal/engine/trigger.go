package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/domain"
	"github.com/SirClappington/runengine/internal/storage"
	"github.com/SirClappington/runengine/internal/taskrunerror"
)

type TriggerParams struct {
	TaskIdentifier string
	Payload        []byte
	PayloadType    string
	// Queue defaults to task/<TaskIdentifier>.
	Queue            string
	ConcurrencyLimit *int
	WorkerQueue      string
	MachinePreset    string
	Priority         time.Duration

	IdempotencyKey          string
	IdempotencyKeyExpiresAt *time.Time

	DelayUntil         *time.Time
	TTL                time.Duration
	MaxAttempts        int
	MaxDurationSeconds int

	ParentRunID string
	// ResumeParentOnCompletion blocks the parent until this run finishes.
	ResumeParentOnCompletion bool
	// ParentSnapshotID must be the parent's latest snapshot when
	// ResumeParentOnCompletion is set.
	ParentSnapshotID string

	batchID *string
}

type TriggerResult struct {
	Run *domain.TaskRun
	// Cached is set when an idempotency key matched an existing run.
	Cached bool
}

// Trigger creates a run and queues it, or schedules it when delayed.
func (e *Engine) Trigger(ctx context.Context, env *domain.Environment, p TriggerParams) (*TriggerResult, error) {
	if env == nil {
		return nil, validationf("environment is required")
	}
	if p.TaskIdentifier == "" {
		return nil, validationf("task identifier is required")
	}
	if p.ResumeParentOnCompletion && (p.ParentRunID == "" || p.ParentSnapshotID == "") {
		return nil, validationf("resumeParentOnCompletion needs a parent run and snapshot")
	}
	now := e.now()

	if p.IdempotencyKey != "" {
		existing, err := e.store.FindRunByIdempotencyKey(ctx, env.ID, p.TaskIdentifier, p.IdempotencyKey)
		switch {
		case err == nil && (existing.IdempotencyKeyExpiresAt == nil || now.Before(*existing.IdempotencyKeyExpiresAt)):
			return &TriggerResult{Run: existing, Cached: true}, nil
		case err == nil:
			if err := e.store.ClearIdempotencyKey(ctx, existing.ID); err != nil {
				return nil, err
			}
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}

	run := &domain.TaskRun{
		ID:                 domain.NewID("run"),
		EnvironmentID:      env.ID,
		EnvironmentType:    env.Type,
		ProjectID:          env.ProjectID,
		OrganizationID:     env.OrganizationID,
		TaskIdentifier:     p.TaskIdentifier,
		Queue:              p.Queue,
		WorkerQueue:        p.WorkerQueue,
		Payload:            p.Payload,
		PayloadType:        p.PayloadType,
		Status:             domain.RunPending,
		PriorityMs:         p.Priority.Milliseconds(),
		BatchID:            p.batchID,
		MachinePreset:      e.machineFor(ctx, env.OrganizationID, p.MachinePreset),
		MaxAttempts:        p.MaxAttempts,
		MaxDurationSeconds: p.MaxDurationSeconds,
		TTL:                p.TTL,
		DelayUntil:         p.DelayUntil,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if run.Queue == "" {
		run.Queue = "task/" + p.TaskIdentifier
	}
	if run.WorkerQueue == "" {
		run.WorkerQueue = e.opts.DefaultWorkerQueue
		if env.Type == domain.EnvDevelopment {
			run.WorkerQueue = env.ID
		}
	}
	if run.PayloadType == "" {
		run.PayloadType = "application/json"
	}
	if run.MaxAttempts <= 0 {
		run.MaxAttempts = e.opts.DefaultMaxAttempts
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		run.IdempotencyKey = &key
		run.IdempotencyKeyExpiresAt = p.IdempotencyKeyExpiresAt
	}
	delayed := p.DelayUntil != nil && p.DelayUntil.After(now)
	if delayed {
		run.Status = domain.RunDelayed
	}

	var parent *domain.TaskRun
	if p.ParentRunID != "" {
		var err error
		parent, err = e.store.GetRun(ctx, p.ParentRunID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: parent run %s", ErrNotFound, p.ParentRunID)
		}
		if err != nil {
			return nil, err
		}
		parentID := parent.ID
		rootID := parent.ID
		if parent.RootRunID != nil {
			rootID = *parent.RootRunID
		}
		run.ParentRunID = &parentID
		run.RootRunID = &rootID
		run.Depth = parent.Depth + 1
	}

	if p.ResumeParentOnCompletion {
		runID := run.ID
		wp, err := e.store.CreateWaitpoint(ctx, &domain.Waitpoint{
			ID:                   domain.NewID("waitpoint"),
			Kind:                 domain.WaitpointRun,
			Status:               domain.WaitpointPending,
			EnvironmentID:        env.ID,
			ProjectID:            env.ProjectID,
			CompletedByTaskRunID: &runID,
			CreatedAt:            now,
		})
		if err != nil {
			return nil, err
		}
		run.AssociatedWaitpointID = &wp.ID
	}

	first := &domain.ExecutionSnapshot{
		ID:              domain.NewID("snapshot"),
		ExecutionStatus: domain.ExecQueued,
		Description:     "Run was queued",
		CreatedAt:       now,
	}
	if delayed {
		first.ExecutionStatus = domain.ExecDelayed
		first.Description = "Run is delayed"
	}
	if err := e.store.CreateRun(ctx, run, first); err != nil {
		if errors.Is(err, storage.ErrDuplicate) && run.IdempotencyKey != nil {
			existing, findErr := e.store.FindRunByIdempotencyKey(ctx, env.ID, p.TaskIdentifier, p.IdempotencyKey)
			if findErr == nil {
				return &TriggerResult{Run: existing, Cached: true}, nil
			}
		}
		return nil, err
	}
	e.metrics.RunsTriggered.WithLabelValues(string(env.Type)).Inc()
	log := e.logger.With(zap.String("runId", run.ID), zap.String("task", run.TaskIdentifier))

	if p.ConcurrencyLimit != nil {
		if *p.ConcurrencyLimit < 0 {
			log.Warn("ignoring negative queue concurrency limit", zap.Int("limit", *p.ConcurrencyLimit))
		} else if err := e.runQueue.SetQueueConcurrencyLimit(ctx, descriptor(run), p.ConcurrencyLimit); err != nil {
			log.Warn("set queue concurrency limit failed", zap.Error(err))
		}
	}

	if parent != nil && p.ResumeParentOnCompletion {
		if _, err := e.BlockRunWithWaitpoints(ctx, parent.ID, p.ParentSnapshotID, []string{*run.AssociatedWaitpointID}, nil); err != nil {
			if _, ferr := e.finalize(ctx, run, first, finalOutcome{
				status:      domain.RunSystemFailure,
				description: "Parent run could not be blocked",
				err:         taskrunerror.Internal(taskrunerror.TaskDidConcurrentWait, err.Error()),
			}); ferr != nil {
				log.Error("finalize orphaned child failed", zap.Error(ferr))
			}
			return nil, fmt.Errorf("block parent %s: %w", parent.ID, err)
		}
	}

	startAt := now
	if delayed {
		startAt = *p.DelayUntil
		if err := e.scheduleAt(ctx, enqueueDelayedJobID(run.ID), jobEnqueueDelayedRun, runPayload{RunID: run.ID}, startAt); err != nil {
			return nil, err
		}
	} else if err := e.enqueueRun(ctx, run, now); err != nil {
		return nil, err
	}
	if run.TTL > 0 {
		if err := e.scheduleAt(ctx, expireRunJobID(run.ID), jobExpireRun, runPayload{RunID: run.ID}, startAt.Add(run.TTL)); err != nil {
			log.Warn("schedule expiry failed", zap.Error(err))
		}
	}
	log.Debug("run triggered", zap.Bool("delayed", delayed))
	return &TriggerResult{Run: run}, nil
}

// machineFor clamps the requested preset to what the organization's plan
// allows. Billing lookups fail open.
func (e *Engine) machineFor(ctx context.Context, orgID, requested string) string {
	if requested == "" {
		requested = domain.DefaultMachinePreset
	}
	if _, ok := domain.MachinePresets[requested]; !ok {
		requested = domain.DefaultMachinePreset
	}
	if e.billing == nil {
		return requested
	}
	plan, err := e.billing.GetCurrentPlan(ctx, orgID)
	if err != nil {
		e.logger.Warn("billing plan lookup failed", zap.String("orgId", orgID), zap.Error(err))
		return requested
	}
	return plan.AllowedMachine(requested)
}

func (e *Engine) enqueueDelayedRun(ctx context.Context, runID string) error {
	return retryConflicts(ctx, 3, func() error {
		run, snap, err := e.latest(ctx, runID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if snap.ExecutionStatus != domain.ExecDelayed {
			return nil
		}
		run, _, err = e.transition(ctx, run.ID, snap.ID, change{
			status:      domain.ExecQueued,
			description: "Delayed run was queued",
			mutate:      func(r *domain.TaskRun) { r.Status = domain.RunPending },
		})
		if err != nil {
			return err
		}
		return e.enqueueRun(ctx, run, e.now())
	})
}

// expireRun finishes a run that was never started within its TTL.
func (e *Engine) expireRun(ctx context.Context, runID string) error {
	return retryConflicts(ctx, 3, func() error {
		run, snap, err := e.latest(ctx, runID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if run.Status != domain.RunPending && run.Status != domain.RunDelayed && run.Status != domain.RunWaitingForDeploy {
			return nil
		}
		_, err = e.finalize(ctx, run, snap, finalOutcome{
			status:      domain.RunExpired,
			description: "Run expired before it started",
			err:         expiredError(run.TTL),
		})
		return err
	})
}

func expiredError(ttl time.Duration) taskrunerror.Error {
	return taskrunerror.StringError{Raw: fmt.Sprintf("Run expired because the TTL (%s) was reached", ttl)}
}
