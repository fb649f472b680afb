package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/billing"
	"github.com/SirClappington/runengine/internal/domain"
	"github.com/SirClappington/runengine/internal/runqueue"
	"github.com/SirClappington/runengine/internal/storage"
)

// UpsertEnvironment records an organization and one of its environments and
// pushes the environment's effective concurrency ceiling to the run queue.
func (e *Engine) UpsertEnvironment(ctx context.Context, org *domain.Organization, env *domain.Environment) error {
	if org == nil || env == nil || org.ID == "" || env.ID == "" || env.APIKey == "" {
		return validationf("organization and environment need ids and an api key")
	}
	if env.OrganizationID == "" {
		env.OrganizationID = org.ID
	}
	if env.OrganizationID != org.ID {
		return validationf("environment %s belongs to organization %s", env.ID, env.OrganizationID)
	}
	switch env.Type {
	case domain.EnvDevelopment, domain.EnvStaging, domain.EnvPreview, domain.EnvProduction:
	default:
		return validationf("unknown environment type %q", env.Type)
	}
	if org.MaximumConcurrencyLimit < 0 || env.MaximumConcurrencyLimit < 0 {
		return validationf("concurrency limits must be >= 0")
	}
	if err := e.store.UpsertOrganization(ctx, org); err != nil {
		return err
	}
	if err := e.store.UpsertEnvironment(ctx, env); err != nil {
		return err
	}
	return e.applyEnvLimit(ctx, env, org)
}

func (e *Engine) SetEnvironmentConcurrencyLimit(ctx context.Context, envID string, limit int) error {
	if limit < 0 {
		return validationf("concurrency limit must be >= 0, got %d", limit)
	}
	if err := e.store.SetEnvironmentConcurrency(ctx, envID, limit); err != nil {
		return notFoundOr(err, "environment", envID)
	}
	env, err := e.store.GetEnvironment(ctx, envID)
	if err != nil {
		return err
	}
	org, err := e.store.GetOrganization(ctx, env.OrganizationID)
	if err != nil {
		return notFoundOr(err, "organization", env.OrganizationID)
	}
	return e.applyEnvLimit(ctx, env, org)
}

// SetOrganizationConcurrencyLimit caps every environment of the organization.
func (e *Engine) SetOrganizationConcurrencyLimit(ctx context.Context, orgID string, limit int) error {
	if limit < 0 {
		return validationf("concurrency limit must be >= 0, got %d", limit)
	}
	if err := e.store.SetOrganizationConcurrency(ctx, orgID, limit); err != nil {
		return notFoundOr(err, "organization", orgID)
	}
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	envs, err := e.store.ListEnvironments(ctx)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if env.OrganizationID != orgID {
			continue
		}
		if err := e.applyEnvLimit(ctx, env, org); err != nil {
			return err
		}
	}
	return nil
}

// SetQueueConcurrencyLimit sets a queue's ceiling; a nil limit removes it.
func (e *Engine) SetQueueConcurrencyLimit(ctx context.Context, envID, queue string, limit *int) error {
	if queue == "" {
		return validationf("queue is required")
	}
	if limit != nil && *limit < 0 {
		return validationf("concurrency limit must be >= 0, got %d", *limit)
	}
	env, err := e.store.GetEnvironment(ctx, envID)
	if err != nil {
		return notFoundOr(err, "environment", envID)
	}
	return e.runQueue.SetQueueConcurrencyLimit(ctx, envDescriptor(env, queue), limit)
}

// applyEnvLimit sets the run queue ceiling to the smallest of the
// environment, organization and plan limits. Zero means unset for the
// organization and the plan.
func (e *Engine) applyEnvLimit(ctx context.Context, env *domain.Environment, org *domain.Organization) error {
	limit := env.MaximumConcurrencyLimit
	if org.MaximumConcurrencyLimit > 0 && org.MaximumConcurrencyLimit < limit {
		limit = org.MaximumConcurrencyLimit
	}
	if plan := e.plan(ctx, org.ID); plan != nil && plan.ConcurrencyLimit != nil && *plan.ConcurrencyLimit < limit {
		limit = *plan.ConcurrencyLimit
	}
	e.logger.Info("environment concurrency set", zap.String("envId", env.ID), zap.Int("limit", limit))
	return e.runQueue.SetEnvConcurrencyLimit(ctx, envDescriptor(env, "").TenantID(), limit)
}

func (e *Engine) plan(ctx context.Context, orgID string) *billing.Plan {
	if e.billing == nil {
		return nil
	}
	plan, err := e.billing.GetCurrentPlan(ctx, orgID)
	if err != nil {
		e.logger.Warn("billing plan lookup failed", zap.String("orgId", orgID), zap.Error(err))
		return nil
	}
	return plan
}

func envDescriptor(env *domain.Environment, queue string) runqueue.QueueDescriptor {
	return runqueue.QueueDescriptor{
		OrgID:         env.OrganizationID,
		ProjectID:     env.ProjectID,
		EnvironmentID: env.ID,
		Queue:         queue,
	}
}

// WorkerHeartbeat records that a worker instance polling workerQueue is
// alive.
func (e *Engine) WorkerHeartbeat(ctx context.Context, instanceID, workerQueue string) error {
	if instanceID == "" || workerQueue == "" {
		return validationf("worker heartbeat needs an instance id and a worker queue")
	}
	return e.store.UpsertWorkerInstance(ctx, &domain.WorkerInstance{
		ID:              instanceID,
		WorkerQueue:     workerQueue,
		LastHeartbeatAt: e.now(),
	})
}

// GetRun returns a run as seen from env.
func (e *Engine) GetRun(ctx context.Context, env *domain.Environment, runID string) (*domain.TaskRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, notFoundOr(err, "run", runID)
	}
	if env != nil && run.EnvironmentID != env.ID {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return run, nil
}

// AuthenticateEnvironment resolves an environment API key.
func (e *Engine) AuthenticateEnvironment(ctx context.Context, apiKey string) (*domain.Environment, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}
	env, err := e.store.GetEnvironmentByAPIKey(ctx, apiKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	return env, err
}

// InvalidatePlan drops the cached plan of an organization after it changed.
func (e *Engine) InvalidatePlan(ctx context.Context, orgID string) {
	if e.billing != nil {
		e.billing.Invalidate(ctx, orgID)
	}
}

func (e *Engine) CurrentPlan(ctx context.Context, orgID string) (*billing.Plan, error) {
	if e.billing == nil {
		return billing.FreePlan(), nil
	}
	return e.billing.GetCurrentPlan(ctx, orgID)
}

func notFoundOr(err error, what, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return err
}
