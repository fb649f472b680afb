package billing

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/cache"
	"github.com/SirClappington/runengine/internal/domain"
)

const PlanFree = "free"

type Plan struct {
	Type     string `json:"type"`
	IsPaying bool   `json:"isPaying"`
	// ConcurrencyLimit caps an organization's concurrency when set.
	ConcurrencyLimit *int `json:"concurrencyLimit,omitempty"`
	// MachinePresets lists the presets the plan may run; empty allows all.
	MachinePresets []string `json:"machinePresets,omitempty"`
}

// FreePlan is served when no billing backend is configured.
func FreePlan() *Plan { return &Plan{Type: PlanFree, IsPaying: false} }

// AllowedMachine returns name if the plan permits it and the default preset
// otherwise.
func (p *Plan) AllowedMachine(name string) string {
	if name == "" {
		return domain.DefaultMachinePreset
	}
	if p == nil || len(p.MachinePresets) == 0 {
		return name
	}
	for _, m := range p.MachinePresets {
		if m == name {
			return name
		}
	}
	return domain.DefaultMachinePreset
}

// Backend is the billing platform.
type Backend interface {
	CurrentPlan(ctx context.Context, orgID string) (*Plan, error)
}

// Cache fronts a Backend with a stale-while-revalidate cache. A nil Backend
// means billing is disabled.
type Cache struct {
	backend Backend
	plans   *cache.Cache[*Plan]
	logger  *zap.Logger
	// newBackOff is the retry schedule for invalidation.
	newBackOff func() backoff.BackOff
}

const invalidateRetries = 3

func NewCache(backend Backend, plans *cache.Cache[*Plan], logger *zap.Logger) *Cache {
	return &Cache{
		backend: backend,
		plans:   plans,
		logger:  logger.Named("billing"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Second
			return b
		},
	}
}

// GetCurrentPlan returns the organization's plan. The plan is nil when the
// organization has none.
func (c *Cache) GetCurrentPlan(ctx context.Context, orgID string) (*Plan, error) {
	if c.backend == nil {
		return FreePlan(), nil
	}
	return c.plans.Get(ctx, orgID, func(ctx context.Context) (*Plan, error) {
		return c.backend.CurrentPlan(ctx, orgID)
	})
}

// Invalidate drops the cached plan, retrying tier failures a few times.
// A final failure is logged only.
func (c *Cache) Invalidate(ctx context.Context, orgID string) {
	if c.backend == nil {
		return
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), invalidateRetries), ctx)
	err := backoff.Retry(func() error { return c.plans.Delete(ctx, orgID) }, policy)
	if err != nil {
		c.logger.Warn("invalidate billing plan failed", zap.String("orgId", orgID), zap.Error(err))
	}
}
