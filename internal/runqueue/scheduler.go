package runqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Capacity groups understood by CapacityFunc implementations.
const (
	GroupTenant = "tenant"
	GroupQueue  = "queue"
)

type QueueRef struct {
	QueueID  string
	TenantID string
}

type TenantQueues struct {
	TenantID string
	Queues   []string
}

// Scheduler picks which tenant queues a consumer may dequeue from on a tick.
// It must never return a tenant that is at capacity.
type Scheduler interface {
	SelectQueues(ctx context.Context, shard int, consumerID string) ([]TenantQueues, error)
	RecordProcessed(tenantID, queueID string)
}

// CapacityFunc reports whether groupID within groupName has no free slots.
type CapacityFunc func(ctx context.Context, groupName, groupID string) (bool, error)

type QueueLister interface {
	QueuesForShard(ctx context.Context, shard int, now time.Time, limit int) ([]QueueRef, error)
}

// BaseScheduler lists a shard's ready queues, groups them by tenant and drops
// tenants at capacity. Policies embed it and reorder its output.
type BaseScheduler struct {
	lister     QueueLister
	atCapacity CapacityFunc
	limit      int
	now        func() time.Time
	logger     *zap.Logger
}

func NewBaseScheduler(lister QueueLister, atCapacity CapacityFunc, limit int, logger *zap.Logger) *BaseScheduler {
	if limit <= 0 {
		limit = 100
	}
	return &BaseScheduler{lister: lister, atCapacity: atCapacity, limit: limit, now: time.Now, logger: logger}
}

func (s *BaseScheduler) SelectQueues(ctx context.Context, shard int, consumerID string) ([]TenantQueues, error) {
	refs, err := s.lister.QueuesForShard(ctx, shard, s.now(), s.limit)
	if err != nil {
		return nil, err
	}
	return s.FilterAtCapacity(ctx, GroupQueuesByTenant(refs), GroupTenant), nil
}

func (s *BaseScheduler) RecordProcessed(tenantID, queueID string) {}

// GroupQueuesByTenant keeps first-seen order for tenants and their queues.
func GroupQueuesByTenant(refs []QueueRef) []TenantQueues {
	index := make(map[string]int)
	var out []TenantQueues
	for _, ref := range refs {
		i, ok := index[ref.TenantID]
		if !ok {
			i = len(out)
			index[ref.TenantID] = i
			out = append(out, TenantQueues{TenantID: ref.TenantID})
		}
		out[i].Queues = append(out[i].Queues, ref.QueueID)
	}
	return out
}

// FilterAtCapacity drops tenants whose capacity check fails or says full.
func (s *BaseScheduler) FilterAtCapacity(ctx context.Context, groups []TenantQueues, groupName string) []TenantQueues {
	out := groups[:0]
	for _, g := range groups {
		full, err := s.atCapacity(ctx, groupName, g.TenantID)
		if err != nil {
			s.logger.Warn("capacity check failed, skipping tenant", zap.String("tenant", g.TenantID), zap.Error(err))
			continue
		}
		if full {
			continue
		}
		out = append(out, g)
	}
	return out
}

// FilterQueuesAtCapacity drops queues at their own ceiling, then tenants left
// with no queue.
func (s *BaseScheduler) FilterQueuesAtCapacity(ctx context.Context, groups []TenantQueues) []TenantQueues {
	out := groups[:0]
	for _, g := range groups {
		queues := make([]string, 0, len(g.Queues))
		for _, queueID := range g.Queues {
			full, err := s.atCapacity(ctx, GroupQueue, queueID)
			if err != nil {
				s.logger.Warn("capacity check failed, skipping queue", zap.String("queue", queueID), zap.Error(err))
				continue
			}
			if !full {
				queues = append(queues, queueID)
			}
		}
		if len(queues) > 0 {
			g.Queues = queues
			out = append(out, g)
		}
	}
	return out
}

// NoopScheduler never selects anything.
type NoopScheduler struct{}

func (NoopScheduler) SelectQueues(context.Context, int, string) ([]TenantQueues, error) {
	return nil, nil
}

func (NoopScheduler) RecordProcessed(string, string) {}

// RoundRobinScheduler is a weighted round robin over tenants: the least
// recently served tenant goes first, and each tenant contributes at most its
// weight in queues per tick (oldest queues first). Queues at their own ceiling
// are dropped before the weight is applied.
type RoundRobinScheduler struct {
	*BaseScheduler

	mu            sync.Mutex
	seq           uint64
	lastServed    map[string]uint64
	weights       map[string]int
	defaultWeight int
}

func NewRoundRobinScheduler(base *BaseScheduler, weights map[string]int, defaultWeight int) *RoundRobinScheduler {
	if defaultWeight <= 0 {
		defaultWeight = 1
	}
	return &RoundRobinScheduler{
		BaseScheduler: base,
		lastServed:    make(map[string]uint64),
		weights:       weights,
		defaultWeight: defaultWeight,
	}
}

func (s *RoundRobinScheduler) SelectQueues(ctx context.Context, shard int, consumerID string) ([]TenantQueues, error) {
	groups, err := s.BaseScheduler.SelectQueues(ctx, shard, consumerID)
	if err != nil {
		return nil, err
	}
	groups = s.FilterQueuesAtCapacity(ctx, groups)

	s.mu.Lock()
	defer s.mu.Unlock()
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := s.lastServed[groups[i].TenantID], s.lastServed[groups[j].TenantID]
		if a != b {
			return a < b
		}
		return groups[i].TenantID < groups[j].TenantID
	})
	for i := range groups {
		if w := s.weightLocked(groups[i].TenantID); len(groups[i].Queues) > w {
			groups[i].Queues = groups[i].Queues[:w]
		}
	}
	return groups, nil
}

func (s *RoundRobinScheduler) RecordProcessed(tenantID, queueID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.lastServed[tenantID] = s.seq
}

func (s *RoundRobinScheduler) weightLocked(tenantID string) int {
	if w, ok := s.weights[tenantID]; ok && w > 0 {
		return w
	}
	return s.defaultWeight
}
