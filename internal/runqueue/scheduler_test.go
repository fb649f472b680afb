package runqueue

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeLister struct {
	refs []QueueRef
	err  error
}

func (f *fakeLister) QueuesForShard(context.Context, int, time.Time, int) ([]QueueRef, error) {
	return append([]QueueRef(nil), f.refs...), f.err
}

func capacityFrom(full map[string]bool) CapacityFunc {
	return func(_ context.Context, group, id string) (bool, error) {
		if group != GroupTenant && group != GroupQueue {
			return false, errors.New("unexpected group " + group)
		}
		if id == "broken" {
			return false, errors.New("redis down")
		}
		return full[id], nil
	}
}

func TestGroupQueuesByTenant(t *testing.T) {
	got := GroupQueuesByTenant([]QueueRef{
		{QueueID: "a:queue:1", TenantID: "a"},
		{QueueID: "b:queue:1", TenantID: "b"},
		{QueueID: "a:queue:2", TenantID: "a"},
	})
	want := []TenantQueues{
		{TenantID: "a", Queues: []string{"a:queue:1", "a:queue:2"}},
		{TenantID: "b", Queues: []string{"b:queue:1"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GroupQueuesByTenant = %+v, want %+v", got, want)
	}
}

func TestBaseSchedulerFiltersTenantsAtCapacity(t *testing.T) {
	lister := &fakeLister{refs: []QueueRef{
		{QueueID: "a:queue:1", TenantID: "a"},
		{QueueID: "full:queue:1", TenantID: "full"},
		{QueueID: "broken:queue:1", TenantID: "broken"},
		{QueueID: "b:queue:1", TenantID: "b"},
	}}
	s := NewBaseScheduler(lister, capacityFrom(map[string]bool{"full": true}), 10, zap.NewNop())
	got, err := s.SelectQueues(context.Background(), 0, "c1")
	if err != nil {
		t.Fatal(err)
	}
	var tenants []string
	for _, g := range got {
		tenants = append(tenants, g.TenantID)
	}
	if !reflect.DeepEqual(tenants, []string{"a", "b"}) {
		t.Fatalf("tenants = %v, want [a b]", tenants)
	}
}

func TestBaseSchedulerPropagatesListError(t *testing.T) {
	s := NewBaseScheduler(&fakeLister{err: errors.New("boom")}, capacityFrom(nil), 10, zap.NewNop())
	if _, err := s.SelectQueues(context.Background(), 0, "c1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNoopScheduler(t *testing.T) {
	var s Scheduler = NoopScheduler{}
	got, err := s.SelectQueues(context.Background(), 0, "c1")
	if err != nil || len(got) != 0 {
		t.Fatalf("NoopScheduler returned %v, %v", got, err)
	}
	s.RecordProcessed("a", "q")
}

func TestRoundRobinRotatesTenants(t *testing.T) {
	lister := &fakeLister{refs: []QueueRef{
		{QueueID: "a:queue:1", TenantID: "a"},
		{QueueID: "a:queue:2", TenantID: "a"},
		{QueueID: "b:queue:1", TenantID: "b"},
		{QueueID: "c:queue:1", TenantID: "c"},
	}}
	s := NewRoundRobinScheduler(NewBaseScheduler(lister, capacityFrom(nil), 10, zap.NewNop()), map[string]int{"a": 2}, 1)
	ctx := context.Background()

	order := func() []string {
		groups, err := s.SelectQueues(ctx, 0, "c1")
		if err != nil {
			t.Fatal(err)
		}
		var out []string
		for _, g := range groups {
			out = append(out, g.TenantID)
		}
		return out
	}

	if got := order(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("first tick order = %v", got)
	}
	s.RecordProcessed("a", "a:queue:1")
	if got := order(); !reflect.DeepEqual(got, []string{"b", "c", "a"}) {
		t.Fatalf("after serving a, order = %v", got)
	}
	s.RecordProcessed("b", "b:queue:1")
	s.RecordProcessed("c", "c:queue:1")
	if got := order(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("after full rotation, order = %v", got)
	}
}

func TestRoundRobinCapsQueuesByWeight(t *testing.T) {
	lister := &fakeLister{refs: []QueueRef{
		{QueueID: "a:queue:1", TenantID: "a"},
		{QueueID: "a:queue:2", TenantID: "a"},
		{QueueID: "a:queue:3", TenantID: "a"},
		{QueueID: "b:queue:1", TenantID: "b"},
		{QueueID: "b:queue:2", TenantID: "b"},
	}}
	s := NewRoundRobinScheduler(NewBaseScheduler(lister, capacityFrom(nil), 10, zap.NewNop()), map[string]int{"a": 2}, 1)
	groups, err := s.SelectQueues(context.Background(), 0, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups[0].Queues) != 2 || len(groups[1].Queues) != 1 {
		t.Fatalf("unexpected weighted selection %+v", groups)
	}
}

func TestRoundRobinSkipsQueuesAtCapacityBeforeWeighting(t *testing.T) {
	lister := &fakeLister{refs: []QueueRef{
		{QueueID: "a:queue:1", TenantID: "a"},
		{QueueID: "a:queue:2", TenantID: "a"},
		{QueueID: "b:queue:1", TenantID: "b"},
	}}
	full := map[string]bool{"a:queue:1": true, "b:queue:1": true}
	s := NewRoundRobinScheduler(NewBaseScheduler(lister, capacityFrom(full), 10, zap.NewNop()), nil, 1)
	groups, err := s.SelectQueues(context.Background(), 0, "c1")
	if err != nil {
		t.Fatal(err)
	}
	want := []TenantQueues{{TenantID: "a", Queues: []string{"a:queue:2"}}}
	if !reflect.DeepEqual(groups, want) {
		t.Fatalf("SelectQueues = %+v, want %+v", groups, want)
	}
}

func TestAssignShardsCoversEveryShardOnce(t *testing.T) {
	members := []string{"c1", "c2", "c3"}
	owner := map[int]string{}
	for _, m := range members {
		for _, s := range assignShards(members, m, 16) {
			if prev, ok := owner[s]; ok {
				t.Fatalf("shard %d owned by %s and %s", s, prev, m)
			}
			owner[s] = m
		}
	}
	if len(owner) != 16 {
		t.Fatalf("only %d of 16 shards owned", len(owner))
	}
	if got := assignShards(nil, "solo", 4); len(got) != 4 {
		t.Fatalf("lone consumer should own all shards, got %v", got)
	}
}
