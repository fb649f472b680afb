package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, clk *clock) *Cache[int] {
	t.Helper()
	mem, err := NewMemoryStore[int](16)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	return New[int](Options{Fresh: 5 * time.Minute, Stale: 10 * time.Minute, Now: clk.Now}, zap.NewNop(), mem)
}

func counter() (func(context.Context) (int, error), *atomic.Int32) {
	var n atomic.Int32
	return func(context.Context) (int, error) { return int(n.Add(1)), nil }, &n
}

func TestFreshHitDoesNotRefetch(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1000, 0)}
	c := newTestCache(t, clk)
	fetch, calls := counter()

	if v, err := c.Get(ctx, "k", fetch); err != nil || v != 1 {
		t.Fatalf("first Get = %d, %v", v, err)
	}
	clk.Advance(4 * time.Minute)
	if v, err := c.Get(ctx, "k", fetch); err != nil || v != 1 {
		t.Fatalf("fresh Get = %d, %v", v, err)
	}
	c.Wait()
	if calls.Load() != 1 {
		t.Fatalf("fetch calls = %d, want 1", calls.Load())
	}
}

func TestStaleHitRevalidatesInBackground(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1000, 0)}
	c := newTestCache(t, clk)
	fetch, calls := counter()

	_, _ = c.Get(ctx, "k", fetch)
	clk.Advance(7 * time.Minute)
	if v, err := c.Get(ctx, "k", fetch); err != nil || v != 1 {
		t.Fatalf("stale Get = %d, %v; want cached 1", v, err)
	}
	c.Wait()
	if calls.Load() != 2 {
		t.Fatalf("fetch calls = %d, want 2", calls.Load())
	}
	if v, _ := c.Get(ctx, "k", fetch); v != 2 {
		t.Fatalf("after refresh Get = %d, want 2", v)
	}
}

func TestExpiredEntryBlocksOnFetch(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1000, 0)}
	c := newTestCache(t, clk)
	fetch, _ := counter()

	_, _ = c.Get(ctx, "k", fetch)
	clk.Advance(11 * time.Minute)
	if v, err := c.Get(ctx, "k", fetch); err != nil || v != 2 {
		t.Fatalf("expired Get = %d, %v; want 2", v, err)
	}
}

func TestFetchErrorPropagates(t *testing.T) {
	c := newTestCache(t, &clock{now: time.Unix(1000, 0)})
	boom := errors.New("boom")
	_, err := c.Get(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestDeleteEvictsAllTiers(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	defer rdb.Close()

	mem, _ := NewMemoryStore[int](16)
	shared := NewRedisStore[int](rdb, "cache:")
	c := New[int](Options{Fresh: time.Minute, Stale: 2 * time.Minute}, zap.NewNop(), mem, shared)
	fetch, calls := counter()

	_, _ = c.Get(ctx, "k", fetch)
	if !mr.Exists("cache:k") {
		t.Fatalf("shared tier not written")
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if v, _ := c.Get(ctx, "k", fetch); v != 2 || calls.Load() != 2 {
		t.Fatalf("Get after Delete = %d (calls %d)", v, calls.Load())
	}
}

func TestSharedTierBackfillsMemory(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	defer rdb.Close()

	shared := NewRedisStore[int](rdb, "cache:")
	other := New[int](Options{Fresh: time.Minute}, zap.NewNop(), shared)
	_, _ = other.Get(ctx, "k", func(context.Context) (int, error) { return 42, nil })

	mem, _ := NewMemoryStore[int](16)
	c := New[int](Options{Fresh: time.Minute}, zap.NewNop(), mem, shared)
	v, err := c.Get(ctx, "k", func(context.Context) (int, error) { return 0, errors.New("should not fetch") })
	if err != nil || v != 42 {
		t.Fatalf("Get = %d, %v; want 42 from shared tier", v, err)
	}
	if _, ok, _ := mem.Get(ctx, "k"); !ok {
		t.Fatalf("memory tier not backfilled")
	}
}
