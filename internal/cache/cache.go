package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Entry is a cached value with its freshness window.
type Entry[V any] struct {
	Value      V         `json:"value"`
	FreshUntil time.Time `json:"freshUntil"`
	StaleUntil time.Time `json:"staleUntil"`
}

// Store is one tier of a Cache.
type Store[V any] interface {
	Get(ctx context.Context, key string) (Entry[V], bool, error)
	Set(ctx context.Context, key string, e Entry[V]) error
	Delete(ctx context.Context, key string) error
}

type Options struct {
	Fresh time.Duration
	Stale time.Duration
	Now   func() time.Time
}

// Cache serves values stale-while-revalidate across ordered tiers, nearest
// first. Within Fresh a hit is returned as is; until Stale a hit is returned
// and refreshed in the background; past Stale the caller waits for a fetch.
type Cache[V any] struct {
	tiers  []Store[V]
	opts   Options
	logger *zap.Logger
	group  singleflight.Group
	wg     sync.WaitGroup
}

func New[V any](opts Options, logger *zap.Logger, tiers ...Store[V]) *Cache[V] {
	if opts.Fresh <= 0 {
		opts.Fresh = 5 * time.Minute
	}
	if opts.Stale < opts.Fresh {
		opts.Stale = 2 * opts.Fresh
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache[V]{tiers: tiers, opts: opts, logger: logger}
}

// Get returns the value for key, calling fetch on a miss or to revalidate.
func (c *Cache[V]) Get(ctx context.Context, key string, fetch func(ctx context.Context) (V, error)) (V, error) {
	now := c.opts.Now()
	for i, tier := range c.tiers {
		e, ok, err := tier.Get(ctx, key)
		if err != nil {
			c.logger.Warn("cache tier read failed", zap.String("key", key), zap.Int("tier", i), zap.Error(err))
			continue
		}
		if !ok || !now.Before(e.StaleUntil) {
			continue
		}
		for _, nearer := range c.tiers[:i] {
			_ = nearer.Set(ctx, key, e)
		}
		if !now.Before(e.FreshUntil) {
			c.revalidate(ctx, key, fetch)
		}
		return e.Value, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.refresh(ctx, key, fetch)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

func (c *Cache[V]) revalidate(ctx context.Context, key string, fetch func(ctx context.Context) (V, error)) {
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, err, _ := c.group.Do(key, func() (interface{}, error) {
			return c.refresh(ctx, key, fetch)
		})
		if err != nil {
			c.logger.Warn("background cache refresh failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

func (c *Cache[V]) refresh(ctx context.Context, key string, fetch func(ctx context.Context) (V, error)) (interface{}, error) {
	v, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	now := c.opts.Now()
	e := Entry[V]{Value: v, FreshUntil: now.Add(c.opts.Fresh), StaleUntil: now.Add(c.opts.Stale)}
	for i, tier := range c.tiers {
		if err := tier.Set(ctx, key, e); err != nil {
			c.logger.Warn("cache tier write failed", zap.String("key", key), zap.Int("tier", i), zap.Error(err))
		}
	}
	return v, nil
}

// Delete evicts key from every tier.
func (c *Cache[V]) Delete(ctx context.Context, key string) error {
	var errs error
	for _, tier := range c.tiers {
		errs = multierr.Append(errs, tier.Delete(ctx, key))
	}
	return errs
}

// Wait blocks until background refreshes have finished.
func (c *Cache[V]) Wait() { c.wg.Wait() }
