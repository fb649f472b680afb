package cache

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru"
	r "github.com/redis/go-redis/v9"
)

// MemoryStore is a size-bounded process-local tier.
type MemoryStore[V any] struct {
	lru *lru.Cache
}

func NewMemoryStore[V any](size int) (*MemoryStore[V], error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore[V]{lru: c}, nil
}

func (s *MemoryStore[V]) Get(_ context.Context, key string) (Entry[V], bool, error) {
	v, ok := s.lru.Get(key)
	if !ok {
		return Entry[V]{}, false, nil
	}
	return v.(Entry[V]), true, nil
}

func (s *MemoryStore[V]) Set(_ context.Context, key string, e Entry[V]) error {
	s.lru.Add(key, e)
	return nil
}

func (s *MemoryStore[V]) Delete(_ context.Context, key string) error {
	s.lru.Remove(key)
	return nil
}

// RedisStore is a tier shared between processes. Entries expire from Redis
// when they go past stale.
type RedisStore[V any] struct {
	rdb    r.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore[V any](rdb r.UniversalClient, prefix string) *RedisStore[V] {
	return &RedisStore[V]{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *RedisStore[V]) Get(ctx context.Context, key string) (Entry[V], bool, error) {
	b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if err == r.Nil {
		return Entry[V]{}, false, nil
	}
	if err != nil {
		return Entry[V]{}, false, err
	}
	var e Entry[V]
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry[V]{}, false, err
	}
	return e, true, nil
}

func (s *RedisStore[V]) Set(ctx context.Context, key string, e Entry[V]) error {
	ttl := e.StaleUntil.Sub(s.now())
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.prefix+key, b, ttl).Err()
}

func (s *RedisStore[V]) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}
