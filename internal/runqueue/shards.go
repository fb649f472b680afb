package runqueue

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
	r "github.com/redis/go-redis/v9"
)

// ShardAssigner divides master queue shards between live consumers with
// rendezvous hashing, so a consumer joining or leaving only moves the shards
// it owned or wins.
type ShardAssigner struct {
	rdb        r.UniversalClient
	keys       keys
	consumerID string
	shardCount int
	ttl        time.Duration
	now        func() time.Time
}

func NewShardAssigner(rdb r.UniversalClient, q *RunQueue, consumerID string, ttl time.Duration) *ShardAssigner {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ShardAssigner{
		rdb:        rdb,
		keys:       q.keys,
		consumerID: consumerID,
		shardCount: q.ShardCount(),
		ttl:        ttl,
		now:        time.Now,
	}
}

// OwnedShards heartbeats this consumer and returns the shards it owns.
func (a *ShardAssigner) OwnedShards(ctx context.Context) ([]int, error) {
	now := a.now()
	members, err := a.liveConsumers(ctx, now)
	if err != nil {
		return nil, err
	}
	return assignShards(members, a.consumerID, a.shardCount), nil
}

func (a *ShardAssigner) liveConsumers(ctx context.Context, now time.Time) ([]string, error) {
	key := a.keys.consumers()
	cutoff := strconv.FormatInt(now.Add(-a.ttl).UnixMilli(), 10)
	pipe := a.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, r.Z{Score: float64(now.UnixMilli()), Member: a.consumerID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
	live := pipe.ZRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return live.Val(), nil
}

// Leave removes this consumer so its shards move immediately.
func (a *ShardAssigner) Leave(ctx context.Context) error {
	return a.rdb.ZRem(ctx, a.keys.consumers(), a.consumerID).Err()
}

func assignShards(members []string, me string, shardCount int) []int {
	if len(members) == 0 {
		members = []string{me}
	}
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	rv := rendezvous.New(sorted, xxhash.Sum64String)
	var owned []int
	for shard := 0; shard < shardCount; shard++ {
		if rv.Lookup(strconv.Itoa(shard)) == me {
			owned = append(owned, shard)
		}
	}
	return owned
}
