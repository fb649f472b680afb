package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"
)

// Job is a durable unit of background work. ID doubles as the dedupe key:
// scheduling an ID that is already waiting either keeps or moves the pending
// run, depending on the Mode.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
}

type Mode int

const (
	// Debounce keeps an already waiting job's time, collapsing repeats into
	// the first scheduled run.
	Debounce Mode = iota
	// Reschedule replaces the waiting job's time and payload.
	Reschedule
)

type RedisQ struct {
	rdb    r.UniversalClient
	prefix string
}

func New(rdb r.UniversalClient, prefix string) *RedisQ { return &RedisQ{rdb: rdb, prefix: prefix} }

func (q *RedisQ) scheduledKey() string { return q.prefix + "jobs:scheduled" }
func (q *RedisQ) inflightKey() string  { return q.prefix + "jobs:inflight" }
func (q *RedisQ) dataKey() string      { return q.prefix + "jobs:data" }

var enqueueJobScript = r.NewScript(`
if ARGV[4] == 'debounce' and redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

var claimJobsScript = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local data = redis.call('HGET', KEYS[3], id)
  if data then
    redis.call('ZADD', KEYS[2], ARGV[3], id)
    table.insert(out, data)
  end
end
return out
`)

// a job rescheduled while it ran keeps its data for the next run
var ackJobScript = r.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  redis.call('HDEL', KEYS[3], ARGV[1])
end
return 1
`)

// a retry yields to a newer schedule of the same id
var retryJobScript = r.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var reclaimJobsScript = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], 'NX', ARGV[1], id)
end
return #ids
`)

// Enqueue schedules j to run at runAt.
func (q *RedisQ) Enqueue(ctx context.Context, j Job, runAt time.Time, mode Mode) (bool, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return false, err
	}
	m := "debounce"
	if mode == Reschedule {
		m = "reschedule"
	}
	n, err := enqueueJobScript.Run(ctx, q.rdb,
		[]string{q.scheduledKey(), q.dataKey()},
		j.ID, data, strconv.FormatInt(runAt.UnixMilli(), 10), m,
	).Int()
	return n == 1, err
}

// Cancel drops a waiting job. A job already running is not interrupted.
func (q *RedisQ) Cancel(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.scheduledKey(), id)
	pipe.HDel(ctx, q.dataKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Claim leases up to batch due jobs until now+visibility.
func (q *RedisQ) Claim(ctx context.Context, now time.Time, batch int, visibility time.Duration) ([]Job, error) {
	res, err := claimJobsScript.Run(ctx, q.rdb,
		[]string{q.scheduledKey(), q.inflightKey(), q.dataKey()},
		strconv.FormatInt(now.UnixMilli(), 10), batch, strconv.FormatInt(now.Add(visibility).UnixMilli(), 10),
	).StringSlice()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(res))
	for _, raw := range res {
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return jobs, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (q *RedisQ) Ack(ctx context.Context, id string) error {
	return ackJobScript.Run(ctx, q.rdb,
		[]string{q.inflightKey(), q.scheduledKey(), q.dataKey()}, id,
	).Err()
}

// Retry puts a failed job back with its attempt counter bumped.
func (q *RedisQ) Retry(ctx context.Context, j Job, runAt time.Time) error {
	j.Attempt++
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return retryJobScript.Run(ctx, q.rdb,
		[]string{q.inflightKey(), q.scheduledKey(), q.dataKey()},
		j.ID, data, strconv.FormatInt(runAt.UnixMilli(), 10),
	).Err()
}

// RequeueExpired returns jobs whose lease lapsed (their worker died) to the
// scheduled set.
func (q *RedisQ) RequeueExpired(ctx context.Context, now time.Time, batch int) (int, error) {
	return reclaimJobsScript.Run(ctx, q.rdb,
		[]string{q.inflightKey(), q.scheduledKey()},
		strconv.FormatInt(now.UnixMilli(), 10), batch,
	).Int()
}

// ScheduledAt reports when a waiting job will run.
func (q *RedisQ) ScheduledAt(ctx context.Context, id string) (time.Time, bool, error) {
	score, err := q.rdb.ZScore(ctx, q.scheduledKey(), id).Result()
	if err == r.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}
