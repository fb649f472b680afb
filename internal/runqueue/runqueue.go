package runqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrMessageNotFound = errors.New("run queue message not found")

type Options struct {
	KeyPrefix             string
	ShardCount            int
	DefaultEnvConcurrency int
}

// RunQueue holds queued runs per tenant queue in Redis, along with the
// in-flight sets that enforce environment and queue concurrency ceilings.
type RunQueue struct {
	rdb    r.UniversalClient
	keys   keys
	opts   Options
	logger *zap.Logger
}

func New(rdb r.UniversalClient, opts Options, logger *zap.Logger) *RunQueue {
	if opts.ShardCount <= 0 {
		opts.ShardCount = 1
	}
	if opts.DefaultEnvConcurrency <= 0 {
		opts.DefaultEnvConcurrency = 100
	}
	return &RunQueue{
		rdb:    rdb,
		keys:   keys{prefix: opts.KeyPrefix},
		opts:   opts,
		logger: logger.Named("runqueue"),
	}
}

func (q *RunQueue) ShardCount() int { return q.opts.ShardCount }

// ShardFor returns the master queue shard that owns queueID.
func (q *RunQueue) ShardFor(queueID string) int {
	return JumpHashString(queueID, q.opts.ShardCount)
}

// Enqueue makes msg available to workers on workerQueue once availableAt has
// passed. priority moves the message ahead of others enqueued at the same
// time. Re-enqueueing a run releases any concurrency it held.
func (q *RunQueue) Enqueue(ctx context.Context, msg Message, workerQueue string, availableAt time.Time, priority time.Duration) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	d := msg.Descriptor()
	queueID := d.QueueID()
	score := availableAt.UnixMilli() - priority.Milliseconds()
	return enqueueScript.Run(ctx, q.rdb,
		[]string{
			q.keys.queue(queueID),
			q.keys.message(msg.Run()),
			q.keys.queueConcurrency(queueID),
			q.keys.envConcurrency(d.TenantID()),
			q.keys.masterShard(q.ShardFor(queueID)),
		},
		msg.Run(), payload, workerQueue, strconv.FormatInt(score, 10), queueID,
	).Err()
}

type MovedMessage struct {
	RunID       string
	WorkerQueue string
}

// MoveToWorkerQueue moves up to maxCount ready messages of queueID onto their
// worker queues, as far as the queue and environment ceilings allow.
func (q *RunQueue) MoveToWorkerQueue(ctx context.Context, queueID string, maxCount int, now time.Time) ([]MovedMessage, error) {
	tenantID, ok := TenantFromQueueID(queueID)
	if !ok {
		return nil, fmt.Errorf("malformed queue id %q", queueID)
	}
	res, err := moveToWorkerQueueScript.Run(ctx, q.rdb,
		[]string{
			q.keys.queue(queueID),
			q.keys.queueConcurrency(queueID),
			q.keys.queueLimit(queueID),
			q.keys.envConcurrency(tenantID),
			q.keys.envLimit(tenantID),
			q.keys.masterShard(q.ShardFor(queueID)),
		},
		q.keys.messagePrefix(),
		q.keys.workerQueuePrefix(),
		strconv.FormatInt(now.UnixMilli(), 10),
		maxCount,
		q.opts.DefaultEnvConcurrency,
		queueID,
	).StringSlice()
	if err != nil {
		return nil, err
	}
	moved := make([]MovedMessage, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		moved = append(moved, MovedMessage{RunID: res[i], WorkerQueue: res[i+1]})
	}
	return moved, nil
}

// DequeueFromWorkerQueue pops the next message for workerQueue. It returns
// nil without error when the worker queue is empty.
func (q *RunQueue) DequeueFromWorkerQueue(ctx context.Context, workerQueue string) (Message, error) {
	res, err := dequeueWorkerQueueScript.Run(ctx, q.rdb,
		[]string{q.keys.workerQueue(workerQueue)},
		q.keys.messagePrefix(),
		strconv.FormatInt(time.Now().UnixMilli(), 10),
	).StringSlice()
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	msg, err := DecodeMessage([]byte(res[1]))
	if err != nil {
		q.logger.Error("dropping undecodable message", zap.String("runId", res[0]), zap.Error(err))
		return nil, err
	}
	return msg, nil
}

// Acknowledge removes a run's message and releases its concurrency.
func (q *RunQueue) Acknowledge(ctx context.Context, d QueueDescriptor, runID string) error {
	queueID := d.QueueID()
	return acknowledgeScript.Run(ctx, q.rdb,
		[]string{
			q.keys.queue(queueID),
			q.keys.message(runID),
			q.keys.queueConcurrency(queueID),
			q.keys.envConcurrency(d.TenantID()),
			q.keys.masterShard(q.ShardFor(queueID)),
		},
		runID, queueID,
	).Err()
}

// ReleaseConcurrency frees a run's slot without removing its message.
func (q *RunQueue) ReleaseConcurrency(ctx context.Context, d QueueDescriptor, runID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.keys.queueConcurrency(d.QueueID()), runID)
	pipe.SRem(ctx, q.keys.envConcurrency(d.TenantID()), runID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RunQueue) ReadMessage(ctx context.Context, runID string) (Message, error) {
	payload, err := q.rdb.HGet(ctx, q.keys.message(runID), "payload").Result()
	if errors.Is(err, r.Nil) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeMessage([]byte(payload))
}

func (q *RunQueue) MessageExists(ctx context.Context, runID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.keys.message(runID)).Result()
	return n > 0, err
}

// InQueue reports whether runID is waiting in its tenant queue, as opposed
// to sitting in a worker queue or being lost.
func (q *RunQueue) InQueue(ctx context.Context, d QueueDescriptor, runID string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, q.keys.queue(d.QueueID()), runID).Result()
	if errors.Is(err, r.Nil) {
		return false, nil
	}
	return err == nil, err
}

// Handoff is where a run's message stands between its tenant queue and a
// worker. It is reset on every enqueue.
type Handoff struct {
	// InWorkerQueue is set while the message waits in a worker queue.
	InWorkerQueue bool
	// DequeuedAt is when a worker last popped the message.
	DequeuedAt time.Time
}

func (q *RunQueue) ReadHandoff(ctx context.Context, runID string) (Handoff, error) {
	vals, err := q.rdb.HMGet(ctx, q.keys.message(runID), "movedAt", "dequeuedAt").Result()
	if err != nil {
		return Handoff{}, err
	}
	var h Handoff
	movedAt, _ := vals[0].(string)
	if dequeuedAt, ok := vals[1].(string); ok {
		ms, err := strconv.ParseInt(dequeuedAt, 10, 64)
		if err != nil {
			return Handoff{}, fmt.Errorf("message %s: dequeuedAt %q: %w", runID, dequeuedAt, err)
		}
		h.DequeuedAt = time.UnixMilli(ms)
	}
	h.InWorkerQueue = movedAt != "" && h.DequeuedAt.IsZero()
	return h, nil
}

// SetEnvConcurrencyLimit takes effect on the next dequeue decision.
func (q *RunQueue) SetEnvConcurrencyLimit(ctx context.Context, tenantID string, limit int) error {
	if limit < 0 {
		return fmt.Errorf("concurrency limit must be >= 0, got %d", limit)
	}
	return q.rdb.Set(ctx, q.keys.envLimit(tenantID), limit, 0).Err()
}

// SetQueueConcurrencyLimit sets or, with a nil limit, clears a queue ceiling.
func (q *RunQueue) SetQueueConcurrencyLimit(ctx context.Context, d QueueDescriptor, limit *int) error {
	key := q.keys.queueLimit(d.QueueID())
	if limit == nil {
		return q.rdb.Del(ctx, key).Err()
	}
	if *limit < 0 {
		return fmt.Errorf("concurrency limit must be >= 0, got %d", *limit)
	}
	return q.rdb.Set(ctx, key, *limit, 0).Err()
}

type Concurrency struct {
	Queue int64
	Env   int64
}

func (q *RunQueue) CurrentConcurrency(ctx context.Context, d QueueDescriptor) (Concurrency, error) {
	pipe := q.rdb.Pipeline()
	qc := pipe.SCard(ctx, q.keys.queueConcurrency(d.QueueID()))
	ec := pipe.SCard(ctx, q.keys.envConcurrency(d.TenantID()))
	if _, err := pipe.Exec(ctx); err != nil {
		return Concurrency{}, err
	}
	return Concurrency{Queue: qc.Val(), Env: ec.Val()}, nil
}

func (q *RunQueue) QueueLength(ctx context.Context, d QueueDescriptor) (int64, error) {
	return q.rdb.ZCard(ctx, q.keys.queue(d.QueueID())).Result()
}

func (q *RunQueue) WorkerQueueLength(ctx context.Context, workerQueue string) (int64, error) {
	return q.rdb.LLen(ctx, q.keys.workerQueue(workerQueue)).Result()
}

// IsAtCapacity answers capacity checks for the fair scheduler. groupName is
// GroupTenant or GroupQueue.
func (q *RunQueue) IsAtCapacity(ctx context.Context, groupName, groupID string) (bool, error) {
	var limitKey, currentKey string
	switch groupName {
	case GroupTenant:
		limitKey, currentKey = q.keys.envLimit(groupID), q.keys.envConcurrency(groupID)
	case GroupQueue:
		limitKey, currentKey = q.keys.queueLimit(groupID), q.keys.queueConcurrency(groupID)
	default:
		return false, fmt.Errorf("unknown capacity group %q", groupName)
	}
	pipe := q.rdb.Pipeline()
	limitCmd := pipe.Get(ctx, limitKey)
	currentCmd := pipe.SCard(ctx, currentKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, r.Nil) {
		return false, err
	}
	limit, err := limitCmd.Int64()
	if errors.Is(err, r.Nil) {
		if groupName == GroupQueue {
			return false, nil
		}
		limit = int64(q.opts.DefaultEnvConcurrency)
	} else if err != nil {
		return false, err
	}
	return currentCmd.Val() >= limit, nil
}

// QueuesForShard lists queues on a master shard that have a message ready by
// now, oldest first.
func (q *RunQueue) QueuesForShard(ctx context.Context, shard int, now time.Time, limit int) ([]QueueRef, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.keys.masterShard(shard), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	refs := make([]QueueRef, 0, len(ids))
	for _, id := range ids {
		tenant, ok := TenantFromQueueID(id)
		if !ok {
			q.logger.Warn("skipping malformed master queue member", zap.Int("shard", shard), zap.String("member", id))
			continue
		}
		refs = append(refs, QueueRef{QueueID: id, TenantID: tenant})
	}
	return refs, nil
}
