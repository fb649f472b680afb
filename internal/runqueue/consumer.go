package runqueue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type ConsumerOptions struct {
	ID          string
	Tick        time.Duration
	MaxPerQueue int
	// OnMoved is called for every message handed to a worker queue.
	OnMoved func(MovedMessage)
}

// Consumer drains owned master queue shards into worker queues.
type Consumer struct {
	queue     *RunQueue
	scheduler Scheduler
	shards    *ShardAssigner
	opts      ConsumerOptions
	logger    *zap.Logger
}

func NewConsumer(q *RunQueue, s Scheduler, shards *ShardAssigner, opts ConsumerOptions, logger *zap.Logger) *Consumer {
	if opts.Tick <= 0 {
		opts.Tick = 250 * time.Millisecond
	}
	if opts.MaxPerQueue <= 0 {
		opts.MaxPerQueue = 10
	}
	return &Consumer{
		queue:     q,
		scheduler: s,
		shards:    shards,
		opts:      opts,
		logger:    logger.Named("consumer").With(zap.String("consumerId", opts.ID)),
	}
}

// Run ticks until ctx is cancelled. Cancellation stops further ticks; a tick
// already running finishes against an uncancelled context.
func (c *Consumer) Run(ctx context.Context) error {
	tick := time.NewTicker(c.opts.Tick)
	defer tick.Stop()
	defer func() {
		if c.shards != nil {
			_ = c.shards.Leave(context.WithoutCancel(ctx))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			c.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick processes every owned shard once.
func (c *Consumer) Tick(ctx context.Context) {
	shards := []int{}
	if c.shards == nil {
		for s := 0; s < c.queue.ShardCount(); s++ {
			shards = append(shards, s)
		}
	} else {
		owned, err := c.shards.OwnedShards(ctx)
		if err != nil {
			c.logger.Error("shard assignment failed", zap.Error(err))
			return
		}
		shards = owned
	}
	for _, shard := range shards {
		c.processShard(ctx, shard)
	}
}

func (c *Consumer) processShard(ctx context.Context, shard int) {
	groups, err := c.scheduler.SelectQueues(ctx, shard, c.opts.ID)
	if err != nil {
		c.logger.Error("select queues failed", zap.Int("shard", shard), zap.Error(err))
		return
	}
	for _, g := range groups {
		for _, queueID := range g.Queues {
			moved, err := c.queue.MoveToWorkerQueue(ctx, queueID, c.opts.MaxPerQueue, time.Now())
			if err != nil {
				c.logger.Error("move to worker queue failed", zap.String("queue", queueID), zap.Error(err))
				continue
			}
			if len(moved) == 0 {
				continue
			}
			c.scheduler.RecordProcessed(g.TenantID, queueID)
			if c.opts.OnMoved != nil {
				for _, m := range moved {
					c.opts.OnMoved(m)
				}
			}
		}
	}
}
