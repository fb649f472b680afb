package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler runs a single job. A returned error retries the job with backoff
// until MaxAttempts is reached.
type Handler func(ctx context.Context, payload json.RawMessage) error

type WorkerOptions struct {
	Poll        time.Duration
	Batch       int
	Concurrency int64
	Visibility  time.Duration
	// NewBackOff builds the retry schedule for failed jobs.
	NewBackOff func() backoff.BackOff
}

type Worker struct {
	q        *RedisQ
	opts     WorkerOptions
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
}

func NewWorker(q *RedisQ, opts WorkerOptions, logger *zap.Logger) *Worker {
	if opts.Poll <= 0 {
		opts.Poll = 100 * time.Millisecond
	}
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Worker{
		q:        q,
		opts:     opts,
		logger:   logger.Named("jobs"),
		handlers: map[string]Handler{},
		sem:      semaphore.NewWeighted(opts.Concurrency),
	}
}

func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// Run polls for due jobs until ctx is cancelled, then waits for running
// handlers to return.
func (w *Worker) Run(ctx context.Context) error {
	tick := time.NewTicker(w.opts.Poll)
	defer tick.Stop()
	defer w.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if _, err := w.q.RequeueExpired(ctx, time.Now(), w.opts.Batch); err != nil && ctx.Err() == nil {
				w.logger.Warn("requeue expired jobs failed", zap.Error(err))
			}
			if err := w.Drain(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("claim jobs failed", zap.Error(err))
			}
		}
	}
}

// Drain claims every job due now and dispatches it. Handlers run
// asynchronously, bounded by Concurrency.
func (w *Worker) Drain(ctx context.Context) error {
	jobs, err := w.q.Claim(ctx, time.Now(), w.opts.Batch, w.opts.Visibility)
	for _, j := range jobs {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		w.wg.Add(1)
		go func(j Job) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.process(context.WithoutCancel(ctx), j)
		}(j)
	}
	return err
}

// Wait blocks until dispatched handlers have returned.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) process(ctx context.Context, j Job) {
	log := w.logger.With(zap.String("jobId", j.ID), zap.String("type", j.Type), zap.Int("attempt", j.Attempt))
	w.mu.RLock()
	h, ok := w.handlers[j.Type]
	w.mu.RUnlock()
	if !ok {
		log.Error("no handler registered, dropping job")
		_ = w.q.Ack(ctx, j.ID)
		return
	}

	err := runHandler(ctx, h, j.Payload)
	if err == nil {
		if err := w.q.Ack(ctx, j.ID); err != nil {
			log.Warn("ack failed", zap.Error(err))
		}
		return
	}

	if j.MaxAttempts > 0 && j.Attempt+1 >= j.MaxAttempts {
		log.Error("job failed permanently", zap.Error(err))
		_ = w.q.Ack(ctx, j.ID)
		return
	}
	delay := w.retryDelay(j.Attempt)
	log.Warn("job failed, retrying", zap.Error(err), zap.Duration("delay", delay))
	if err := w.q.Retry(ctx, j, time.Now().Add(delay)); err != nil {
		log.Error("retry failed", zap.Error(err))
	}
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	b := w.opts.NewBackOff()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		d = next
	}
	if d == backoff.Stop {
		return 0
	}
	return d
}

func runHandler(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job handler panic: %v", p)
		}
	}()
	return h(ctx, payload)
}
