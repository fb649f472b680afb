package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestQ(t *testing.T) *RedisQ {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test:")
}

func TestDebounceKeepsFirstSchedule(t *testing.T) {
	ctx := context.Background()
	q := newTestQ(t)
	first := time.Now().Add(2 * time.Second)

	ok, err := q.Enqueue(ctx, Job{ID: "batch:1", Type: "completeBatch"}, first, Debounce)
	if err != nil || !ok {
		t.Fatalf("first enqueue: ok=%v err=%v", ok, err)
	}
	ok, err = q.Enqueue(ctx, Job{ID: "batch:1", Type: "completeBatch"}, first.Add(time.Minute), Debounce)
	if err != nil || ok {
		t.Fatalf("second enqueue: ok=%v err=%v", ok, err)
	}
	at, found, err := q.ScheduledAt(ctx, "batch:1")
	if err != nil || !found {
		t.Fatalf("scheduled: found=%v err=%v", found, err)
	}
	if at.UnixMilli() != first.UnixMilli() {
		t.Fatalf("scheduled at %v, want %v", at, first)
	}
}

func TestRescheduleMovesJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQ(t)
	now := time.Now()
	_, _ = q.Enqueue(ctx, Job{ID: "hb:run_1", Type: "heartbeat"}, now.Add(time.Second), Reschedule)
	_, _ = q.Enqueue(ctx, Job{ID: "hb:run_1", Type: "heartbeat"}, now.Add(time.Hour), Reschedule)

	jobs, err := q.Claim(ctx, now.Add(2*time.Second), 10, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("claimed %d jobs, want 0", len(jobs))
	}
}

func TestClaimAckAndCancel(t *testing.T) {
	ctx := context.Background()
	q := newTestQ(t)
	now := time.Now()
	_, _ = q.Enqueue(ctx, Job{ID: "a", Type: "x", Payload: json.RawMessage(`{"n":1}`)}, now, Debounce)
	_, _ = q.Enqueue(ctx, Job{ID: "b", Type: "x"}, now, Debounce)
	if err := q.Cancel(ctx, "b"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	jobs, err := q.Claim(ctx, now, 10, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "a" || string(jobs[0].Payload) != `{"n":1}` {
		t.Fatalf("claimed %+v", jobs)
	}
	if err := q.Ack(ctx, "a"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	n, err := q.RequeueExpired(ctx, now.Add(time.Hour), 10)
	if err != nil || n != 0 {
		t.Fatalf("requeue after ack: n=%d err=%v", n, err)
	}
}

func TestExpiredLeaseIsRequeued(t *testing.T) {
	ctx := context.Background()
	q := newTestQ(t)
	now := time.Now()
	_, _ = q.Enqueue(ctx, Job{ID: "a", Type: "x"}, now, Debounce)
	if jobs, _ := q.Claim(ctx, now, 10, time.Second); len(jobs) != 1 {
		t.Fatalf("expected one claimed job")
	}
	n, err := q.RequeueExpired(ctx, now.Add(2*time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("requeue: n=%d err=%v", n, err)
	}
	jobs, err := q.Claim(ctx, now.Add(2*time.Second), 10, time.Second)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("reclaim: %d jobs err=%v", len(jobs), err)
	}
}

func TestAckKeepsRescheduledData(t *testing.T) {
	ctx := context.Background()
	q := newTestQ(t)
	now := time.Now()
	_, _ = q.Enqueue(ctx, Job{ID: "a", Type: "x"}, now, Reschedule)
	if jobs, _ := q.Claim(ctx, now, 10, time.Minute); len(jobs) != 1 {
		t.Fatalf("expected one claimed job")
	}
	_, _ = q.Enqueue(ctx, Job{ID: "a", Type: "x", Payload: json.RawMessage(`2`)}, now.Add(time.Second), Reschedule)
	if err := q.Ack(ctx, "a"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	jobs, err := q.Claim(ctx, now.Add(time.Second), 10, time.Minute)
	if err != nil || len(jobs) != 1 || string(jobs[0].Payload) != "2" {
		t.Fatalf("rescheduled job lost: %+v err=%v", jobs, err)
	}
}

func TestWorkerRetriesFailedJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQ(t)
	w := NewWorker(q, WorkerOptions{
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, zap.NewNop())

	var calls atomic.Int32
	w.Register("flaky", func(ctx context.Context, payload json.RawMessage) error {
		if calls.Add(1) == 1 {
			return errors.New("boom")
		}
		return nil
	})
	_, _ = q.Enqueue(ctx, Job{ID: "f", Type: "flaky", MaxAttempts: 3}, time.Now(), Debounce)

	for i := 0; i < 2; i++ {
		if err := w.Drain(ctx); err != nil {
			t.Fatalf("drain: %v", err)
		}
		w.Wait()
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler calls = %d, want 2", got)
	}
	if _, found, _ := q.ScheduledAt(ctx, "f"); found {
		t.Fatalf("job still scheduled after success")
	}
}

func TestWorkerStopsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q := newTestQ(t)
	w := NewWorker(q, WorkerOptions{
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, zap.NewNop())

	var calls atomic.Int32
	w.Register("bad", func(ctx context.Context, payload json.RawMessage) error {
		calls.Add(1)
		panic("always")
	})
	_, _ = q.Enqueue(ctx, Job{ID: "b", Type: "bad", MaxAttempts: 2}, time.Now(), Debounce)
	for i := 0; i < 4; i++ {
		_ = w.Drain(ctx)
		w.Wait()
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler calls = %d, want 2", got)
	}
}
