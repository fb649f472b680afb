package runqueue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestConsumerTickMovesReadyRuns(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{ShardCount: 3, DefaultEnvConcurrency: 10})
	now := time.Now()
	for i, queue := range []string{"task/a", "task/b", "task/c"} {
		msg := testMessage("run_"+queue, queue)
		msg.EnvironmentID = []string{"e1", "e2", "e3"}[i]
		if err := q.Enqueue(ctx, msg, "main", now.Add(-time.Second), 0); err != nil {
			t.Fatal(err)
		}
	}

	var moved []MovedMessage
	sched := NewRoundRobinScheduler(NewBaseScheduler(q, q.IsAtCapacity, 50, zap.NewNop()), nil, 1)
	c := NewConsumer(q, sched, nil, ConsumerOptions{ID: "c1", OnMoved: func(m MovedMessage) { moved = append(moved, m) }}, zap.NewNop())
	c.Tick(ctx)

	if len(moved) != 3 {
		t.Fatalf("moved %d runs, want 3", len(moved))
	}
	if n, _ := q.WorkerQueueLength(ctx, "main"); n != 3 {
		t.Fatalf("worker queue length = %d, want 3", n)
	}
}

func TestConsumerServesSiblingQueueWhenOldestIsFull(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{ShardCount: 1, DefaultEnvConcurrency: 10})
	now := time.Now()
	one := 1
	if err := q.SetQueueConcurrencyLimit(ctx, testMessage("", "task/a").Descriptor(), &one); err != nil {
		t.Fatal(err)
	}
	_ = q.Enqueue(ctx, testMessage("run_a1", "task/a"), "main", now.Add(-3*time.Second), 0)
	_ = q.Enqueue(ctx, testMessage("run_a2", "task/a"), "main", now.Add(-3*time.Second), 0)
	_ = q.Enqueue(ctx, testMessage("run_b1", "task/b"), "main", now.Add(-time.Second), 0)

	moved := map[string]bool{}
	sched := NewRoundRobinScheduler(NewBaseScheduler(q, q.IsAtCapacity, 50, zap.NewNop()), nil, 1)
	c := NewConsumer(q, sched, nil, ConsumerOptions{ID: "c1", OnMoved: func(m MovedMessage) { moved[m.RunID] = true }}, zap.NewNop())
	for i := 0; i < 5; i++ {
		c.Tick(ctx)
	}

	if !moved["run_b1"] {
		t.Fatalf("task/b was never served, moved = %v", moved)
	}
	if moved["run_a2"] {
		t.Fatal("task/a went past its ceiling")
	}
	if n, _ := q.WorkerQueueLength(ctx, "main"); n != 2 {
		t.Fatalf("worker queue length = %d, want 2", n)
	}
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t, Options{ShardCount: 1})
	c := NewConsumer(q, NoopScheduler{}, nil, ConsumerOptions{ID: "c1", Tick: 5 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
