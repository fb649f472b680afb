package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/domain"
	"github.com/SirClappington/runengine/internal/queue"
	"github.com/SirClappington/runengine/internal/runqueue"
	"github.com/SirClappington/runengine/internal/storage"
	"github.com/SirClappington/runengine/internal/taskrunerror"
)

type harness struct {
	t        *testing.T
	e        *Engine
	store    *storage.MemStore
	rq       *runqueue.RunQueue
	worker   *queue.Worker
	consumer *runqueue.Consumer
	env      *domain.Environment
}

func newHarness(t *testing.T, mod func(*Options)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zap.NewNop()
	store := storage.NewMemStore()
	rq := runqueue.New(rdb, runqueue.Options{KeyPrefix: "test:", ShardCount: 2, DefaultEnvConcurrency: 10}, logger)
	jobs := queue.New(rdb, "test:")
	worker := queue.NewWorker(jobs, queue.WorkerOptions{
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, logger)
	opts := Options{
		Store:           store,
		RunQueue:        rq,
		Jobs:            jobs,
		Worker:          worker,
		Logger:          logger,
		NewRetryBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
	if mod != nil {
		mod(&opts)
	}
	h := &harness{
		t:        t,
		e:        New(opts),
		store:    store,
		rq:       rq,
		worker:   worker,
		consumer: runqueue.NewConsumer(rq, runqueue.NewBaseScheduler(rq, rq.IsAtCapacity, 100, logger), nil, runqueue.ConsumerOptions{ID: "test"}, logger),
		env: &domain.Environment{
			ID: "env_1", Type: domain.EnvProduction, ProjectID: "proj_1", OrganizationID: "org_1",
			APIKey: "tr_prod_1", MaximumConcurrencyLimit: 5,
		},
	}
	err := h.e.UpsertEnvironment(context.Background(), &domain.Organization{ID: "org_1", MaximumConcurrencyLimit: 10}, h.env)
	if err != nil {
		t.Fatalf("upsert environment: %v", err)
	}
	return h
}

func (h *harness) deploy(tasks ...string) *domain.BackgroundWorker {
	h.t.Helper()
	w := &domain.BackgroundWorker{EnvironmentID: h.env.ID, Version: "1", TaskIdentifiers: tasks}
	if err := h.e.RegisterBackgroundWorker(context.Background(), w); err != nil {
		h.t.Fatalf("register worker: %v", err)
	}
	return w
}

func (h *harness) trigger(p TriggerParams) *domain.TaskRun {
	h.t.Helper()
	res, err := h.e.Trigger(context.Background(), h.env, p)
	if err != nil {
		h.t.Fatalf("trigger %s: %v", p.TaskIdentifier, err)
	}
	return res.Run
}

// dequeue moves ready messages to worker queues and takes one run off main.
func (h *harness) dequeue() DequeuedRun {
	h.t.Helper()
	h.consumer.Tick(context.Background())
	runs, err := h.e.Dequeue(context.Background(), DequeueParams{WorkerQueue: "main", WorkerInstanceID: "wi_1", MaxRunCount: 1})
	if err != nil {
		h.t.Fatalf("dequeue: %v", err)
	}
	if len(runs) != 1 {
		h.t.Fatalf("dequeued %d runs, want 1", len(runs))
	}
	return runs[0]
}

func (h *harness) start(d DequeuedRun) *domain.ExecutionSnapshot {
	h.t.Helper()
	res, err := h.e.StartAttempt(context.Background(), d.Run.ID, d.Snapshot.ID)
	if err != nil {
		h.t.Fatalf("start attempt: %v", err)
	}
	return res.Snapshot
}

func (h *harness) snapshot(runID string) *domain.ExecutionSnapshot {
	h.t.Helper()
	s, err := h.store.GetLatestSnapshot(context.Background(), runID)
	if err != nil {
		h.t.Fatalf("latest snapshot: %v", err)
	}
	return s
}

func (h *harness) run(runID string) *domain.TaskRun {
	h.t.Helper()
	run, err := h.store.GetRun(context.Background(), runID)
	if err != nil {
		h.t.Fatalf("get run: %v", err)
	}
	return run
}

// eventually runs due background jobs until cond holds.
func (h *harness) eventually(timeout time.Duration, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if err := h.worker.Drain(context.Background()); err != nil {
			h.t.Fatalf("drain jobs: %v", err)
		}
		h.worker.Wait()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatal("condition not met before deadline")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTriggerDequeueWaitForDuration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deploy("email")
	run := h.trigger(TriggerParams{TaskIdentifier: "email", Payload: []byte(`{"to":"a@b.c"}`)})
	if s := h.snapshot(run.ID); s.ExecutionStatus != domain.ExecQueued {
		t.Fatalf("after trigger: %s", s.ExecutionStatus)
	}

	d := h.dequeue()
	if d.Run.ID != run.ID || d.Snapshot.ExecutionStatus != domain.ExecPendingExecuting {
		t.Fatalf("unexpected dequeue %+v", d.Snapshot)
	}
	if d.Machine.Name != domain.DefaultMachinePreset || d.BackgroundWorker == nil {
		t.Fatalf("dequeue missing machine or worker: %+v", d)
	}
	snap := h.start(d)
	if snap.ExecutionStatus != domain.ExecExecuting || h.run(run.ID).AttemptNumber != 1 {
		t.Fatalf("after start: %s attempt %d", snap.ExecutionStatus, h.run(run.ID).AttemptNumber)
	}

	until := time.Now().Add(time.Second).Truncate(time.Millisecond)
	wait, err := h.e.WaitForDuration(ctx, WaitForDurationParams{RunID: run.ID, SnapshotID: snap.ID, Until: until})
	if err != nil {
		t.Fatalf("wait for duration: %v", err)
	}
	if !wait.WaitUntil.Equal(until) {
		t.Fatalf("wait until = %v, want %v", wait.WaitUntil, until)
	}
	if wait.Snapshot.ExecutionStatus != domain.ExecExecutingWithWaitpoints {
		t.Fatalf("after wait: %s", wait.Snapshot.ExecutionStatus)
	}

	h.eventually(5*time.Second, func() bool {
		return h.snapshot(run.ID).ExecutionStatus == domain.ExecExecuting
	})
	if time.Now().Before(until) {
		t.Fatal("run resumed before the wait elapsed")
	}
	resumed := h.snapshot(run.ID)
	if len(resumed.CompletedWaitpointIDs) != 1 || resumed.CompletedWaitpointIDs[0] != wait.Waitpoint.ID {
		t.Fatalf("completed waitpoints = %v", resumed.CompletedWaitpointIDs)
	}

	out := []byte(`{"sent":true}`)
	done, err := h.e.CompleteAttempt(ctx, run.ID, resumed.ID, Completion{OK: true, Output: out, OutputType: "application/json"})
	if err != nil {
		t.Fatalf("complete attempt: %v", err)
	}
	if done.Run.Status != domain.RunCompletedSuccessful || string(done.Run.Output) != string(out) {
		t.Fatalf("unexpected final run %s %s", done.Run.Status, done.Run.Output)
	}
	if exists, _ := h.rq.MessageExists(ctx, run.ID); exists {
		t.Fatal("finished run still has a queue message")
	}
}

func TestStaleSnapshotIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deploy("email")
	h.trigger(TriggerParams{TaskIdentifier: "email"})
	d := h.dequeue()
	h.start(d)

	_, err := h.e.StartAttempt(ctx, d.Run.ID, d.Snapshot.ID)
	if !IsConcurrentModification(err) {
		t.Fatalf("second start: got %v, want concurrent modification", err)
	}
	var cm *ConcurrentModificationError
	if errors.As(err, &cm) && cm.LatestSnapshotID == d.Snapshot.ID {
		t.Fatalf("conflict should name the newer snapshot, got %+v", cm)
	}
	if _, err := h.e.StartAttempt(ctx, "run_missing", "snapshot_x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown run: got %v", err)
	}
}

func TestRetryThenFinalStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deploy("email")
	run := h.trigger(TriggerParams{TaskIdentifier: "email", MaxAttempts: 2})

	snap := h.start(h.dequeue())
	res, err := h.e.CompleteAttempt(ctx, run.ID, snap.ID, Completion{Error: taskrunerror.BuiltInError{Name: "Error", Message: "boom"}})
	if err != nil {
		t.Fatalf("complete attempt 1: %v", err)
	}
	if !res.Retrying || res.Run.Status != domain.RunRetryingAfterFailure || res.Snapshot.ExecutionStatus != domain.ExecQueued {
		t.Fatalf("expected a retry, got %+v / %s", res.Run.Status, res.Snapshot.ExecutionStatus)
	}

	snap = h.start(h.dequeue())
	if h.run(run.ID).AttemptNumber != 2 {
		t.Fatalf("attempt = %d, want 2", h.run(run.ID).AttemptNumber)
	}
	res, err = h.e.CompleteAttempt(ctx, run.ID, snap.ID, Completion{Error: taskrunerror.BuiltInError{Name: "Error", Message: "boom again"}})
	if err != nil {
		t.Fatalf("complete attempt 2: %v", err)
	}
	if res.Retrying || res.Run.Status != domain.RunCompletedWithErrors {
		t.Fatalf("final status = %s", res.Run.Status)
	}
	stored, err := taskrunerror.Unmarshal(res.Run.Error)
	if err != nil || stored.Summary() != "Error: boom again" {
		t.Fatalf("stored error = %v (%v)", stored, err)
	}
}

func TestNonRetryableErrorMapsStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deploy("email")
	run := h.trigger(TriggerParams{TaskIdentifier: "email", MaxAttempts: 5})
	snap := h.start(h.dequeue())

	res, err := h.e.CompleteAttempt(ctx, run.ID, snap.ID, Completion{
		Error: taskrunerror.Internal(taskrunerror.MaxDurationExceeded, "too slow"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Retrying || res.Run.Status != domain.RunTimedOut {
		t.Fatalf("status = %s retrying=%v", res.Run.Status, res.Retrying)
	}
	if _, err := h.e.CompleteAttempt(ctx, run.ID, snap.ID, Completion{OK: true}); !IsConcurrentModification(err) {
		t.Fatalf("completing twice: %v", err)
	}
}

func TestIdempotentTrigger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	first, err := h.e.Trigger(ctx, h.env, TriggerParams{TaskIdentifier: "email", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.e.Trigger(ctx, h.env, TriggerParams{TaskIdentifier: "email", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached || second.Run.ID != first.Run.ID {
		t.Fatalf("second trigger = %+v, want cached %s", second, first.Run.ID)
	}

	past := time.Now().Add(-time.Second)
	expired, _ := h.e.Trigger(ctx, h.env, TriggerParams{TaskIdentifier: "sms", IdempotencyKey: "k2", IdempotencyKeyExpiresAt: &past})
	again, err := h.e.Trigger(ctx, h.env, TriggerParams{TaskIdentifier: "sms", IdempotencyKey: "k2"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Cached || again.Run.ID == expired.Run.ID {
		t.Fatal("expired idempotency key should create a new run")
	}
}

func TestChildRunResumesParent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deploy("parent", "child")
	parent := h.trigger(TriggerParams{TaskIdentifier: "parent"})
	parentSnap := h.start(h.dequeue())

	child := h.trigger(TriggerParams{
		TaskIdentifier:           "child",
		ParentRunID:              parent.ID,
		ResumeParentOnCompletion: true,
		ParentSnapshotID:         parentSnap.ID,
	})
	if child.Depth != 1 || child.RootRunID == nil || *child.RootRunID != parent.ID {
		t.Fatalf("child hierarchy = depth %d root %v", child.Depth, child.RootRunID)
	}
	if s := h.snapshot(parent.ID); s.ExecutionStatus != domain.ExecExecutingWithWaitpoints {
		t.Fatalf("parent after child trigger: %s", s.ExecutionStatus)
	}

	childSnap := h.start(h.dequeue())
	if _, err := h.e.CompleteAttempt(ctx, child.ID, childSnap.ID, Completion{OK: true, Output: []byte(`42`)}); err != nil {
		t.Fatal(err)
	}
	h.eventually(5*time.Second, func() bool {
		return h.snapshot(parent.ID).ExecutionStatus == domain.ExecExecuting
	})
	data, err := h.e.GetRunExecutionData(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(data.CompletedWaitpoints) != 1 || string(data.CompletedWaitpoints[0].Output) != "42" {
		t.Fatalf("completed waitpoints = %+v", data.CompletedWaitpoints)
	}
}

func TestBatchCompletesOnlyWhenAllRunsFinish(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deploy("parent", "item")
	h.trigger(TriggerParams{TaskIdentifier: "parent"})
	parent := h.dequeue()
	parentSnap := h.start(parent)

	res, err := h.e.TriggerBatch(ctx, h.env, TriggerBatchParams{
		Items:            []TriggerParams{{TaskIdentifier: "item"}, {TaskIdentifier: "item"}},
		ParentRunID:      parent.Run.ID,
		ParentSnapshotID: parentSnap.ID,
	})
	if err != nil {
		t.Fatalf("trigger batch: %v", err)
	}
	if len(res.Runs) != 2 || res.Batch.RunCount != 2 {
		t.Fatalf("batch = %+v", res.Batch)
	}
	wp, err := h.store.FindWaitpointByBatch(ctx, res.Batch.ID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.e.Cancel(ctx, res.Runs[0].ID, ""); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := h.e.PerformCompleteBatch(ctx, res.Batch.ID); err != nil {
			t.Fatal(err)
		}
	}
	if b, _ := h.store.GetBatch(ctx, res.Batch.ID); b.Status != domain.BatchPending {
		t.Fatalf("batch completed with a run still queued")
	}
	if w, _ := h.store.GetWaitpoint(ctx, wp.ID); w.Status != domain.WaitpointPending {
		t.Fatal("batch waitpoint completed early")
	}

	itemSnap := h.start(h.dequeue())
	if _, err := h.e.CompleteAttempt(ctx, res.Runs[1].ID, itemSnap.ID, Completion{OK: true}); err != nil {
		t.Fatal(err)
	}
	if err := h.e.PerformCompleteBatch(ctx, res.Batch.ID); err != nil {
		t.Fatal(err)
	}
	b, _ := h.store.GetBatch(ctx, res.Batch.ID)
	if b.Status != domain.BatchCompleted || b.SuccessCount != 1 || b.FailureCount != 1 {
		t.Fatalf("batch = %+v", b)
	}
	first, _ := h.store.GetWaitpoint(ctx, wp.ID)
	if first.Status != domain.WaitpointCompleted {
		t.Fatal("batch waitpoint not completed")
	}
	if err := h.e.PerformCompleteBatch(ctx, res.Batch.ID); err != nil {
		t.Fatal(err)
	}
	again, _ := h.store.GetWaitpoint(ctx, wp.ID)
	if !again.CompletedAt.Equal(*first.CompletedAt) || string(again.Output) != string(first.Output) {
		t.Fatal("redundant evaluation changed the batch waitpoint")
	}
	h.eventually(5*time.Second, func() bool {
		return h.snapshot(parent.Run.ID).ExecutionStatus == domain.ExecExecuting
	})
}

func TestEmptyBatchCompletesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.e.TriggerBatch(context.Background(), h.env, TriggerBatchParams{})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := h.store.GetBatch(context.Background(), res.Batch.ID)
	if b.Status != domain.BatchCompleted {
		t.Fatalf("empty batch status = %s", b.Status)
	}
}

// flakyBatchStore fails the failAt'th batch run it is asked to create.
type flakyBatchStore struct {
	*storage.MemStore
	failAt  int
	created int
}

func (s *flakyBatchStore) CreateRun(ctx context.Context, run *domain.TaskRun, first *domain.ExecutionSnapshot) error {
	if run.BatchID != nil {
		s.created++
		if s.created == s.failAt {
			return errors.New("db connection reset")
		}
	}
	return s.MemStore.CreateRun(ctx, run, first)
}

func TestBatchItemFailureLeavesParentRunnable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.Store = &flakyBatchStore{MemStore: o.Store.(*storage.MemStore), failAt: 2}
	})
	h.deploy("parent", "item")
	h.trigger(TriggerParams{TaskIdentifier: "parent"})
	parent := h.dequeue()
	parentSnap := h.start(parent)

	res, err := h.e.TriggerBatch(ctx, h.env, TriggerBatchParams{
		Items:            []TriggerParams{{TaskIdentifier: "item"}, {TaskIdentifier: "item"}},
		ParentRunID:      parent.Run.ID,
		ParentSnapshotID: parentSnap.ID,
	})
	if err == nil {
		t.Fatal("expected the second item to fail")
	}
	if s := h.snapshot(parent.Run.ID); s.ID != parentSnap.ID || s.ExecutionStatus != domain.ExecExecuting {
		t.Fatalf("parent moved to %s after a failed batch", s.ExecutionStatus)
	}
	if len(res.Runs) != 1 {
		t.Fatalf("created runs = %d, want 1", len(res.Runs))
	}
	b, _ := h.store.GetBatch(ctx, res.Batch.ID)
	if b.RunCount != 1 {
		t.Fatalf("batch run count = %d, want 1", b.RunCount)
	}

	itemSnap := h.start(h.dequeue())
	if _, err := h.e.CompleteAttempt(ctx, res.Runs[0].ID, itemSnap.ID, Completion{OK: true}); err != nil {
		t.Fatal(err)
	}
	if err := h.e.PerformCompleteBatch(ctx, res.Batch.ID); err != nil {
		t.Fatal(err)
	}
	if b, _ := h.store.GetBatch(ctx, res.Batch.ID); b.Status != domain.BatchCompleted || b.SuccessCount != 1 {
		t.Fatalf("truncated batch = %+v", b)
	}

	retry, err := h.e.TriggerBatch(ctx, h.env, TriggerBatchParams{
		Items:            []TriggerParams{{TaskIdentifier: "item"}},
		ParentRunID:      parent.Run.ID,
		ParentSnapshotID: parentSnap.ID,
	})
	if err != nil {
		t.Fatalf("retrying the batch from the same snapshot: %v", err)
	}
	if s := h.snapshot(parent.Run.ID); s.ExecutionStatus != domain.ExecExecutingWithWaitpoints {
		t.Fatalf("parent after retried batch = %s", s.ExecutionStatus)
	}
	if len(retry.Runs) != 1 {
		t.Fatalf("retried batch runs = %d", len(retry.Runs))
	}
}

func TestTokenCompletionKeepsFirstOutput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	tok, err := h.e.CreateToken(ctx, h.env, CreateTokenParams{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.e.CompleteToken(ctx, h.env, tok.Waitpoint.ID, []byte(`"first"`)); err != nil {
		t.Fatal(err)
	}
	w, err := h.e.CompleteToken(ctx, h.env, tok.Waitpoint.ID, []byte(`"second"`))
	if err != nil {
		t.Fatalf("second completion: %v", err)
	}
	if string(w.Output) != `"first"` {
		t.Fatalf("output = %s, want first", w.Output)
	}
	if _, err := h.e.CompleteWaitpoint(ctx, CompleteWaitpointParams{ID: "waitpoint_missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown waitpoint: %v", err)
	}
}

func TestHTTPCallbackVerifiesHash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	tok, err := h.e.CreateToken(ctx, h.env, CreateTokenParams{HTTPCallback: true})
	if err != nil {
		t.Fatal(err)
	}
	if tok.CallbackHash != CallbackHash(tok.Waitpoint.ID, h.env.APIKey) {
		t.Fatal("callback hash not derived from the api key")
	}
	if _, err := h.e.CompleteHTTPCallback(ctx, tok.Waitpoint.ID, "deadbeef", []byte(`{}`)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad hash: %v", err)
	}
	w, err := h.e.CompleteHTTPCallback(ctx, tok.Waitpoint.ID, tok.CallbackHash, []byte(`{"ok":1}`))
	if err != nil || w.Status != domain.WaitpointCompleted {
		t.Fatalf("callback: %v %+v", err, w)
	}
	w, err = h.e.CompleteHTTPCallback(ctx, tok.Waitpoint.ID, tok.CallbackHash, []byte(`{"ok":2}`))
	if err != nil || string(w.Output) != `{"ok":1}` {
		t.Fatalf("replayed callback changed output: %v %s", err, w.Output)
	}
}

func TestTokenTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	timeout := time.Now().Add(10 * time.Millisecond)
	tok, err := h.e.CreateToken(ctx, h.env, CreateTokenParams{Timeout: &timeout})
	if err != nil {
		t.Fatal(err)
	}
	h.eventually(5*time.Second, func() bool {
		w, _ := h.store.GetWaitpoint(ctx, tok.Waitpoint.ID)
		return w.Status == domain.WaitpointCompleted
	})
	w, _ := h.store.GetWaitpoint(ctx, tok.Waitpoint.ID)
	if !w.OutputIsError {
		t.Fatal("timed out token should carry an error output")
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deploy("email")

	queued := h.trigger(TriggerParams{TaskIdentifier: "email"})
	got, err := h.e.Cancel(ctx, queued.ID, "")
	if err != nil || got.Status != domain.RunCanceled {
		t.Fatalf("cancel queued: %v %v", err, got)
	}
	if exists, _ := h.rq.MessageExists(ctx, queued.ID); exists {
		t.Fatal("cancelled run still queued")
	}

	running := h.trigger(TriggerParams{TaskIdentifier: "email"})
	snap := h.start(h.dequeue())
	if _, err := h.e.Cancel(ctx, running.ID, "stop"); err != nil {
		t.Fatal(err)
	}
	pending := h.snapshot(running.ID)
	if pending.ExecutionStatus != domain.ExecPendingCancel {
		t.Fatalf("executing run after cancel: %s", pending.ExecutionStatus)
	}
	if _, err := h.e.CompleteAttempt(ctx, running.ID, snap.ID, Completion{OK: true}); !IsConcurrentModification(err) {
		t.Fatalf("old snapshot: %v", err)
	}
	res, err := h.e.CompleteAttempt(ctx, running.ID, pending.ID, Completion{OK: true})
	if err != nil || res.Run.Status != domain.RunCanceled {
		t.Fatalf("complete after cancel: %v %v", err, res)
	}
}

func TestSuspendedRunIsQueuedWhenUnblocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deploy("email")
	run := h.trigger(TriggerParams{TaskIdentifier: "email"})
	snap := h.start(h.dequeue())

	tok, _ := h.e.CreateToken(ctx, h.env, CreateTokenParams{})
	waiting, err := h.e.WaitForToken(ctx, run.ID, snap.ID, tok.Waitpoint.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.e.Suspend(ctx, run.ID, waiting.ID); err != nil {
		t.Fatal(err)
	}
	if c, _ := h.rq.CurrentConcurrency(ctx, descriptor(run)); c.Env != 0 {
		t.Fatalf("suspended run still holds concurrency: %+v", c)
	}
	if _, err := h.e.CompleteToken(ctx, h.env, tok.Waitpoint.ID, nil); err != nil {
		t.Fatal(err)
	}
	h.eventually(5*time.Second, func() bool {
		return h.snapshot(run.ID).ExecutionStatus == domain.ExecQueued
	})
	resumed := h.start(h.dequeue())
	if h.run(run.ID).AttemptNumber != 1 || resumed.ExecutionStatus != domain.ExecExecuting {
		t.Fatalf("resume should continue attempt 1, got %d", h.run(run.ID).AttemptNumber)
	}
}

func TestStalledExecutionFailsAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deploy("email")
	run := h.trigger(TriggerParams{TaskIdentifier: "email", MaxAttempts: 1})
	snap := h.start(h.dequeue())

	if err := h.e.handleStalledSnapshot(ctx, run.ID, "snapshot_old"); err != nil {
		t.Fatal(err)
	}
	if h.snapshot(run.ID).ID != snap.ID {
		t.Fatal("a superseded heartbeat must not touch the run")
	}
	if err := h.e.handleStalledSnapshot(ctx, run.ID, snap.ID); err != nil {
		t.Fatal(err)
	}
	got := h.run(run.ID)
	if got.Status != domain.RunCompletedWithErrors {
		t.Fatalf("stalled run status = %s", got.Status)
	}
	e, _ := taskrunerror.Unmarshal(got.Error)
	if ie, ok := e.(taskrunerror.InternalError); !ok || ie.Code != taskrunerror.TaskRunStalledExecuting {
		t.Fatalf("stalled run error = %#v", e)
	}
}

func TestStalledDequeueIsRequeued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deploy("email")
	h.trigger(TriggerParams{TaskIdentifier: "email"})
	d := h.dequeue()

	if err := h.e.handleStalledSnapshot(ctx, d.Run.ID, d.Snapshot.ID); err != nil {
		t.Fatal(err)
	}
	if s := h.snapshot(d.Run.ID); s.ExecutionStatus != domain.ExecQueued {
		t.Fatalf("status after stall = %s", s.ExecutionStatus)
	}
	again := h.dequeue()
	if again.Run.ID != d.Run.ID {
		t.Fatal("requeued run was not dequeued again")
	}
}

func TestWaitingForDeploy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	run := h.trigger(TriggerParams{TaskIdentifier: "report"})

	h.consumer.Tick(ctx)
	runs, err := h.e.Dequeue(ctx, DequeueParams{WorkerQueue: "main", MaxRunCount: 5})
	if err != nil || len(runs) != 0 {
		t.Fatalf("dequeue without worker: %v %d", err, len(runs))
	}
	if got := h.run(run.ID); got.Status != domain.RunWaitingForDeploy {
		t.Fatalf("status = %s", got.Status)
	}

	h.deploy("report")
	h.eventually(5*time.Second, func() bool {
		return h.snapshot(run.ID).ExecutionStatus == domain.ExecQueued
	})
	if d := h.dequeue(); d.Run.ID != run.ID {
		t.Fatal("waiting run not dequeued after deploy")
	}
}

func TestDelayedRunAndTTL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	until := time.Now().Add(20 * time.Millisecond)
	delayed := h.trigger(TriggerParams{TaskIdentifier: "email", DelayUntil: &until})
	if delayed.Status != domain.RunDelayed || h.snapshot(delayed.ID).ExecutionStatus != domain.ExecDelayed {
		t.Fatalf("delayed run status = %s", delayed.Status)
	}
	h.eventually(5*time.Second, func() bool {
		return h.snapshot(delayed.ID).ExecutionStatus == domain.ExecQueued
	})

	expiring := h.trigger(TriggerParams{TaskIdentifier: "email", TTL: 10 * time.Millisecond})
	h.eventually(5*time.Second, func() bool {
		return h.run(expiring.ID).Status == domain.RunExpired
	})
	if exists, _ := h.rq.MessageExists(ctx, expiring.ID); exists {
		t.Fatal("expired run still queued")
	}
}

func TestDequeueRespectsResources(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deploy("email")
	h.trigger(TriggerParams{TaskIdentifier: "email", MachinePreset: "large-1x"})
	h.consumer.Tick(ctx)

	runs, err := h.e.Dequeue(ctx, DequeueParams{WorkerQueue: "main", MaxRunCount: 1, MaxResources: &Resources{CPU: 1, Memory: 1}})
	if err != nil || len(runs) != 0 {
		t.Fatalf("oversized run dequeued: %v %d", err, len(runs))
	}
	h.consumer.Tick(ctx)
	runs, err = h.e.Dequeue(ctx, DequeueParams{WorkerQueue: "main", MaxRunCount: 1, MaxResources: &Resources{CPU: 8, Memory: 16}})
	if err != nil || len(runs) != 1 || runs[0].Machine.Name != "large-1x" {
		t.Fatalf("dequeue with room: %v %+v", err, runs)
	}
}

func TestOversizedRunKeepsQueuePosition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.deploy("email")
	large := h.trigger(TriggerParams{TaskIdentifier: "email", MachinePreset: "large-1x"})
	h.consumer.Tick(ctx)
	time.Sleep(5 * time.Millisecond)
	h.trigger(TriggerParams{TaskIdentifier: "email"})
	time.Sleep(5 * time.Millisecond)

	runs, err := h.e.Dequeue(ctx, DequeueParams{WorkerQueue: "main", MaxRunCount: 1, MaxResources: &Resources{CPU: 1, Memory: 1}})
	if err != nil || len(runs) != 0 {
		t.Fatalf("oversized run dequeued: %v %d", err, len(runs))
	}
	h.consumer.Tick(ctx)
	runs, err = h.e.Dequeue(ctx, DequeueParams{WorkerQueue: "main", MaxRunCount: 1, MaxResources: &Resources{CPU: 8, Memory: 16}})
	if err != nil || len(runs) != 1 || runs[0].Run.ID != large.ID {
		t.Fatalf("expected %s ahead of the newer run: %v %+v", large.ID, err, runs)
	}
}

func TestReconcileRequeuesLostRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.ReconcileGrace = time.Millisecond })
	run := h.trigger(TriggerParams{TaskIdentifier: "email"})
	if err := h.rq.Acknowledge(ctx, descriptor(run), run.ID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := h.e.ReconcileQueuedRuns(ctx, 100)
	if err != nil || n != 1 {
		t.Fatalf("reconcile = %d, %v", n, err)
	}
	if ok, _ := h.rq.InQueue(ctx, descriptor(run), run.ID); !ok {
		t.Fatal("run not back in its queue")
	}
	if n, _ := h.e.ReconcileQueuedRuns(ctx, 100); n != 0 {
		t.Fatalf("second reconcile requeued %d", n)
	}
}

func TestReconcileLeavesWorkerQueueCopiesAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.ReconcileGrace = time.Millisecond })
	run := h.trigger(TriggerParams{TaskIdentifier: "email"})
	h.consumer.Tick(ctx)
	time.Sleep(5 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if n, err := h.e.ReconcileQueuedRuns(ctx, 100); err != nil || n != 0 {
			t.Fatalf("reconcile %d = %d, %v", i, n, err)
		}
	}
	if n, _ := h.rq.WorkerQueueLength(ctx, "main"); n != 1 {
		t.Fatalf("worker queue length = %d, want 1", n)
	}

	// popped by a worker that died before taking the run
	if msg, err := h.rq.DequeueFromWorkerQueue(ctx, "main"); err != nil || msg == nil {
		t.Fatalf("pop = %v, %v", msg, err)
	}
	time.Sleep(5 * time.Millisecond)
	if n, err := h.e.ReconcileQueuedRuns(ctx, 100); err != nil || n != 1 {
		t.Fatalf("reconcile after lost pop = %d, %v", n, err)
	}
	if ok, _ := h.rq.InQueue(ctx, descriptor(run), run.ID); !ok {
		t.Fatal("run not back in its queue")
	}
}

func TestConcurrencyLimits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if err := h.e.SetEnvironmentConcurrencyLimit(ctx, h.env.ID, -1); !errors.Is(err, ErrValidation) {
		t.Fatalf("negative limit: %v", err)
	}
	if err := h.e.SetOrganizationConcurrencyLimit(ctx, h.env.OrganizationID, 0); err != nil {
		t.Fatal(err)
	}
	if err := h.e.SetEnvironmentConcurrencyLimit(ctx, "env_missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown env: %v", err)
	}

	if err := h.e.SetEnvironmentConcurrencyLimit(ctx, h.env.ID, 1); err != nil {
		t.Fatal(err)
	}
	h.deploy("email")
	h.trigger(TriggerParams{TaskIdentifier: "email"})
	h.trigger(TriggerParams{TaskIdentifier: "email"})
	h.consumer.Tick(ctx)
	if n, _ := h.rq.WorkerQueueLength(ctx, "main"); n != 1 {
		t.Fatalf("worker queue length = %d, want 1 under a limit of 1", n)
	}
}
