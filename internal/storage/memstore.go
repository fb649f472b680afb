package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SirClappington/runengine/internal/domain"
)

// MemStore keeps everything in process memory. Values are copied in and out
// so callers never share state with the store.
type MemStore struct {
	mu          sync.Mutex
	orgs        map[string]domain.Organization
	envs        map[string]domain.Environment
	workers     map[string]domain.BackgroundWorker
	instances   map[string]domain.WorkerInstance
	runs        map[string]domain.TaskRun
	snapshots   map[string]domain.ExecutionSnapshot
	waitpoints  map[string]domain.Waitpoint
	blocks      map[string]map[string]domain.TaskRunWaitpoint // run -> waitpoint -> block
	batches     map[string]domain.BatchTaskRun
	idempotency map[string]string
	locks       map[int64]bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		orgs:        map[string]domain.Organization{},
		envs:        map[string]domain.Environment{},
		workers:     map[string]domain.BackgroundWorker{},
		instances:   map[string]domain.WorkerInstance{},
		runs:        map[string]domain.TaskRun{},
		snapshots:   map[string]domain.ExecutionSnapshot{},
		waitpoints:  map[string]domain.Waitpoint{},
		blocks:      map[string]map[string]domain.TaskRunWaitpoint{},
		batches:     map[string]domain.BatchTaskRun{},
		idempotency: map[string]string{},
		locks:       map[int64]bool{},
	}
}

var _ Store = (*MemStore)(nil)

func runKey(envID, task, key string) string { return envID + "\x00" + task + "\x00" + key }

func (s *MemStore) UpsertOrganization(_ context.Context, o *domain.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[o.ID] = *o
	return nil
}

func (s *MemStore) GetOrganization(_ context.Context, id string) (*domain.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *MemStore) SetOrganizationConcurrency(_ context.Context, id string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return ErrNotFound
	}
	o.MaximumConcurrencyLimit = limit
	s.orgs[id] = o
	return nil
}

func (s *MemStore) UpsertEnvironment(_ context.Context, e *domain.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.envs {
		if id != e.ID && other.APIKey == e.APIKey {
			return ErrDuplicate
		}
	}
	s.envs[e.ID] = *e
	return nil
}

func (s *MemStore) GetEnvironment(_ context.Context, id string) (*domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.envs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemStore) GetEnvironmentByAPIKey(_ context.Context, apiKey string) (*domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.envs {
		if e.APIKey == apiKey {
			e := e
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListEnvironments(_ context.Context) ([]*domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Environment, 0, len(s.envs))
	for _, e := range s.envs {
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) SetEnvironmentConcurrency(_ context.Context, id string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.envs[id]
	if !ok {
		return ErrNotFound
	}
	e.MaximumConcurrencyLimit = limit
	s.envs[id] = e
	return nil
}

func (s *MemStore) CreateBackgroundWorker(_ context.Context, w *domain.BackgroundWorker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[w.ID]; ok {
		return ErrDuplicate
	}
	cp := *w
	cp.TaskIdentifiers = append([]string(nil), w.TaskIdentifiers...)
	s.workers[w.ID] = cp
	return nil
}

func (s *MemStore) GetBackgroundWorker(_ context.Context, id string) (*domain.BackgroundWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (s *MemStore) FindWorkerForTask(_ context.Context, envID, task string) (*domain.BackgroundWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *domain.BackgroundWorker
	for _, w := range s.workers {
		w := w
		if w.EnvironmentID != envID || !w.HasTask(task) {
			continue
		}
		if best == nil || w.CreatedAt.After(best.CreatedAt) {
			best = &w
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *MemStore) UpsertWorkerInstance(_ context.Context, w *domain.WorkerInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[w.ID] = *w
	return nil
}

func (s *MemStore) CreateRun(_ context.Context, run *domain.TaskRun, first *domain.ExecutionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrDuplicate
	}
	if run.IdempotencyKey != nil {
		k := runKey(run.EnvironmentID, run.TaskIdentifier, *run.IdempotencyKey)
		if _, ok := s.idempotency[k]; ok {
			return ErrDuplicate
		}
		s.idempotency[k] = run.ID
	}
	r := *run
	fillSnapshot(first, &r, "")
	r.LatestSnapshotID = first.ID
	s.runs[run.ID] = r
	s.snapshots[first.ID] = *first
	run.LatestSnapshotID = first.ID
	return nil
}

func (s *MemStore) GetRun(_ context.Context, id string) (*domain.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemStore) FindRunByIdempotencyKey(_ context.Context, envID, task, key string) (*domain.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idempotency[runKey(envID, task, key)]
	if !ok {
		return nil, ErrNotFound
	}
	r := s.runs[id]
	return &r, nil
}

func (s *MemStore) ClearIdempotencyKey(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.IdempotencyKey != nil {
		delete(s.idempotency, runKey(r.EnvironmentID, r.TaskIdentifier, *r.IdempotencyKey))
		r.IdempotencyKey = nil
		r.IdempotencyKeyExpiresAt = nil
		s.runs[runID] = r
	}
	return nil
}

func (s *MemStore) listRuns(limit int, keep func(domain.TaskRun) bool) []*domain.TaskRun {
	var out []*domain.TaskRun
	for _, r := range s.runs {
		r := r
		if keep(r) {
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemStore) ListRunsForBatch(_ context.Context, batchID string) ([]*domain.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRuns(0, func(r domain.TaskRun) bool {
		return r.BatchID != nil && *r.BatchID == batchID
	}), nil
}

func (s *MemStore) ListRunsWaitingForDeploy(_ context.Context, envID string, limit int) ([]*domain.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRuns(limit, func(r domain.TaskRun) bool {
		return r.EnvironmentID == envID && r.Status == domain.RunWaitingForDeploy
	}), nil
}

func (s *MemStore) ListQueuedRuns(_ context.Context, before time.Time, limit int) ([]*domain.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRuns(limit, func(r domain.TaskRun) bool {
		snap := s.snapshots[r.LatestSnapshotID]
		return snap.ExecutionStatus == domain.ExecQueued && snap.CreatedAt.Before(before)
	}), nil
}

func (s *MemStore) GetLatestSnapshot(_ context.Context, runID string) (*domain.ExecutionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	snap := s.snapshots[r.LatestSnapshotID]
	return &snap, nil
}

func (s *MemStore) GetSnapshot(_ context.Context, id string) (*domain.ExecutionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &snap, nil
}

func (s *MemStore) Transition(_ context.Context, runID, expectedSnapshotID string, mutate func(*domain.TaskRun), next *domain.ExecutionSnapshot) (*domain.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.LatestSnapshotID != expectedSnapshotID {
		return nil, ErrStaleSnapshot
	}
	if mutate != nil {
		mutate(&r)
	}
	fillSnapshot(next, &r, expectedSnapshotID)
	r.LatestSnapshotID = next.ID
	s.runs[runID] = r
	s.snapshots[next.ID] = *next
	return &r, nil
}

func fillSnapshot(next *domain.ExecutionSnapshot, r *domain.TaskRun, previous string) {
	next.RunID = r.ID
	next.PreviousSnapshotID = previous
	next.RunStatus = r.Status
	next.AttemptNumber = r.AttemptNumber
	next.EnvironmentID = r.EnvironmentID
	next.EnvironmentType = r.EnvironmentType
	next.ProjectID = r.ProjectID
	next.OrganizationID = r.OrganizationID
	next.BatchID = r.BatchID
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now()
	}
	r.UpdatedAt = next.CreatedAt
}

func (s *MemStore) CreateWaitpoint(_ context.Context, w *domain.Waitpoint) (*domain.Waitpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.IdempotencyKey == "" {
		w.IdempotencyKey = w.ID
	}
	for id, existing := range s.waitpoints {
		if existing.EnvironmentID != w.EnvironmentID || existing.IdempotencyKey != w.IdempotencyKey {
			continue
		}
		if existing.IdempotencyKeyExpiresAt == nil || time.Now().Before(*existing.IdempotencyKeyExpiresAt) {
			return &existing, nil
		}
		existing.IdempotencyKey = existing.ID
		s.waitpoints[id] = existing
	}
	s.waitpoints[w.ID] = *w
	cp := *w
	return &cp, nil
}

func (s *MemStore) GetWaitpoint(_ context.Context, id string) (*domain.Waitpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waitpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (s *MemStore) FindWaitpointByBatch(_ context.Context, batchID string) (*domain.Waitpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.waitpoints {
		if w.CompletedByBatchID != nil && *w.CompletedByBatchID == batchID {
			w := w
			return &w, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) CompleteWaitpoint(_ context.Context, id string, c WaitpointCompletion) (*domain.Waitpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waitpoints[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if w.Status == domain.WaitpointCompleted {
		return &w, false, nil
	}
	at := c.At
	w.Status = domain.WaitpointCompleted
	w.CompletedAt = &at
	w.Output = append([]byte(nil), c.Output...)
	w.OutputType = c.OutputType
	w.OutputIsError = c.IsError
	s.waitpoints[id] = w
	return &w, true, nil
}

func (s *MemStore) BlockRun(_ context.Context, runID string, waitpointIDs []string, projectID string, batchID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	m := s.blocks[runID]
	if m == nil {
		m = map[string]domain.TaskRunWaitpoint{}
		s.blocks[runID] = m
	}
	for _, id := range waitpointIDs {
		if _, ok := s.waitpoints[id]; !ok {
			return ErrNotFound
		}
		if _, ok := m[id]; ok {
			continue
		}
		m[id] = domain.TaskRunWaitpoint{RunID: runID, WaitpointID: id, ProjectID: projectID, BatchID: batchID, CreatedAt: time.Now()}
	}
	return nil
}

func (s *MemStore) ListBlockedRunIDs(_ context.Context, waitpointID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for runID, m := range s.blocks {
		if _, ok := m[waitpointID]; ok {
			out = append(out, runID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) PendingWaitpointCount(_ context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.blocks[runID] {
		if s.waitpoints[id].Status == domain.WaitpointPending {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ClearRunWaitpoints(_ context.Context, runID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.blocks[runID]))
	for id := range s.blocks[runID] {
		out = append(out, id)
	}
	delete(s.blocks, runID)
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) CreateBatch(_ context.Context, b *domain.BatchTaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; ok {
		return ErrDuplicate
	}
	s.batches[b.ID] = *b
	return nil
}

func (s *MemStore) GetBatch(_ context.Context, id string) (*domain.BatchTaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemStore) CompleteBatch(_ context.Context, id string, success, failure int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status == domain.BatchCompleted {
		return false, nil
	}
	b.Status = domain.BatchCompleted
	b.SuccessCount = success
	b.FailureCount = failure
	b.CompletedAt = &at
	s.batches[id] = b
	return true, nil
}

func (s *MemStore) SetBatchRunCount(_ context.Context, id string, runCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status == domain.BatchPending {
		b.RunCount = runCount
		s.batches[id] = b
	}
	return nil
}

func (s *MemStore) TryLock(_ context.Context, key int64) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] {
		return nil, false, nil
	}
	s.locks[key] = true
	return func() {
		s.mu.Lock()
		delete(s.locks, key)
		s.mu.Unlock()
	}, true, nil
}
