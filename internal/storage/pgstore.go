package storage

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/runengine/internal/domain"
)

type PGStore struct{ db *pgxpool.Pool }

func NewPGStore(db *pgxpool.Pool) *PGStore { return &PGStore{db} }

var _ Store = (*PGStore)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if stderrors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PGStore) UpsertOrganization(ctx context.Context, o *domain.Organization) error {
	_, err := s.db.Exec(ctx, `insert into organizations(id, maximum_concurrency_limit) values ($1,$2)
on conflict (id) do update set maximum_concurrency_limit = excluded.maximum_concurrency_limit`,
		o.ID, o.MaximumConcurrencyLimit)
	return errors.Wrap(err, "upsert organization")
}

func (s *PGStore) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	var o domain.Organization
	err := s.db.QueryRow(ctx, `select id, maximum_concurrency_limit from organizations where id=$1`, id).
		Scan(&o.ID, &o.MaximumConcurrencyLimit)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (s *PGStore) SetOrganizationConcurrency(ctx context.Context, id string, limit int) error {
	tag, err := s.db.Exec(ctx, `update organizations set maximum_concurrency_limit=$2 where id=$1`, id, limit)
	if err != nil {
		return errors.Wrap(err, "set organization concurrency")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const envColumns = `id, type, project_id, organization_id, api_key, maximum_concurrency_limit`

func scanEnv(row rowScanner) (*domain.Environment, error) {
	var e domain.Environment
	if err := row.Scan(&e.ID, &e.Type, &e.ProjectID, &e.OrganizationID, &e.APIKey, &e.MaximumConcurrencyLimit); err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (s *PGStore) UpsertEnvironment(ctx context.Context, e *domain.Environment) error {
	_, err := s.db.Exec(ctx, `insert into environments(`+envColumns+`) values ($1,$2,$3,$4,$5,$6)
on conflict (id) do update set type=excluded.type, project_id=excluded.project_id,
organization_id=excluded.organization_id, api_key=excluded.api_key,
maximum_concurrency_limit=excluded.maximum_concurrency_limit`,
		e.ID, e.Type, e.ProjectID, e.OrganizationID, e.APIKey, e.MaximumConcurrencyLimit)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "upsert environment")
}

func (s *PGStore) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	return scanEnv(s.db.QueryRow(ctx, `select `+envColumns+` from environments where id=$1`, id))
}

func (s *PGStore) GetEnvironmentByAPIKey(ctx context.Context, apiKey string) (*domain.Environment, error) {
	return scanEnv(s.db.QueryRow(ctx, `select `+envColumns+` from environments where api_key=$1`, apiKey))
}

func (s *PGStore) ListEnvironments(ctx context.Context) ([]*domain.Environment, error) {
	rows, err := s.db.Query(ctx, `select `+envColumns+` from environments order by id`)
	if err != nil {
		return nil, errors.Wrap(err, "list environments")
	}
	defer rows.Close()
	var out []*domain.Environment
	for rows.Next() {
		e, err := scanEnv(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) SetEnvironmentConcurrency(ctx context.Context, id string, limit int) error {
	tag, err := s.db.Exec(ctx, `update environments set maximum_concurrency_limit=$2 where id=$1`, id, limit)
	if err != nil {
		return errors.Wrap(err, "set environment concurrency")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) CreateBackgroundWorker(ctx context.Context, w *domain.BackgroundWorker) error {
	_, err := s.db.Exec(ctx, `insert into background_workers(id, environment_id, version, task_identifiers, created_at)
values ($1,$2,$3,$4,$5)`, w.ID, w.EnvironmentID, w.Version, w.TaskIdentifiers, w.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "create background worker")
}

func (s *PGStore) GetBackgroundWorker(ctx context.Context, id string) (*domain.BackgroundWorker, error) {
	var w domain.BackgroundWorker
	err := s.db.QueryRow(ctx, `select id, environment_id, version, task_identifiers, created_at
from background_workers where id=$1`, id).
		Scan(&w.ID, &w.EnvironmentID, &w.Version, &w.TaskIdentifiers, &w.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (s *PGStore) FindWorkerForTask(ctx context.Context, envID, task string) (*domain.BackgroundWorker, error) {
	var w domain.BackgroundWorker
	err := s.db.QueryRow(ctx, `select id, environment_id, version, task_identifiers, created_at
from background_workers where environment_id=$1 and $2 = any(task_identifiers)
order by created_at desc limit 1`, envID, task).
		Scan(&w.ID, &w.EnvironmentID, &w.Version, &w.TaskIdentifiers, &w.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (s *PGStore) UpsertWorkerInstance(ctx context.Context, w *domain.WorkerInstance) error {
	_, err := s.db.Exec(ctx, `insert into worker_instances(id, worker_queue, last_heartbeat_at) values ($1,$2,$3)
on conflict (id) do update set worker_queue=excluded.worker_queue, last_heartbeat_at=excluded.last_heartbeat_at`,
		w.ID, w.WorkerQueue, w.LastHeartbeatAt)
	return errors.Wrap(err, "upsert worker instance")
}

const runColumns = `id, environment_id, environment_type, project_id, organization_id, task_identifier,
queue, worker_queue, payload, payload_type, status, priority_ms, idempotency_key, idempotency_key_expires_at,
batch_id, parent_run_id, root_run_id, depth, machine_preset, attempt_number, max_attempts,
max_duration_seconds, ttl_ms, delay_until, locked_by_worker_id, associated_waitpoint_id, latest_snapshot_id,
output, output_type, error, created_at, updated_at, started_at, completed_at`

func runArgs(r *domain.TaskRun) []any {
	return []any{
		r.ID, r.EnvironmentID, r.EnvironmentType, r.ProjectID, r.OrganizationID, r.TaskIdentifier,
		r.Queue, r.WorkerQueue, r.Payload, r.PayloadType, r.Status, r.PriorityMs, r.IdempotencyKey, r.IdempotencyKeyExpiresAt,
		r.BatchID, r.ParentRunID, r.RootRunID, r.Depth, r.MachinePreset, r.AttemptNumber, r.MaxAttempts,
		r.MaxDurationSeconds, r.TTL.Milliseconds(), r.DelayUntil, r.LockedByWorkerID, r.AssociatedWaitpointID, r.LatestSnapshotID,
		r.Output, r.OutputType, r.Error, r.CreatedAt, r.UpdatedAt, r.StartedAt, r.CompletedAt,
	}
}

func scanRun(row rowScanner) (*domain.TaskRun, error) {
	var r domain.TaskRun
	var ttlMs int64
	err := row.Scan(
		&r.ID, &r.EnvironmentID, &r.EnvironmentType, &r.ProjectID, &r.OrganizationID, &r.TaskIdentifier,
		&r.Queue, &r.WorkerQueue, &r.Payload, &r.PayloadType, &r.Status, &r.PriorityMs, &r.IdempotencyKey, &r.IdempotencyKeyExpiresAt,
		&r.BatchID, &r.ParentRunID, &r.RootRunID, &r.Depth, &r.MachinePreset, &r.AttemptNumber, &r.MaxAttempts,
		&r.MaxDurationSeconds, &ttlMs, &r.DelayUntil, &r.LockedByWorkerID, &r.AssociatedWaitpointID, &r.LatestSnapshotID,
		&r.Output, &r.OutputType, &r.Error, &r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	r.TTL = time.Duration(ttlMs) * time.Millisecond
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]*domain.TaskRun, error) {
	defer rows.Close()
	var out []*domain.TaskRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const snapshotColumns = `id, run_id, previous_snapshot_id, execution_status, run_status, description,
attempt_number, environment_id, environment_type, project_id, organization_id, batch_id, worker_id,
runner_id, completed_waitpoint_ids, created_at`

func insertSnapshot(ctx context.Context, tx pgx.Tx, snap *domain.ExecutionSnapshot) error {
	var prev *string
	if snap.PreviousSnapshotID != "" {
		prev = &snap.PreviousSnapshotID
	}
	ids := snap.CompletedWaitpointIDs
	if ids == nil {
		ids = []string{}
	}
	_, err := tx.Exec(ctx, `insert into execution_snapshots(`+snapshotColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		snap.ID, snap.RunID, prev, snap.ExecutionStatus, snap.RunStatus, snap.Description,
		snap.AttemptNumber, snap.EnvironmentID, snap.EnvironmentType, snap.ProjectID, snap.OrganizationID,
		snap.BatchID, snap.WorkerID, snap.RunnerID, ids, snap.CreatedAt)
	return errors.Wrap(err, "insert snapshot")
}

func scanSnapshot(row rowScanner) (*domain.ExecutionSnapshot, error) {
	var snap domain.ExecutionSnapshot
	var prev *string
	err := row.Scan(&snap.ID, &snap.RunID, &prev, &snap.ExecutionStatus, &snap.RunStatus, &snap.Description,
		&snap.AttemptNumber, &snap.EnvironmentID, &snap.EnvironmentType, &snap.ProjectID, &snap.OrganizationID,
		&snap.BatchID, &snap.WorkerID, &snap.RunnerID, &snap.CompletedWaitpointIDs, &snap.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if prev != nil {
		snap.PreviousSnapshotID = *prev
	}
	return &snap, nil
}

func (s *PGStore) CreateRun(ctx context.Context, run *domain.TaskRun, first *domain.ExecutionSnapshot) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		fillSnapshot(first, run, "")
		run.LatestSnapshotID = first.ID
		if run.CreatedAt.IsZero() {
			run.CreatedAt = first.CreatedAt
		}
		_, err := tx.Exec(ctx, `insert into task_runs(`+runColumns+`) values
($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34)`,
			runArgs(run)...)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return errors.Wrap(err, "insert run")
		}
		return insertSnapshot(ctx, tx, first)
	})
}

func (s *PGStore) GetRun(ctx context.Context, id string) (*domain.TaskRun, error) {
	return scanRun(s.db.QueryRow(ctx, `select `+runColumns+` from task_runs where id=$1`, id))
}

func (s *PGStore) FindRunByIdempotencyKey(ctx context.Context, envID, task, key string) (*domain.TaskRun, error) {
	return scanRun(s.db.QueryRow(ctx, `select `+runColumns+` from task_runs
where environment_id=$1 and task_identifier=$2 and idempotency_key=$3`, envID, task, key))
}

func (s *PGStore) ClearIdempotencyKey(ctx context.Context, runID string) error {
	tag, err := s.db.Exec(ctx, `update task_runs set idempotency_key=null, idempotency_key_expires_at=null where id=$1`, runID)
	if err != nil {
		return errors.Wrap(err, "clear idempotency key")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListRunsForBatch(ctx context.Context, batchID string) ([]*domain.TaskRun, error) {
	rows, err := s.db.Query(ctx, `select `+runColumns+` from task_runs where batch_id=$1 order by created_at, id`, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "list batch runs")
	}
	return collectRuns(rows)
}

func (s *PGStore) ListRunsWaitingForDeploy(ctx context.Context, envID string, limit int) ([]*domain.TaskRun, error) {
	rows, err := s.db.Query(ctx, `select `+runColumns+` from task_runs
where environment_id=$1 and status='WAITING_FOR_DEPLOY' order by created_at, id limit $2`, envID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list runs waiting for deploy")
	}
	return collectRuns(rows)
}

func (s *PGStore) ListQueuedRuns(ctx context.Context, before time.Time, limit int) ([]*domain.TaskRun, error) {
	rows, err := s.db.Query(ctx, `select `+prefixed("r.", runColumns)+` from task_runs r
join execution_snapshots s on s.id = r.latest_snapshot_id
where s.execution_status='QUEUED' and s.created_at < $1
order by r.created_at, r.id limit $2`, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list queued runs")
	}
	return collectRuns(rows)
}

func (s *PGStore) GetLatestSnapshot(ctx context.Context, runID string) (*domain.ExecutionSnapshot, error) {
	return scanSnapshot(s.db.QueryRow(ctx, `select `+prefixed("s.", snapshotColumns)+` from execution_snapshots s
join task_runs r on r.latest_snapshot_id = s.id where r.id=$1`, runID))
}

func (s *PGStore) GetSnapshot(ctx context.Context, id string) (*domain.ExecutionSnapshot, error) {
	return scanSnapshot(s.db.QueryRow(ctx, `select `+snapshotColumns+` from execution_snapshots where id=$1`, id))
}

func (s *PGStore) Transition(ctx context.Context, runID, expectedSnapshotID string, mutate func(*domain.TaskRun), next *domain.ExecutionSnapshot) (*domain.TaskRun, error) {
	var out *domain.TaskRun
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		run, err := scanRun(tx.QueryRow(ctx, `select `+runColumns+` from task_runs where id=$1 for update`, runID))
		if err != nil {
			return err
		}
		if run.LatestSnapshotID != expectedSnapshotID {
			return ErrStaleSnapshot
		}
		if mutate != nil {
			mutate(run)
		}
		fillSnapshot(next, run, expectedSnapshotID)
		run.LatestSnapshotID = next.ID
		if err := insertSnapshot(ctx, tx, next); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `update task_runs set status=$2, worker_queue=$3, machine_preset=$4,
attempt_number=$5, locked_by_worker_id=$6, associated_waitpoint_id=$7, latest_snapshot_id=$8,
output=$9, output_type=$10, error=$11, updated_at=$12, started_at=$13, completed_at=$14, delay_until=$15
where id=$1`,
			run.ID, run.Status, run.WorkerQueue, run.MachinePreset,
			run.AttemptNumber, run.LockedByWorkerID, run.AssociatedWaitpointID, run.LatestSnapshotID,
			run.Output, run.OutputType, run.Error, run.UpdatedAt, run.StartedAt, run.CompletedAt, run.DelayUntil)
		if err != nil {
			return errors.Wrap(err, "update run")
		}
		out = run
		return nil
	})
	return out, err
}

const waitpointColumns = `id, kind, status, environment_id, project_id, idempotency_key, idempotency_key_expires_at,
completed_by_task_run_id, completed_by_batch_id, completed_after, completed_at, output, output_type,
output_is_error, tags, created_at`

func scanWaitpoint(row rowScanner) (*domain.Waitpoint, error) {
	var w domain.Waitpoint
	err := row.Scan(&w.ID, &w.Kind, &w.Status, &w.EnvironmentID, &w.ProjectID, &w.IdempotencyKey, &w.IdempotencyKeyExpiresAt,
		&w.CompletedByTaskRunID, &w.CompletedByBatchID, &w.CompletedAfter, &w.CompletedAt, &w.Output, &w.OutputType,
		&w.OutputIsError, &w.Tags, &w.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (s *PGStore) CreateWaitpoint(ctx context.Context, w *domain.Waitpoint) (*domain.Waitpoint, error) {
	if w.IdempotencyKey == "" {
		w.IdempotencyKey = w.ID
	}
	tags := w.Tags
	if tags == nil {
		tags = []string{}
	}
	var out *domain.Waitpoint
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		existing, err := scanWaitpoint(tx.QueryRow(ctx, `select `+waitpointColumns+` from waitpoints
where environment_id=$1 and idempotency_key=$2 for update`, w.EnvironmentID, w.IdempotencyKey))
		switch {
		case err == nil:
			if existing.IdempotencyKeyExpiresAt == nil || time.Now().Before(*existing.IdempotencyKeyExpiresAt) {
				out = existing
				return nil
			}
			if _, err := tx.Exec(ctx, `update waitpoints set idempotency_key=id where id=$1`, existing.ID); err != nil {
				return errors.Wrap(err, "expire waitpoint idempotency key")
			}
		case !stderrors.Is(err, ErrNotFound):
			return err
		}
		_, err = tx.Exec(ctx, `insert into waitpoints(`+waitpointColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			w.ID, w.Kind, w.Status, w.EnvironmentID, w.ProjectID, w.IdempotencyKey, w.IdempotencyKeyExpiresAt,
			w.CompletedByTaskRunID, w.CompletedByBatchID, w.CompletedAfter, w.CompletedAt, w.Output, w.OutputType,
			w.OutputIsError, tags, w.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "insert waitpoint")
		}
		cp := *w
		out = &cp
		return nil
	})
	return out, err
}

func (s *PGStore) GetWaitpoint(ctx context.Context, id string) (*domain.Waitpoint, error) {
	return scanWaitpoint(s.db.QueryRow(ctx, `select `+waitpointColumns+` from waitpoints where id=$1`, id))
}

func (s *PGStore) FindWaitpointByBatch(ctx context.Context, batchID string) (*domain.Waitpoint, error) {
	return scanWaitpoint(s.db.QueryRow(ctx, `select `+waitpointColumns+` from waitpoints
where completed_by_batch_id=$1 order by created_at limit 1`, batchID))
}

func (s *PGStore) CompleteWaitpoint(ctx context.Context, id string, c WaitpointCompletion) (*domain.Waitpoint, bool, error) {
	w, err := scanWaitpoint(s.db.QueryRow(ctx, `update waitpoints
set status='COMPLETED', completed_at=$2, output=$3, output_type=$4, output_is_error=$5
where id=$1 and status='PENDING' returning `+waitpointColumns, id, c.At, c.Output, c.OutputType, c.IsError))
	if err == nil {
		return w, true, nil
	}
	if !stderrors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	w, err = s.GetWaitpoint(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return w, false, nil
}

func (s *PGStore) BlockRun(ctx context.Context, runID string, waitpointIDs []string, projectID string, batchID *string) error {
	_, err := s.db.Exec(ctx, `insert into task_run_waitpoints(run_id, waitpoint_id, project_id, batch_id)
select $1, unnest($2::text[]), $3, $4
on conflict (run_id, waitpoint_id) do nothing`, runID, waitpointIDs, projectID, batchID)
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrNotFound
	}
	return errors.Wrap(err, "block run")
}

func (s *PGStore) ListBlockedRunIDs(ctx context.Context, waitpointID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `select run_id from task_run_waitpoints where waitpoint_id=$1 order by run_id`, waitpointID)
	if err != nil {
		return nil, errors.Wrap(err, "list blocked runs")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, errors.Wrap(err, "list blocked runs")
}

func (s *PGStore) PendingWaitpointCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `select count(*) from task_run_waitpoints t
join waitpoints w on w.id = t.waitpoint_id
where t.run_id=$1 and w.status='PENDING'`, runID).Scan(&n)
	return n, errors.Wrap(err, "count pending waitpoints")
}

func (s *PGStore) ClearRunWaitpoints(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `delete from task_run_waitpoints where run_id=$1 returning waitpoint_id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "clear run waitpoints")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "clear run waitpoints")
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *PGStore) CreateBatch(ctx context.Context, b *domain.BatchTaskRun) error {
	_, err := s.db.Exec(ctx, `insert into batch_task_runs(id, environment_id, project_id, status, run_count,
success_count, failure_count, created_at, completed_at) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.EnvironmentID, b.ProjectID, b.Status, b.RunCount, b.SuccessCount, b.FailureCount, b.CreatedAt, b.CompletedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "create batch")
}

func (s *PGStore) GetBatch(ctx context.Context, id string) (*domain.BatchTaskRun, error) {
	var b domain.BatchTaskRun
	err := s.db.QueryRow(ctx, `select id, environment_id, project_id, status, run_count, success_count,
failure_count, created_at, completed_at from batch_task_runs where id=$1`, id).
		Scan(&b.ID, &b.EnvironmentID, &b.ProjectID, &b.Status, &b.RunCount, &b.SuccessCount, &b.FailureCount, &b.CreatedAt, &b.CompletedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (s *PGStore) CompleteBatch(ctx context.Context, id string, success, failure int, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `update batch_task_runs set status='COMPLETED', success_count=$2, failure_count=$3,
completed_at=$4 where id=$1 and status='PENDING'`, id, success, failure, at)
	if err != nil {
		return false, errors.Wrap(err, "complete batch")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetBatch(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PGStore) SetBatchRunCount(ctx context.Context, id string, runCount int) error {
	tag, err := s.db.Exec(ctx, `update batch_task_runs set run_count=$2 where id=$1 and status='PENDING'`, id, runCount)
	if err != nil {
		return errors.Wrap(err, "set batch run count")
	}
	if tag.RowsAffected() == 0 {
		_, err := s.GetBatch(ctx, id)
		return err
	}
	return nil
}

// TryLock holds a session advisory lock on a dedicated connection until
// unlock is called.
func (s *PGStore) TryLock(ctx context.Context, key int64) (func(), bool, error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire lock connection")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, errors.Wrap(err, "advisory lock")
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		_, _ = conn.Exec(context.Background(), `select pg_advisory_unlock($1)`, key)
		conn.Release()
	}, true, nil
}
