package sqlite

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*JobRepo)(nil)

type JobRepo struct {
	db *sql.DB
	clock
}

func NewJobRepo(db *sql.DB, opts ...Option) *JobRepo {
	return &JobRepo{db: db, clock: newClock(opts)}
}

const jobColumns = `id, owner_id, kind, status, payload, result, error_message, attempts, max_attempts, created_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var (
		j                 model.Job
		kind, status      string
		createdMs         int64
		startedMs, doneMs sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.Owner, &kind, &status, &j.Payload, &j.Result, &j.ErrorMessage,
		&j.Attempts, &j.MaxAttempts, &createdMs, &startedMs, &doneMs); err != nil {
		return nil, err
	}
	j.Kind = model.JobKind(kind)
	j.Status = model.JobStatus(status)
	j.CreatedAt = fromMillis(createdMs)
	j.StartedAt = nullTime(startedMs)
	j.CompletedAt = nullTime(doneMs)
	return &j, nil
}

func (r *JobRepo) Enqueue(ctx context.Context, job *model.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, owner_id, kind, status, payload, attempts, max_attempts, created_at)
         VALUES (?, ?, ?, 'pending', ?, 0, ?, ?)`,
		job.ID, job.Owner, string(job.Kind), job.Payload, job.MaxAttempts, toMillis(job.CreatedAt),
	)
	if err != nil {
		return translate("enqueue job", err)
	}
	job.Status = model.JobStatusPending
	job.Attempts = 0
	return nil
}

func (r *JobRepo) ClaimBatch(ctx context.Context, limit int, notStartedSince time.Time) ([]*model.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	// One statement: SQLite has no row locks, but a write statement holds the
	// database lock for its whole duration, which gives the same exclusivity.
	const q = `
UPDATE jobs
   SET status = 'processing', started_at = ?, attempts = attempts + 1
 WHERE id IN (
   SELECT id FROM jobs
    WHERE status = 'pending'
      AND (? = 0 OR started_at IS NULL OR started_at < ?)
    ORDER BY created_at
    LIMIT ?)
RETURNING ` + jobColumns

	var since int64
	if !notStartedSince.IsZero() {
		since = toMillis(notStartedSince)
	}
	rows, err := r.db.QueryContext(ctx, q, toMillis(r.now()), since, since, limit)
	if err != nil {
		return nil, translate("claim batch", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("claim batch", err)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (r *JobRepo) Complete(ctx context.Context, id string, attempt int, result []byte) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'complete', result = ?, error_message = '', completed_at = ?
          WHERE id = ? AND status = 'processing' AND attempts = ?`,
		result, toMillis(r.now()), id, attempt,
	)
	if err != nil {
		return translate("complete job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingOrWrongState(ctx, id)
	}
	return nil
}

func (r *JobRepo) Fail(ctx context.Context, id string, attempt int, message string) (*model.Job, error) {
	now := toMillis(r.now())
	row := r.db.QueryRowContext(ctx, `
UPDATE jobs
   SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'error' END,
       error_message = ?,
       completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE ? END
 WHERE id = ? AND status = 'processing' AND attempts = ?
RETURNING `+jobColumns, message, now, id, attempt)
	j, err := scanJob(row)
	if err != nil {
		if translate("fail job", err) == domain.ErrNotFound {
			return nil, r.missingOrWrongState(ctx, id)
		}
		return nil, translate("fail job", err)
	}
	return j, nil
}

func (r *JobRepo) Release(ctx context.Context, id string, attempt int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', started_at = NULL, attempts = attempts - 1
          WHERE id = ? AND status = 'processing' AND attempts = ?`,
		id, attempt,
	)
	if err != nil {
		return translate("release job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingOrWrongState(ctx, id)
	}
	return nil
}

func (r *JobRepo) missingOrWrongState(ctx context.Context, id string) error {
	var status string
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status); err != nil {
		return translate("read job status", err)
	}
	return domain.ErrInvalidState
}

func (r *JobRepo) ReclaimStale(ctx context.Context, olderThan time.Duration) (repository.ReclaimReport, error) {
	var rep repository.ReclaimReport
	now := r.now()
	cutoff := toMillis(now.Add(-olderThan))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return rep, translate("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'error', error_message = ?, completed_at = ?
          WHERE status = 'processing' AND started_at < ? AND attempts >= max_attempts`,
		model.MsgAbandonedAtMaxTries, toMillis(now), cutoff)
	if err != nil {
		return repository.ReclaimReport{}, translate("reclaim stale", err)
	}
	rep.Errored, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', started_at = NULL, error_message = ?
          WHERE status = 'processing' AND started_at < ?`,
		model.MsgReclaimedStale, cutoff)
	if err != nil {
		return repository.ReclaimReport{}, translate("reclaim stale", err)
	}
	rep.Requeued, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return repository.ReclaimReport{}, translate("commit tx", err)
	}
	return rep, nil
}

func (r *JobRepo) PurgeTerminal(ctx context.Context, policy repository.PurgePolicy) (repository.PurgeReport, error) {
	var rep repository.PurgeReport
	now := r.now()

	purge := func(q string, age time.Duration, dst *int64) error {
		if age <= 0 {
			return nil
		}
		res, err := r.db.ExecContext(ctx, q, toMillis(now.Add(-age)))
		if err != nil {
			return translate("purge jobs", err)
		}
		*dst, _ = res.RowsAffected()
		return nil
	}

	if err := purge(`DELETE FROM jobs WHERE status = 'complete' AND completed_at < ?`,
		policy.CompletedOlderThan, &rep.Completed); err != nil {
		return rep, err
	}
	if err := purge(`DELETE FROM jobs WHERE status = 'error' AND COALESCE(completed_at, created_at) < ?`,
		policy.ErroredOlderThan, &rep.Errored); err != nil {
		return rep, err
	}
	if err := purge(`DELETE FROM jobs WHERE status = 'pending' AND created_at < ?`,
		policy.PendingOlderThan, &rep.Pending); err != nil {
		return rep, err
	}
	return rep, nil
}

func (r *JobRepo) Get(ctx context.Context, id, owner string) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ? AND owner_id = ?`, id, owner)
	j, err := scanJob(row)
	if err != nil {
		return nil, translate("get job", err)
	}
	return j, nil
}

func (r *JobRepo) Compact(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `VACUUM`); err != nil {
		return translate("compact", err)
	}
	if _, err := r.db.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return translate("compact", err)
	}
	return nil
}

func (r *JobRepo) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return domain.Unavailable("ping", err)
	}
	return nil
}
