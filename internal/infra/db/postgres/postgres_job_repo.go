package postgres

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*jobRepo)(nil)

type jobRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
	now  func() time.Time
}

func NewJobRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *jobRepo {
	return &jobRepo{
		pool: pool,
		tm:   tm,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

const jobColumns = `id, owner_id, kind, status, payload, result, error_message, attempts, max_attempts, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j            model.Job
		kind, status string
	)
	if err := row.Scan(&j.ID, &j.Owner, &kind, &status, &j.Payload, &j.Result, &j.ErrorMessage,
		&j.Attempts, &j.MaxAttempts, &j.CreatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	j.Kind = model.JobKind(kind)
	j.Status = model.JobStatus(status)
	return &j, nil
}

func (r *jobRepo) Enqueue(ctx context.Context, job *model.Job) error {
	const q = `
INSERT INTO jobs (id, owner_id, kind, status, payload, attempts, max_attempts, created_at)
VALUES ($1, $2, $3, 'pending', $4, 0, $5, $6);`

	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now()
	}
	_, err := execSQL(ctx, r.pool, nil, q, job.ID, job.Owner, string(job.Kind), job.Payload, job.MaxAttempts, job.CreatedAt)
	if err != nil {
		return translate("enqueue job", err)
	}
	job.Status = model.JobStatusPending
	job.Attempts = 0
	return nil
}

func (r *jobRepo) ClaimBatch(ctx context.Context, limit int, notStartedSince time.Time) ([]*model.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	// Row locks taken by the inner SELECT are skipped by concurrent claimers,
	// so two workers never receive the same id.
	const q = `
WITH picked AS (
  SELECT id FROM jobs
  WHERE status = 'pending'
    AND ($2::timestamptz IS NULL OR started_at IS NULL OR started_at < $2::timestamptz)
  ORDER BY created_at
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
UPDATE jobs j
   SET status = 'processing',
       started_at = $3,
       attempts = j.attempts + 1
  FROM picked
 WHERE j.id = picked.id
RETURNING j.id, j.owner_id, j.kind, j.status, j.payload, j.result, j.error_message,
          j.attempts, j.max_attempts, j.created_at, j.started_at, j.completed_at;`

	var since *time.Time
	if !notStartedSince.IsZero() {
		since = &notStartedSince
	}
	rows, err := queryRows(ctx, r.pool, nil, q, limit, since, r.now())
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

func (r *jobRepo) Complete(ctx context.Context, id string, attempt int, result []byte) error {
	const q = `
UPDATE jobs
   SET status = 'complete', result = $2, error_message = '', completed_at = $3
 WHERE id = $1 AND status = 'processing' AND attempts = $4;`

	tag, err := execSQL(ctx, r.pool, nil, q, id, result, r.now(), attempt)
	if err != nil {
		return translate("complete job", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrWrongState(ctx, id)
	}
	return nil
}

func (r *jobRepo) Fail(ctx context.Context, id string, attempt int, message string) (*model.Job, error) {
	// attempts was counted at claim time; only the destination differs.
	const q = `
UPDATE jobs
   SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'error' END,
       error_message = $2,
       completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE $3::timestamptz END
 WHERE id = $1 AND status = 'processing' AND attempts = $4
RETURNING ` + jobColumns + `;`

	row, err := pickRow(ctx, r.pool, nil, q, id, message, r.now(), attempt)
	if err != nil {
		return nil, translate("fail job", err)
	}
	j, err := scanJob(row)
	if err != nil {
		if translate("fail job", err) == domain.ErrNotFound {
			return nil, r.missingOrWrongState(ctx, id)
		}
		return nil, translate("fail job", err)
	}
	return j, nil
}

func (r *jobRepo) Release(ctx context.Context, id string, attempt int) error {
	const q = `
UPDATE jobs
   SET status = 'pending', started_at = NULL, attempts = attempts - 1
 WHERE id = $1 AND status = 'processing' AND attempts = $2;`

	tag, err := execSQL(ctx, r.pool, nil, q, id, attempt)
	if err != nil {
		return translate("release job", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrWrongState(ctx, id)
	}
	return nil
}

// missingOrWrongState tells a missing row apart from an illegal transition.
func (r *jobRepo) missingOrWrongState(ctx context.Context, id string) error {
	var status string
	row, err := pickRow(ctx, r.pool, nil, `SELECT status FROM jobs WHERE id = $1;`, id)
	if err != nil {
		return translate("read job status", err)
	}
	if err := row.Scan(&status); err != nil {
		return translate("read job status", err)
	}
	return domain.ErrInvalidState
}

func (r *jobRepo) ReclaimStale(ctx context.Context, olderThan time.Duration) (repository.ReclaimReport, error) {
	var rep repository.ReclaimReport
	now := r.now()
	cutoff := now.Add(-olderThan)

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		const giveUp = `
UPDATE jobs
   SET status = 'error', error_message = $2, completed_at = $3
 WHERE status = 'processing' AND started_at < $1 AND attempts >= max_attempts;`
		tag, err := execSQL(ctx, r.pool, tx, giveUp, cutoff, model.MsgAbandonedAtMaxTries, now)
		if err != nil {
			return translate("reclaim stale", err)
		}
		rep.Errored = tag.RowsAffected()

		const requeue = `
UPDATE jobs
   SET status = 'pending', started_at = NULL, error_message = $2
 WHERE status = 'processing' AND started_at < $1;`
		tag, err = execSQL(ctx, r.pool, tx, requeue, cutoff, model.MsgReclaimedStale)
		if err != nil {
			return translate("reclaim stale", err)
		}
		rep.Requeued = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return repository.ReclaimReport{}, err
	}
	return rep, nil
}

func (r *jobRepo) PurgeTerminal(ctx context.Context, policy repository.PurgePolicy) (repository.PurgeReport, error) {
	var rep repository.PurgeReport
	now := r.now()

	purge := func(q string, age time.Duration, dst *int64) error {
		if age <= 0 {
			return nil
		}
		tag, err := execSQL(ctx, r.pool, nil, q, now.Add(-age))
		if err != nil {
			return translate("purge jobs", err)
		}
		*dst = tag.RowsAffected()
		return nil
	}

	if err := purge(`DELETE FROM jobs WHERE status = 'complete' AND completed_at < $1;`,
		policy.CompletedOlderThan, &rep.Completed); err != nil {
		return rep, err
	}
	if err := purge(`DELETE FROM jobs WHERE status = 'error' AND COALESCE(completed_at, created_at) < $1;`,
		policy.ErroredOlderThan, &rep.Errored); err != nil {
		return rep, err
	}
	if err := purge(`DELETE FROM jobs WHERE status = 'pending' AND created_at < $1;`,
		policy.PendingOlderThan, &rep.Pending); err != nil {
		return rep, err
	}
	return rep, nil
}

func (r *jobRepo) Get(ctx context.Context, id, owner string) (*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 AND owner_id = $2;`
	row, err := pickRow(ctx, r.pool, nil, q, id, owner)
	if err != nil {
		return nil, translate("get job", err)
	}
	j, err := scanJob(row)
	if err != nil {
		return nil, translate("get job", err)
	}
	return j, nil
}

// Compact reclaims space left by purged rows. VACUUM cannot run inside a transaction.
func (r *jobRepo) Compact(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `VACUUM ANALYZE jobs;`); err != nil {
		return translate("compact jobs", err)
	}
	return nil
}

func (r *jobRepo) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return domain.Unavailable("ping", err)
	}
	return nil
}
