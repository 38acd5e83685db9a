package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/repository"
)

var _ repository.QuotaRepository = (*quotaRepo)(nil)

type quotaRepo struct{ pool *pgxpool.Pool }

func NewQuotaRepo(pool *pgxpool.Pool) *quotaRepo {
	return &quotaRepo{pool: pool}
}

func (r *quotaRepo) GetOrCreate(ctx context.Context, userID, defaultTimezone string, now time.Time) (*model.UserQuota, error) {
	fresh := model.NewUserQuota(userID, defaultTimezone, now)

	const ins = `
INSERT INTO user_quotas (user_id, timezone, last_reset_date)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO NOTHING;`
	if _, err := execSQL(ctx, r.pool, nil, ins, fresh.UserID, fresh.Timezone, fresh.LastResetDate); err != nil {
		return nil, translate("create quota", err)
	}

	const sel = `
SELECT user_id, timezone, last_reset_date, image_uploads, text_analyses, barcode_scans
FROM user_quotas WHERE user_id = $1;`
	row, err := pickRow(ctx, r.pool, nil, sel, userID)
	if err != nil {
		return nil, translate("get quota", err)
	}
	q := &model.UserQuota{Counts: make(map[model.ActionType]int, 3)}
	var img, txt, bar int
	if err := row.Scan(&q.UserID, &q.Timezone, &q.LastResetDate, &img, &txt, &bar); err != nil {
		return nil, translate("get quota", err)
	}
	q.Counts[model.ActionImageUploads] = img
	q.Counts[model.ActionTextAnalyses] = txt
	q.Counts[model.ActionBarcodeScans] = bar
	return q, nil
}

// ResetIfStale zeroes all counters in one statement so concurrent requests
// on the first call of a new day reset at most once.
func (r *quotaRepo) ResetIfStale(ctx context.Context, userID, date string) (bool, error) {
	const q = `
UPDATE user_quotas
   SET image_uploads = 0, text_analyses = 0, barcode_scans = 0,
       last_reset_date = $2, updated_at = now()
 WHERE user_id = $1 AND last_reset_date <> $2;`
	tag, err := execSQL(ctx, r.pool, nil, q, userID, date)
	if err != nil {
		return false, translate("reset quota", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *quotaRepo) Increment(ctx context.Context, userID string, action model.ActionType) (int, error) {
	if !action.Valid() {
		return 0, domain.NewValidationError("action", fmt.Sprintf("unknown action %q", action))
	}
	// action is whitelisted above; it names the counter column.
	q := fmt.Sprintf(`
UPDATE user_quotas SET %[1]s = %[1]s + 1, updated_at = now()
 WHERE user_id = $1
RETURNING %[1]s;`, string(action))
	row, err := pickRow(ctx, r.pool, nil, q, userID)
	if err != nil {
		return 0, translate("increment quota", err)
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, translate("increment quota", err)
	}
	return n, nil
}

func (r *quotaRepo) SetTimezone(ctx context.Context, userID, timezone string) error {
	tag, err := execSQL(ctx, r.pool, nil,
		`UPDATE user_quotas SET timezone = $2, updated_at = now() WHERE user_id = $1;`, userID, timezone)
	if err != nil {
		return translate("set timezone", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
