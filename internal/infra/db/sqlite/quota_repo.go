package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/repository"
)

var _ repository.QuotaRepository = (*QuotaRepo)(nil)

type QuotaRepo struct{ db *sql.DB }

func NewQuotaRepo(db *sql.DB) *QuotaRepo {
	return &QuotaRepo{db: db}
}

func (r *QuotaRepo) GetOrCreate(ctx context.Context, userID, defaultTimezone string, now time.Time) (*model.UserQuota, error) {
	fresh := model.NewUserQuota(userID, defaultTimezone, now)
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO user_quotas (user_id, timezone, last_reset_date) VALUES (?, ?, ?)
         ON CONFLICT (user_id) DO NOTHING`,
		fresh.UserID, fresh.Timezone, fresh.LastResetDate); err != nil {
		return nil, translate("create quota", err)
	}

	q := &model.UserQuota{Counts: make(map[model.ActionType]int, 3)}
	var img, txt, bar int
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, timezone, last_reset_date, image_uploads, text_analyses, barcode_scans
           FROM user_quotas WHERE user_id = ?`, userID).
		Scan(&q.UserID, &q.Timezone, &q.LastResetDate, &img, &txt, &bar)
	if err != nil {
		return nil, translate("get quota", err)
	}
	q.Counts[model.ActionImageUploads] = img
	q.Counts[model.ActionTextAnalyses] = txt
	q.Counts[model.ActionBarcodeScans] = bar
	return q, nil
}

func (r *QuotaRepo) ResetIfStale(ctx context.Context, userID, date string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_quotas
            SET image_uploads = 0, text_analyses = 0, barcode_scans = 0, last_reset_date = ?
          WHERE user_id = ? AND last_reset_date <> ?`, date, userID, date)
	if err != nil {
		return false, translate("reset quota", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *QuotaRepo) Increment(ctx context.Context, userID string, action model.ActionType) (int, error) {
	if !action.Valid() {
		return 0, domain.NewValidationError("action", fmt.Sprintf("unknown action %q", action))
	}
	q := fmt.Sprintf(`UPDATE user_quotas SET %[1]s = %[1]s + 1 WHERE user_id = ? RETURNING %[1]s`, string(action))
	var n int
	if err := r.db.QueryRowContext(ctx, q, userID).Scan(&n); err != nil {
		return 0, translate("increment quota", err)
	}
	return n, nil
}

func (r *QuotaRepo) SetTimezone(ctx context.Context, userID, timezone string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE user_quotas SET timezone = ? WHERE user_id = ?`, timezone, userID)
	if err != nil {
		return translate("set timezone", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
