package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/netquota/hotspotd/internal/errs"
	"github.com/netquota/hotspotd/internal/model"
)

// SettingsRepo implements SettingsRepository on the single-row settings table.
type SettingsRepo struct{ db *DB }

// NewSettingsRepo constructs a settings repository.
func NewSettingsRepo(db *DB) *SettingsRepo { return &SettingsRepo{db: db} }

// Get loads settings; a missing row is ErrSettingsMissing.
func (r *SettingsRepo) Get(ctx context.Context) (*model.Settings, error) {
	const q = `
SELECT daily_credit_mb, quota_mode, credit_reset_time, timezone, notify_from, notify_to, system_name, updated_at
FROM settings WHERE id=1`
	var (
		s    model.Settings
		mb   int64
		mode string
	)
	err := r.db.Pool.QueryRow(ctx, q).Scan(&mb, &mode, &s.CreditResetTime, &s.Timezone,
		&s.NotifyFrom, &s.NotifyTo, &s.SystemName, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrSettingsMissing
		}
		return nil, err
	}
	s.DailyCreditMB = fromDB(mb)
	s.QuotaMode = model.QuotaMode(mode)
	return &s, nil
}

// Save upserts the settings row.
func (r *SettingsRepo) Save(ctx context.Context, s *model.Settings) error {
	const q = `
INSERT INTO settings (id, daily_credit_mb, quota_mode, credit_reset_time, timezone, notify_from, notify_to, system_name, updated_at)
VALUES (1,$1,$2,$3,$4,$5,$6,$7,now())
ON CONFLICT (id) DO UPDATE SET
  daily_credit_mb=EXCLUDED.daily_credit_mb, quota_mode=EXCLUDED.quota_mode,
  credit_reset_time=EXCLUDED.credit_reset_time, timezone=EXCLUDED.timezone,
  notify_from=EXCLUDED.notify_from, notify_to=EXCLUDED.notify_to,
  system_name=EXCLUDED.system_name, updated_at=now()`
	_, err := r.db.Pool.Exec(ctx, q, toDB(s.DailyCreditMB), string(s.QuotaMode), s.CreditResetTime, s.Timezone,
		s.NotifyFrom, s.NotifyTo, s.SystemName)
	return err
}
