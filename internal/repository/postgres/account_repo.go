package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/netquota/hotspotd/internal/errs"
	"github.com/netquota/hotspotd/internal/model"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

const accountCols = `id, site_id, username, remote_id, profile, turma,
quota_total_bytes, used_bytes, status, active_session_id, session_bytes_at_last_poll, counter_baseline,
last_polled_at, last_login_at, last_logout_at, last_quota_reset_at, last_expired_at, created_at, updated_at`

func scanAccount(row rowScanner) (model.Account, error) {
	var (
		a                      model.Account
		quota, used, sess, bas int64
		status                 string
		sessionID              *string
	)
	err := row.Scan(
		&a.ID, &a.SiteID, &a.Username, &a.RemoteID, &a.Profile, &a.Turma,
		&quota, &used, &status, &sessionID, &sess, &bas,
		&a.LastPolledAt, &a.LastLoginAt, &a.LastLogoutAt, &a.LastQuotaResetAt, &a.LastExpiredAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return model.Account{}, err
	}
	a.QuotaTotalBytes = fromDB(quota)
	a.UsedBytes = fromDB(used)
	a.Status = model.AccountStatus(status)
	if sessionID != nil {
		a.ActiveSessionID = *sessionID
	}
	a.SessionBytesAtLastPoll = fromDB(sess)
	a.CounterBaseline = fromDB(bas)
	return a, nil
}

// Create inserts a new account row.
func (r *AccountRepo) Create(ctx context.Context, a *model.Account) error {
	const q = `
INSERT INTO accounts (id, site_id, username, remote_id, profile, turma,
  quota_total_bytes, used_bytes, status, counter_baseline, last_quota_reset_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING created_at, updated_at`
	err := r.db.Pool.QueryRow(ctx, q,
		a.ID, a.SiteID, a.Username, a.RemoteID, a.Profile, a.Turma,
		toDB(a.QuotaTotalBytes), toDB(a.UsedBytes), string(a.Status), toDB(a.CounterBaseline), a.LastQuotaResetAt,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Get returns a single account by id.
func (r *AccountRepo) Get(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	q := `SELECT ` + accountCols + ` FROM accounts WHERE id=$1`
	a, err := scanAccount(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ListBySite returns accounts of one site.
func (r *AccountRepo) ListBySite(ctx context.Context, siteID uuid.UUID) ([]model.Account, error) {
	return r.list(ctx, `SELECT `+accountCols+` FROM accounts WHERE site_id=$1 ORDER BY username`, siteID)
}

// ListByStatus returns accounts in the given status across all sites.
func (r *AccountRepo) ListByStatus(ctx context.Context, status model.AccountStatus) ([]model.Account, error) {
	return r.list(ctx, `SELECT `+accountCols+` FROM accounts WHERE status=$1 ORDER BY site_id, username`, string(status))
}

// ListAll returns every account.
func (r *AccountRepo) ListAll(ctx context.Context) ([]model.Account, error) {
	return r.list(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY site_id, username`)
}

func (r *AccountRepo) list(ctx context.Context, q string, args ...any) ([]model.Account, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveUsage writes the usage and session continuity columns.
func (r *AccountRepo) SaveUsage(ctx context.Context, a *model.Account) error {
	const q = `
UPDATE accounts SET used_bytes=$2, active_session_id=$3, session_bytes_at_last_poll=$4, counter_baseline=$5,
  last_polled_at=$6, last_login_at=$7, last_logout_at=$8, updated_at=now()
WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q,
		a.ID, toDB(a.UsedBytes), nullString(a.ActiveSessionID), toDB(a.SessionBytesAtLastPoll), toDB(a.CounterBaseline),
		a.LastPolledAt, a.LastLoginAt, a.LastLogoutAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// MarkExpired records a quota exhaustion together with the session fields and counter baseline
// the actuator left.
func (r *AccountRepo) MarkExpired(ctx context.Context, a *model.Account) error {
	const q = `
UPDATE accounts SET status='expired', active_session_id=$2, session_bytes_at_last_poll=$3,
  counter_baseline=$4, last_expired_at=$5, updated_at=now()
WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, a.ID, nullString(a.ActiveSessionID), toDB(a.SessionBytesAtLastPoll),
		toDB(a.CounterBaseline), a.LastExpiredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetStatus changes status of a non-expired account.
func (r *AccountRepo) SetStatus(ctx context.Context, id uuid.UUID, status model.AccountStatus) error {
	const q = `UPDATE accounts SET status=$2, updated_at=now() WHERE id=$1 AND status<>'expired'`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ResetQuota writes the renewal-owned columns.
func (r *AccountRepo) ResetQuota(ctx context.Context, a *model.Account) error {
	const q = `
UPDATE accounts SET quota_total_bytes=$2, used_bytes=$3, status=$4, counter_baseline=$5,
  last_quota_reset_at=$6, updated_at=now()
WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q,
		a.ID, toDB(a.QuotaTotalBytes), toDB(a.UsedBytes), string(a.Status), toDB(a.CounterBaseline), a.LastQuotaResetAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes an account row.
func (r *AccountRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM accounts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
