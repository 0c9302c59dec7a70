package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/netquota/hotspotd/internal/model"
)

// ConnectionLogRepo implements ConnectionLogRepository using PostgreSQL.
type ConnectionLogRepo struct{ db *DB }

// NewConnectionLogRepo constructs a connection log repository.
func NewConnectionLogRepo(db *DB) *ConnectionLogRepo { return &ConnectionLogRepo{db: db} }

// Append stores an entry and fills its id and timestamp.
func (r *ConnectionLogRepo) Append(ctx context.Context, e *model.ConnectionLogEntry) error {
	const q = `
INSERT INTO connection_logs (site_id, action, outcome, message, latency_ms)
VALUES ($1,$2,$3,$4,$5)
RETURNING id, created_at`
	return r.db.Pool.QueryRow(ctx, q, e.SiteID, e.Action, string(e.Outcome), e.Message, e.Latency.Milliseconds()).
		Scan(&e.ID, &e.CreatedAt)
}

// ListRecent returns the newest entries for a site.
func (r *ConnectionLogRepo) ListRecent(ctx context.Context, siteID uuid.UUID, limit int) ([]model.ConnectionLogEntry, error) {
	const q = `
SELECT id, site_id, action, outcome, message, latency_ms, created_at
FROM connection_logs WHERE site_id=$1
ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConnectionLogEntry
	for rows.Next() {
		var (
			e       model.ConnectionLogEntry
			outcome string
			ms      int64
		)
		if err = rows.Scan(&e.ID, &e.SiteID, &e.Action, &outcome, &e.Message, &ms, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Outcome = model.LogOutcome(outcome)
		e.Latency = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActivityRepo implements ActivityRepository using PostgreSQL.
type ActivityRepo struct{ db *DB }

// NewActivityRepo constructs an activity repository.
func NewActivityRepo(db *DB) *ActivityRepo { return &ActivityRepo{db: db} }

// Append stores an activity entry.
func (r *ActivityRepo) Append(ctx context.Context, e *model.ActivityEntry) error {
	const q = `
INSERT INTO activity_logs (kind, site_id, account_id, message)
VALUES ($1,$2,$3,$4)
RETURNING id, created_at`
	return r.db.Pool.QueryRow(ctx, q, e.Kind, e.SiteID, e.AccountID, e.Message).Scan(&e.ID, &e.CreatedAt)
}

// ListRecent returns the newest activity entries.
func (r *ActivityRepo) ListRecent(ctx context.Context, limit int) ([]model.ActivityEntry, error) {
	const q = `
SELECT id, kind, site_id, account_id, message, created_at
FROM activity_logs ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ActivityEntry
	for rows.Next() {
		var e model.ActivityEntry
		if err = rows.Scan(&e.ID, &e.Kind, &e.SiteID, &e.AccountID, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
