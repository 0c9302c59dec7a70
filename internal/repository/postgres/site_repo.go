package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/netquota/hotspotd/internal/errs"
	"github.com/netquota/hotspotd/internal/model"
)

// SiteRepo implements SiteRepository using PostgreSQL.
type SiteRepo struct{ db *DB }

// NewSiteRepo constructs a site repository.
func NewSiteRepo(db *DB) *SiteRepo { return &SiteRepo{db: db} }

const siteCols = `id, name, host, port, api_user, api_password, status, active_cohort, checked_at, created_at`

func scanSite(row rowScanner) (model.Site, error) {
	var (
		s              model.Site
		status, cohort string
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Host, &s.Port, &s.APIUser, &s.APIPassword,
		&status, &cohort, &s.CheckedAt, &s.CreatedAt); err != nil {
		return model.Site{}, err
	}
	s.Status = model.SiteStatus(status)
	s.ActiveCohort = model.Cohort(cohort)
	return s, nil
}

// Create inserts a site.
func (r *SiteRepo) Create(ctx context.Context, s *model.Site) error {
	const q = `
INSERT INTO sites (id, name, host, port, api_user, api_password, status, active_cohort)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING created_at`
	if s.Status == "" {
		s.Status = model.SiteOffline
	}
	if s.ActiveCohort == "" {
		s.ActiveCohort = model.CohortNone
	}
	err := r.db.Pool.QueryRow(ctx, q, s.ID, s.Name, s.Host, s.Port, s.APIUser, s.APIPassword,
		string(s.Status), string(s.ActiveCohort)).Scan(&s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Get returns a site by id.
func (r *SiteRepo) Get(ctx context.Context, id uuid.UUID) (*model.Site, error) {
	return r.one(ctx, `SELECT `+siteCols+` FROM sites WHERE id=$1`, id)
}

// GetByName returns a site by name.
func (r *SiteRepo) GetByName(ctx context.Context, name string) (*model.Site, error) {
	return r.one(ctx, `SELECT `+siteCols+` FROM sites WHERE name=$1`, name)
}

func (r *SiteRepo) one(ctx context.Context, q string, arg any) (*model.Site, error) {
	s, err := scanSite(r.db.Pool.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// List returns all sites.
func (r *SiteRepo) List(ctx context.Context) ([]model.Site, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+siteCols+` FROM sites ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateStatus records a connectivity observation.
func (r *SiteRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status model.SiteStatus, at time.Time) error {
	const q = `UPDATE sites SET status=$2, checked_at=$3 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetActiveCohort changes the active turma.
func (r *SiteRepo) SetActiveCohort(ctx context.Context, id uuid.UUID, c model.Cohort) error {
	const q = `UPDATE sites SET active_cohort=$2 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(c))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
