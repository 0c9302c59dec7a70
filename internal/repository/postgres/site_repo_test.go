package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/netquota/hotspotd/internal/errs"
	"github.com/netquota/hotspotd/internal/model"
)

var siteColNames = []string{"id", "name", "host", "port", "api_user", "api_password", "status", "active_cohort", "checked_at", "created_at"}

func TestSiteRepo_List(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSiteRepo(db)

	ts := time.Now().UTC()
	rows := pgxmock.NewRows(siteColNames).
		AddRow(uuid.Must(uuid.NewV4()), "centro", "10.0.0.1", 443, "api", []byte("sealed"), "online", "A", &ts, ts).
		AddRow(uuid.Must(uuid.NewV4()), "norte", "10.0.0.2", 8443, "api", []byte("sealed"), "offline", "none", nil, ts)
	mock.ExpectQuery(`SELECT id, name, host, port .* FROM sites ORDER BY name`).WillReturnRows(rows)

	out, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, model.SiteOnline, out[0].Status)
	require.Equal(t, model.CohortA, out[0].ActiveCohort)
	require.Equal(t, 8443, out[1].Port)
	require.Nil(t, out[1].CheckedAt)
}

func TestSiteRepo_GetByName_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSiteRepo(db)

	mock.ExpectQuery(`FROM sites WHERE name=\$1`).WithArgs("nope").WillReturnError(pgx.ErrNoRows)
	_, err := r.GetByName(context.Background(), "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSiteRepo_Create_Defaults(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSiteRepo(db)

	s := &model.Site{ID: uuid.Must(uuid.NewV4()), Name: "sul", Host: "h", Port: 443, APIUser: "u", APIPassword: []byte("x")}
	ts := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO sites`).
		WithArgs(s.ID, "sul", "h", 443, "u", []byte("x"), "offline", "none").
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(ts))

	require.NoError(t, r.Create(context.Background(), s))
	require.Equal(t, model.CohortNone, s.ActiveCohort)
}

func TestSiteRepo_UpdateStatus(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSiteRepo(db)

	id := uuid.Must(uuid.NewV4())
	at := time.Now().UTC()
	mock.ExpectExec(`UPDATE sites SET status=\$2, checked_at=\$3 WHERE id=\$1`).
		WithArgs(id, "error", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.UpdateStatus(context.Background(), id, model.SiteError, at))

	mock.ExpectExec(`UPDATE sites SET active_cohort=\$2 WHERE id=\$1`).
		WithArgs(id, "B").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.SetActiveCohort(context.Background(), id, model.CohortB), errs.ErrNotFound)
}
