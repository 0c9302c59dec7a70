package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	u "github.com/gofrs/uuid/v5"

	"github.com/netquota/hotspotd/internal/model"
)

// ------- output views -------

// siteView is a Site without its sealed credential.
type siteView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Host         string     `json:"host"`
	Port         int        `json:"port,omitempty"`
	APIUser      string     `json:"api_user"`
	Status       string     `json:"status"`
	ActiveCohort string     `json:"active_cohort"`
	CheckedAt    *time.Time `json:"checked_at,omitempty"`
}

func toSiteView(s model.Site) siteView {
	return siteView{
		ID:           s.ID.String(),
		Name:         s.Name,
		Host:         s.Host,
		Port:         s.Port,
		APIUser:      s.APIUser,
		Status:       string(s.Status),
		ActiveCohort: string(s.ActiveCohort),
		CheckedAt:    s.CheckedAt,
	}
}

type accountView struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	RemoteID      string     `json:"remote_id"`
	Turma         string     `json:"turma,omitempty"`
	Profile       string     `json:"profile,omitempty"`
	Status        string     `json:"status"`
	Quota         string     `json:"quota"`
	Used          string     `json:"used"`
	Remaining     string     `json:"remaining"`
	QuotaBytes    uint64     `json:"quota_bytes"`
	UsedBytes     uint64     `json:"used_bytes"`
	ActiveSession string     `json:"active_session,omitempty"`
	LastPolledAt  *time.Time `json:"last_polled_at,omitempty"`
	LastExpiredAt *time.Time `json:"last_expired_at,omitempty"`
}

func toAccountView(a model.Account) accountView {
	var remaining uint64
	if a.QuotaTotalBytes > a.UsedBytes {
		remaining = a.QuotaTotalBytes - a.UsedBytes
	}
	return accountView{
		ID:            a.ID.String(),
		Username:      a.Username,
		RemoteID:      a.RemoteID,
		Turma:         a.Turma,
		Profile:       a.Profile,
		Status:        string(a.Status),
		Quota:         humanize.IBytes(a.QuotaTotalBytes),
		Used:          humanize.IBytes(a.UsedBytes),
		Remaining:     humanize.IBytes(remaining),
		QuotaBytes:    a.QuotaTotalBytes,
		UsedBytes:     a.UsedBytes,
		ActiveSession: a.ActiveSessionID,
		LastPolledAt:  a.LastPolledAt,
		LastExpiredAt: a.LastExpiredAt,
	}
}

// ------- validators -------

var errNeedID = errors.New("need -id")

func parseID(s string) (u.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return u.Nil, errNeedID
	}
	id, err := u.FromString(strings.TrimSpace(s))
	if err != nil {
		return u.Nil, fmt.Errorf("bad -id: %w", err)
	}
	return id, nil
}

// parseCohort accepts A, B, none, or empty for "use the site's stored cohort".
func parseCohort(s string) (model.Cohort, error) {
	if s == "" {
		return "", nil
	}
	c, ok := model.ParseCohort(s)
	if !ok {
		return "", fmt.Errorf("bad -cohort %q (want A, B or none)", s)
	}
	return c, nil
}

func encodeSealed(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
