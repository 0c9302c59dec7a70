// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// MB is the byte multiplier used for quota settings.
const MB uint64 = 1024 * 1024

// AccountStatus is the ledger lifecycle state of a hotspot account.
type AccountStatus string

const (
	StatusActive   AccountStatus = "active"
	StatusInactive AccountStatus = "inactive"
	StatusExpired  AccountStatus = "expired"
)

// SiteStatus reflects the last connectivity observation for a site's device.
type SiteStatus string

const (
	SiteOnline  SiteStatus = "online"
	SiteOffline SiteStatus = "offline"
	SiteError   SiteStatus = "error"
)

// Cohort is the turma currently allowed online at a site.
type Cohort string

const (
	CohortA    Cohort = "A"
	CohortB    Cohort = "B"
	CohortNone Cohort = "none"
)

// ParseCohort accepts A, B or none (case-insensitive for "none").
func ParseCohort(s string) (Cohort, bool) {
	switch s {
	case "A", "a":
		return CohortA, true
	case "B", "b":
		return CohortB, true
	case "none", "None", "NONE", "":
		return CohortNone, true
	}
	return "", false
}

// Admits reports whether an account labelled turma should be enabled under this cohort.
func (c Cohort) Admits(turma string) bool {
	return c == CohortNone || c == "" || string(c) == turma
}

// QuotaMode selects how the daily renewal treats unused balance.
type QuotaMode string

const (
	QuotaReset      QuotaMode = "reset"
	QuotaAccumulate QuotaMode = "accumulate"
)

// Site is one deployment fronted by a router device.
type Site struct {
	ID           uuid.UUID
	Name         string
	Host         string
	Port         int
	APIUser      string
	APIPassword  []byte // sealed with the service secret, never plaintext
	Status       SiteStatus
	ActiveCohort Cohort
	CheckedAt    *time.Time
	CreatedAt    time.Time
}

// Account is the ledger row for one hotspot user.
type Account struct {
	ID       uuid.UUID
	SiteID   uuid.UUID
	Username string
	RemoteID string // device ".id", e.g. "*1A"
	Profile  string
	Turma    string

	QuotaTotalBytes uint64
	UsedBytes       uint64
	Status          AccountStatus

	// Session continuity. ActiveSessionID is empty when no live session is known.
	ActiveSessionID        string
	SessionBytesAtLastPoll uint64
	// CounterBaseline is the device's cumulative per-account counter already attributed to UsedBytes.
	CounterBaseline uint64

	LastPolledAt     *time.Time
	LastLoginAt      *time.Time
	LastLogoutAt     *time.Time
	LastQuotaResetAt *time.Time
	LastExpiredAt    *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Exceeds reports whether used bytes reach the quota; a zero quota never triggers.
func (a *Account) Exceeds(used uint64) bool {
	return a.QuotaTotalBytes > 0 && used >= a.QuotaTotalBytes
}

// RemainingBytes returns the unused balance, never negative.
func (a *Account) RemainingBytes() uint64 {
	if a.UsedBytes >= a.QuotaTotalBytes {
		return 0
	}
	return a.QuotaTotalBytes - a.UsedBytes
}

// ClearSession drops session continuity markers.
func (a *Account) ClearSession() {
	a.ActiveSessionID = ""
	a.SessionBytesAtLastPoll = 0
}

// SkipPolled moves the bytes already polled from the current session into CounterBaseline.
// Used when a session ends without a counter read, so a later read of the device's cumulative
// counter only yields what was never polled.
func (a *Account) SkipPolled() {
	a.CounterBaseline += a.SessionBytesAtLastPoll
}

// RetireSession drops the session markers of a session that was cut off without a counter read.
func (a *Account) RetireSession() {
	a.SkipPolled()
	a.ClearSession()
}

// SessionSnapshot is one live session as reported by the device.
type SessionSnapshot struct {
	SessionID string
	Username  string
	BytesIn   uint64
	BytesOut  uint64
}

// Total returns bytes in + out.
func (s SessionSnapshot) Total() uint64 { return s.BytesIn + s.BytesOut }

// RemoteAccountSnapshot is one device-side account with its cumulative counters.
type RemoteAccountSnapshot struct {
	RemoteID string
	Username string
	BytesIn  uint64
	BytesOut uint64
	Disabled bool
	Comment  string
	Profile  string
	Server   string
}

// Total returns bytes in + out.
func (r RemoteAccountSnapshot) Total() uint64 { return r.BytesIn + r.BytesOut }

// NewRemoteAccount is the payload for provisioning an account on a device.
type NewRemoteAccount struct {
	Username string
	Password string
	Profile  string
	Comment  string
	Disabled bool
}

// LogOutcome is the result recorded in a connection log entry.
type LogOutcome string

const (
	OutcomeSuccess LogOutcome = "success"
	OutcomeError   LogOutcome = "error"
)

// ConnectionLogEntry is an append-only record of one remote interaction.
type ConnectionLogEntry struct {
	ID        int64
	SiteID    uuid.UUID
	Action    string
	Outcome   LogOutcome
	Message   string
	Latency   time.Duration
	CreatedAt time.Time
}

// Connection log actions.
const (
	ActionUsagePoll     = "usagePoll"
	ActionDisconnect    = "userDisconnectedByLimit"
	ActionCohortSync    = "cohortSync"
	ActionCreditReset   = "creditReset"
	ActionAuditFix      = "auditFix"
	ActionTestConn      = "testConnection"
	ActionImport        = "importUsers"
	ActionProvision     = "createUser"
	ActionRemoveAccount = "deleteUser"
	ActionSetQuota      = "updateCredits"
)

// ActivityEntry is a system-level activity record.
type ActivityEntry struct {
	ID        int64
	Kind      string
	SiteID    *uuid.UUID
	AccountID *uuid.UUID
	Message   string
	CreatedAt time.Time
}

// Activity kinds.
const (
	ActivityCreditReset = "system_credit_reset"
	ActivityExpire      = "hotspot_user_expire"
	ActivityCredit      = "hotspot_user_credit"
	ActivityCohort      = "cohort_sync"
	ActivityAuditFix    = "audit_fix"
	ActivityImport      = "hotspot_user_import"
	ActivityDelete      = "hotspot_user_delete"
)

// Settings holds system-wide quota and notification policy.
type Settings struct {
	DailyCreditMB   uint64
	QuotaMode       QuotaMode
	CreditResetTime string // HH:MM in Timezone
	Timezone        string
	NotifyFrom      string
	NotifyTo        string
	SystemName      string
	UpdatedAt       time.Time
}

// DailyAllotmentBytes converts the configured daily credit to bytes.
func (s *Settings) DailyAllotmentBytes() uint64 { return s.DailyCreditMB * MB }

// DefaultSettings mirrors the values seeded by migrations.
func DefaultSettings() Settings {
	return Settings{
		DailyCreditMB:   500,
		QuotaMode:       QuotaAccumulate,
		CreditResetTime: "03:00",
		Timezone:        "America/Sao_Paulo",
		SystemName:      "hotspotd",
	}
}

// CycleSummary aggregates one reconciliation cycle for a site.
type CycleSummary struct {
	Site      string `json:"site"`
	Processed int    `json:"processed"`
	Updated   int    `json:"updated"`
	LoggedOut int    `json:"logged_out"`
	Expired   int    `json:"expired"`
	Errors    int    `json:"errors"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// EnforceResult reports what the actuator achieved remotely.
type EnforceResult struct {
	SessionRemoved bool `json:"session_removed"`
	Disabled       bool `json:"disabled"`
	Verified       bool `json:"verified"`
}

// CohortResult aggregates one cohort policy pass for a site.
type CohortResult struct {
	Activated   int `json:"activated"`
	Deactivated int `json:"deactivated"`
	Skipped     int `json:"skipped"`
	Errors      int `json:"errors"`
}

// RenewalSummary aggregates one daily renewal run.
type RenewalSummary struct {
	Renewed     int `json:"renewed"`
	Reactivated int `json:"reactivated"`
	Errors      int `json:"errors"`
}

// AuditSummary aggregates one audit sweep.
type AuditSummary struct {
	Checked   int `json:"checked"`
	Corrected int `json:"corrected"`
	Errors    int `json:"errors"`
}

// ImportSummary aggregates one import from a device.
type ImportSummary struct {
	Site     string `json:"site"`
	Seen     int    `json:"seen"`
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"`
	Errors   int    `json:"errors"`
}
