package service

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/model"
)

func expired(h *harness, username string, enabledOnDevice bool) *model.Account {
	a := h.account(username, "A", 500, 500)
	a.Status = model.StatusExpired
	h.accounts.put(*a)
	h.dev.addUser(a.RemoteID, username, "A", !enabledOnDevice)
	return a
}

func (h *harness) auditor() *AuditServiceImpl {
	return NewAuditService(h.deps, NewEnforcementService(h.deps))
}

func TestAudit_RepairsDrift(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	drifted := expired(h, "ana", true)
	expired(h, "bia", false)
	h.account("caio", "A", 500, 0)

	sum, err := h.auditor().AuditSite(context.Background(), h.site)
	require.NoError(t, err)

	assert.Equal(t, model.AuditSummary{Checked: 2, Corrected: 1}, sum)
	assert.True(t, h.dev.user("*ana").Disabled)
	assert.Equal(t, []enabledCall{{ID: "*ana", Enabled: false}}, h.dev.enabledCalls)
	assert.Equal(t, model.StatusExpired, h.accounts.get(drifted.ID).Status)
	assert.Equal(t, 500*mb, h.accounts.get(drifted.ID).UsedBytes)
	require.Len(t, h.conns.byAction(model.ActionAuditFix), 1)
	assert.Equal(t, []string{model.ActivityAuditFix}, h.activity.kinds())

	sum, err = h.auditor().AuditSite(context.Background(), h.site)
	require.NoError(t, err)
	assert.Zero(t, sum.Corrected)
}

func TestAudit_MissingOnDeviceCountsAsChecked(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := expired(h, "ana", false)
	h.dev.mu.Lock()
	delete(h.dev.users, a.RemoteID)
	h.dev.mu.Unlock()

	sum, err := h.auditor().AuditSite(context.Background(), h.site)
	require.NoError(t, err)
	assert.Equal(t, model.AuditSummary{Checked: 1}, sum)
}

func TestAudit_FailedCorrection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	expired(h, "ana", true)
	busy := &gateway.RemoteError{Site: "campus", StatusCode: 500}
	h.dev.setEnabledErrs = []error{busy, busy}

	sum, err := h.auditor().AuditSite(context.Background(), h.site)
	require.NoError(t, err)
	assert.Equal(t, model.AuditSummary{Checked: 1, Errors: 1}, sum)
	logs := h.conns.byAction(model.ActionAuditFix)
	require.Len(t, logs, 1)
	assert.Equal(t, model.OutcomeError, logs[0].Outcome)
	assert.Empty(t, h.activity.kinds())
}

func TestAudit_UnreachableSiteAborts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	expired(h, "ana", true)
	expired(h, "bia", true)
	h.dev.getErr = &gateway.ConnectivityError{Site: "campus", Err: errBoom}

	sum, err := h.auditor().AuditSite(context.Background(), h.site)
	assert.True(t, gateway.IsConnectivity(err))
	assert.Equal(t, 1, sum.Errors)
}

func TestAudit_EnforcesOverdueActiveAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.account("ana", "A", 1000, 1000)
	a.ActiveSessionID = "s1"
	a.SessionBytesAtLastPoll = 200 * mb
	h.accounts.put(*a)
	h.dev.session("ana", "s1", 200*mb)
	h.account("bia", "A", 1000, 999)

	sum, err := h.auditor().AuditSite(context.Background(), h.site)
	require.NoError(t, err)

	assert.Equal(t, model.AuditSummary{Checked: 1, Corrected: 1}, sum)
	got := h.accounts.get(a.ID)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Equal(t, 1000*mb, got.UsedBytes)
	assert.Empty(t, got.ActiveSessionID)
	assert.Equal(t, 200*mb, got.CounterBaseline)
	assert.Equal(t, []string{"s1"}, h.dev.removedSessions)
	assert.True(t, h.dev.user("*ana").Disabled)
	assert.False(t, h.dev.user("*bia").Disabled)
	assert.Contains(t, h.activity.kinds(), model.ActivityAuditFix)
	assert.Len(t, h.notifier.sent, 1)

	sum, err = h.auditor().AuditSite(context.Background(), h.site)
	require.NoError(t, err)
	assert.Equal(t, model.AuditSummary{Checked: 1}, sum)
}

func TestAudit_OverdueWithStaleSessionMarkers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.account("ana", "A", 1000, 1200)
	a.ActiveSessionID = "gone"
	a.SessionBytesAtLastPoll = 50 * mb
	h.accounts.put(*a)

	sum, err := h.auditor().AuditSite(context.Background(), h.site)
	require.NoError(t, err)
	assert.Equal(t, model.AuditSummary{Checked: 1, Corrected: 1}, sum)
	got := h.accounts.get(a.ID)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Empty(t, got.ActiveSessionID)
	assert.Equal(t, 50*mb, got.CounterBaseline)
}

// renewedAfterList hands out a listing read just before a renewal reactivated every expired row.
type renewedAfterList struct{ *memAccounts }

func (r renewedAfterList) ListBySite(ctx context.Context, siteID uuid.UUID) ([]model.Account, error) {
	rows, err := r.memAccounts.ListBySite(ctx, siteID)
	for _, a := range rows {
		if a.Status == model.StatusExpired {
			a.Status = model.StatusActive
			a.UsedBytes = 0
			r.put(a)
		}
	}
	return rows, err
}

func TestAudit_SkipsAccountRenewedSinceListing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := expired(h, "ana", true)
	d := h.deps
	d.Accounts = renewedAfterList{h.accounts}

	sum, err := NewAuditService(d, NewEnforcementService(d)).AuditSite(context.Background(), h.site)
	require.NoError(t, err)
	assert.Equal(t, model.AuditSummary{Checked: 1}, sum)
	assert.Empty(t, h.dev.enabledCalls)
	assert.False(t, h.dev.user(a.RemoteID).Disabled)
	assert.Equal(t, model.StatusActive, h.accounts.get(a.ID).Status)
	assert.Empty(t, h.conns.byAction(model.ActionAuditFix))
}
