package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netquota/hotspotd/internal/errs"
	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/model"
)

func renew(t *testing.T, h *harness, mode model.QuotaMode) model.RenewalSummary {
	t.Helper()
	h.settings.s.QuotaMode = mode
	s := NewRenewalService(h.deps)
	st, err := s.Policy(context.Background())
	require.NoError(t, err)
	sum, err := s.RenewSite(context.Background(), h.site, st)
	require.NoError(t, err)
	return sum
}

func TestRenewal_Accumulate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.account("ana", "A", 1000, 600)

	sum := renew(t, h, model.QuotaAccumulate)

	got := h.accounts.get(a.ID)
	assert.Equal(t, 900*mb, got.QuotaTotalBytes)
	assert.Zero(t, got.UsedBytes)
	assert.Equal(t, model.StatusActive, got.Status)
	require.NotNil(t, got.LastQuotaResetAt)
	assert.Equal(t, model.RenewalSummary{Renewed: 1}, sum)
}

func TestRenewal_Reset(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.account("ana", "A", 1000, 600)
	b := h.account("bia", "A", 200, 0)

	renew(t, h, model.QuotaReset)

	assert.Equal(t, 500*mb, h.accounts.get(a.ID).QuotaTotalBytes)
	assert.Equal(t, 500*mb, h.accounts.get(b.ID).QuotaTotalBytes)
	assert.Zero(t, h.accounts.get(a.ID).UsedBytes)
}

func TestRenewal_ExpiredGetsAllotmentAndIsReEnabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.account("ana", "A", 1000, 1200)
	a.Status = model.StatusExpired
	h.accounts.put(*a)
	h.dev.addUser("*ana", "ana", "A", true)

	sum := renew(t, h, model.QuotaAccumulate)

	got := h.accounts.get(a.ID)
	assert.Equal(t, 500*mb, got.QuotaTotalBytes)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.False(t, h.dev.user("*ana").Disabled)
	assert.Equal(t, model.RenewalSummary{Renewed: 1, Reactivated: 1}, sum)
}

func TestRenewal_ExpiredOutsideCohortBecomesInactive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.site.ActiveCohort = model.CohortB
	a := h.account("ana", "A", 1000, 1200)
	a.Status = model.StatusExpired
	h.accounts.put(*a)
	h.dev.addUser("*ana", "ana", "A", true)

	sum := renew(t, h, model.QuotaReset)

	assert.Equal(t, model.StatusInactive, h.accounts.get(a.ID).Status)
	assert.True(t, h.dev.user("*ana").Disabled)
	assert.Empty(t, h.dev.enabledCalls)
	assert.Zero(t, sum.Reactivated)
}

func TestRenewal_ReEnableFailureLeavesAccountInactive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.account("ana", "A", 1000, 1200)
	a.Status = model.StatusExpired
	h.accounts.put(*a)
	busy := &gateway.RemoteError{Site: "campus", StatusCode: 500}
	h.dev.setEnabledErrs = []error{busy, busy}

	sum := renew(t, h, model.QuotaAccumulate)

	got := h.accounts.get(a.ID)
	assert.Equal(t, model.StatusInactive, got.Status, "a renewed account is never left expired")
	assert.Equal(t, 500*mb, got.QuotaTotalBytes, "the ledger is renewed regardless")
	assert.Zero(t, got.UsedBytes)
	assert.Equal(t, 1, sum.Errors)

	// The next cohort pass finishes the re-enable.
	_, err := NewCohortService(h.deps).ApplyCohortPolicy(context.Background(), h.site, model.CohortNone)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, h.accounts.get(a.ID).Status)
	assert.False(t, h.dev.user("*ana").Disabled)
}

func TestRenewal_CountersAndBaseline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.account("ana", "A", 1000, 100)
	a.CounterBaseline = 300 * mb
	h.accounts.put(*a)

	renew(t, h, model.QuotaAccumulate)
	assert.Equal(t, []string{"*ana"}, h.dev.resets)
	assert.Zero(t, h.accounts.get(a.ID).CounterBaseline)

	h.dev.resetErr = &gateway.RemoteError{Site: "campus", StatusCode: 500}
	h.dev.mu.Lock()
	h.dev.users["*ana"].BytesIn = 70 * mb
	h.dev.mu.Unlock()
	renew(t, h, model.QuotaAccumulate)
	assert.Equal(t, 70*mb, h.accounts.get(a.ID).CounterBaseline)
}

func TestRenewal_UnreachableDeviceStillRenewsLedger(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.account("ana", "A", 1000, 600)
	b := h.account("bia", "A", 1000, 1000)
	b.Status = model.StatusExpired
	h.accounts.put(*b)
	down := &gateway.ConnectivityError{Site: "campus", Err: errBoom}
	h.dev.resetErr = down

	sum := renew(t, h, model.QuotaAccumulate)

	assert.Equal(t, 900*mb, h.accounts.get(a.ID).QuotaTotalBytes)
	assert.Equal(t, model.StatusExpired, h.accounts.get(b.ID).Status)
	assert.Len(t, h.dev.resets, 2, "device calls stop after the site went down")
	assert.Empty(t, h.dev.enabledCalls)
	assert.Equal(t, 1, sum.Renewed)
	assert.Equal(t, 1, sum.Errors)
	logs := h.conns.byAction(model.ActionCreditReset)
	require.Len(t, logs, 1)
	assert.Equal(t, model.OutcomeError, logs[0].Outcome)
}

func TestRenewal_PolicyRequiresSettings(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.settings.s = nil

	_, err := NewRenewalService(h.deps).Policy(context.Background())
	assert.True(t, errors.Is(err, errs.ErrSettingsMissing))
}

func TestRenewal_Report(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := NewRenewalService(h.deps)
	st, err := s.Policy(context.Background())
	require.NoError(t, err)

	s.Report(context.Background(), st, model.RenewalSummary{Renewed: 4, Reactivated: 1})

	assert.Equal(t, []string{model.ActivityCreditReset}, h.activity.kinds())
	require.Len(t, h.notifier.sent, 1)
	assert.Contains(t, h.notifier.sent[0].Body, "Renewed:       4")
}
