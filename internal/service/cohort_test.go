package service

import (
	"context"
	"testing"

	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/model"
)

func TestCohort_ConvergesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	a1 := h.account("ana", "A", 500, 0)
	b1 := h.account("bia", "B", 500, 0)
	a2 := h.account("caio", "A", 500, 0)
	a2.Status = model.StatusInactive
	h.accounts.put(*a2)
	exp := h.account("duda", "B", 500, 500)
	exp.Status = model.StatusExpired
	h.accounts.put(*exp)
	s := NewCohortService(h.deps)

	res, err := s.ApplyCohortPolicy(ctx, h.site, model.CohortA)
	if err != nil {
		t.Fatalf("ApplyCohortPolicy: %v", err)
	}
	if res != (model.CohortResult{Activated: 1, Deactivated: 1, Skipped: 1}) {
		t.Fatalf("result: %+v", res)
	}
	if st := h.accounts.get(a1.ID).Status; st != model.StatusActive {
		t.Fatalf("ana: %s", st)
	}
	if st := h.accounts.get(b1.ID).Status; st != model.StatusInactive {
		t.Fatalf("bia: %s", st)
	}
	if st := h.accounts.get(a2.ID).Status; st != model.StatusActive {
		t.Fatalf("caio: %s", st)
	}
	if st := h.accounts.get(exp.ID).Status; st != model.StatusExpired {
		t.Fatalf("expired account touched: %s", st)
	}
	if !h.dev.user("*bia").Disabled || h.dev.user("*caio").Disabled {
		t.Fatalf("device not converged")
	}
	site, _ := h.sites.Get(ctx, h.site.ID)
	if site.ActiveCohort != model.CohortA {
		t.Fatalf("active cohort not persisted: %s", site.ActiveCohort)
	}
	if len(h.conns.byAction(model.ActionCohortSync)) != 1 {
		t.Fatalf("cohort log missing")
	}

	calls := len(h.dev.enabledCalls)
	writes := h.accounts.statusSet
	res, err = s.ApplyCohortPolicy(ctx, h.site, model.CohortA)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Activated+res.Deactivated+res.Errors != 0 {
		t.Fatalf("second run changed something: %+v", res)
	}
	if len(h.dev.enabledCalls) != calls || h.accounts.statusSet != writes {
		t.Fatalf("second run wrote: device %d->%d ledger %d->%d",
			calls, len(h.dev.enabledCalls), writes, h.accounts.statusSet)
	}
	if len(h.conns.byAction(model.ActionCohortSync)) != 1 {
		t.Fatalf("idle run logged")
	}
}

func TestCohort_NoneEnablesEveryone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.site.ActiveCohort = model.CohortB
	h.sites.rows[h.site.ID] = *h.site
	for _, u := range []struct{ name, turma string }{{"ana", "A"}, {"bia", "B"}, {"eva", ""}} {
		a := h.account(u.name, u.turma, 500, 0)
		a.Status = model.StatusInactive
		h.accounts.put(*a)
	}

	res, err := NewCohortService(h.deps).ApplyCohortPolicy(context.Background(), h.site, model.CohortNone)
	if err != nil {
		t.Fatalf("ApplyCohortPolicy: %v", err)
	}
	if res.Activated != 3 {
		t.Fatalf("result: %+v", res)
	}
	if kinds := h.activity.kinds(); len(kinds) != 1 || kinds[0] != model.ActivityCohort {
		t.Fatalf("activity: %v", kinds)
	}
}

func TestCohort_AccountErrorDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.account("ana", "B", 500, 0)
	bia := h.account("bia", "B", 500, 0)
	h.dev.setEnabledErrs = []error{
		&gateway.RemoteError{Site: "campus", StatusCode: 500},
		&gateway.RemoteError{Site: "campus", StatusCode: 500},
	}

	res, err := NewCohortService(h.deps).ApplyCohortPolicy(context.Background(), h.site, model.CohortA)
	if err != nil {
		t.Fatalf("ApplyCohortPolicy: %v", err)
	}
	if res.Errors != 1 || res.Deactivated != 1 {
		t.Fatalf("result: %+v", res)
	}
	if st := h.accounts.get(bia.ID).Status; st != model.StatusInactive {
		t.Fatalf("bia: %s", st)
	}
}

func TestCohort_UnreachableSiteAborts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.account("ana", "B", 500, 0)
	h.account("bia", "B", 500, 0)
	down := &gateway.ConnectivityError{Site: "campus", Err: errBoom}
	h.dev.setEnabledErrs = []error{down, down, down, down}

	res, err := NewCohortService(h.deps).ApplyCohortPolicy(context.Background(), h.site, model.CohortA)
	if !gateway.IsConnectivity(err) {
		t.Fatalf("want connectivity error, got %v", err)
	}
	if res.Errors != 1 {
		t.Fatalf("result: %+v", res)
	}
	if len(h.dev.enabledCalls) != 2 {
		t.Fatalf("second account attempted after the site went down: %d calls", len(h.dev.enabledCalls))
	}
	logs := h.conns.byAction(model.ActionCohortSync)
	if len(logs) != 1 || logs[0].Outcome != model.OutcomeError {
		t.Fatalf("log: %+v", logs)
	}
}
