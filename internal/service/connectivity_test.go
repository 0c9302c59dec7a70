package service

import (
	"context"
	"errors"
	"testing"

	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/model"
)

func TestStatusFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want model.SiteStatus
	}{
		{"ok", nil, model.SiteOnline},
		{"unreachable", &gateway.ConnectivityError{Site: "s", Err: errBoom}, model.SiteOffline},
		{"wrapped unreachable", errors.Join(errBoom, &gateway.ConnectivityError{Site: "s", Err: errBoom}), model.SiteOffline},
		{"auth", &gateway.AuthError{Site: "s"}, model.SiteError},
		{"remote", &gateway.RemoteError{Site: "s", StatusCode: 500}, model.SiteError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := StatusFor(tc.err); got != tc.want {
				t.Fatalf("StatusFor(%v)=%s want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestConnectivity_CheckSite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	sink := &fakeSink{}
	s := NewConnectivityService(h.deps, sink)

	st, err := s.CheckSite(ctx, h.site)
	if err != nil || st != model.SiteOnline {
		t.Fatalf("online check: %s %v", st, err)
	}
	logs := h.conns.byAction(model.ActionTestConn)
	if len(logs) != 1 || logs[0].Message != `identity "MikroTik"` {
		t.Fatalf("log: %+v", logs)
	}

	h.dev.identityErr = &gateway.ConnectivityError{Site: "campus", Err: errBoom}
	st, err = s.CheckSite(ctx, h.site)
	if err == nil || st != model.SiteOffline {
		t.Fatalf("offline check: %s %v", st, err)
	}
	if sink.seen["campus"] != model.SiteOffline {
		t.Fatalf("sink: %v", sink.seen)
	}

	h.dev.identityErr = &gateway.AuthError{Site: "campus"}
	st, _ = s.CheckSite(ctx, h.site)
	stored, _ := h.sites.Get(ctx, h.site.ID)
	if st != model.SiteError || stored.Status != model.SiteError || stored.CheckedAt == nil {
		t.Fatalf("auth check: %s stored=%+v", st, stored)
	}
	if got := h.sites.marks; len(got) != 3 {
		t.Fatalf("status writes: %v", got)
	}
}

func TestConnectivity_BadCredentials(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deps.Gateways = &fakeFactory{err: errors.New("open api password: cipher: message authentication failed")}

	st, err := NewConnectivityService(h.deps, nil).CheckSite(context.Background(), h.site)
	if err == nil || st != model.SiteError {
		t.Fatalf("got %s %v", st, err)
	}
}
