package service

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/metrics"
	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/repository"
)

// Reconciler turns device session counters into ledger usage.
type Reconciler interface {
	// ReconcileSite runs one cycle for a site. Per-account failures are counted in the summary;
	// an error is returned only when the whole site could not be processed.
	ReconcileSite(ctx context.Context, site *model.Site) (model.CycleSummary, error)
}

type ReconcileServiceImpl struct {
	accounts repository.AccountRepository
	settings repository.SettingsRepository
	gateways gateway.Factory
	enforcer Enforcer
	status   *siteStatus
	rec      *Recorder
	metrics  *metrics.Metrics
	clock    quartz.Clock
	log      *zap.Logger
}

var _ Reconciler = (*ReconcileServiceImpl)(nil)

// NewReconcileService constructs the engine. sink may be nil.
func NewReconcileService(d Deps, enforcer Enforcer, sink StatusSink) *ReconcileServiceImpl {
	d = d.withDefaults()
	return &ReconcileServiceImpl{
		accounts: d.Accounts,
		settings: d.Settings,
		gateways: d.Gateways,
		enforcer: enforcer,
		status:   d.siteStatus(sink, "reconcile"),
		rec:      d.Recorder,
		metrics:  d.Metrics,
		clock:    d.Clock,
		log:      d.Logger.Named("reconcile"),
	}
}

type accountOutcome int

const (
	outcomeUnchanged accountOutcome = iota
	outcomeUpdated
	outcomeLoggedOut
	outcomeExpired
)

// ReconcileSite implements Reconciler.
func (s *ReconcileServiceImpl) ReconcileSite(ctx context.Context, site *model.Site) (model.CycleSummary, error) {
	sum := model.CycleSummary{Site: site.Name}
	started := s.clock.Now()

	settings, err := s.settings.Get(ctx)
	if err != nil {
		return sum, fmt.Errorf("load settings: %w", err)
	}
	client, err := s.gateways.ForSite(site)
	if err != nil {
		s.rec.Connection(ctx, site.ID, model.ActionUsagePoll, started, err, "")
		return sum, err
	}
	sessions, err := client.ListActiveSessions(ctx)
	if err != nil {
		if gateway.IsSiteLevel(err) {
			s.status.observe(ctx, site, err)
		}
		s.rec.Connection(ctx, site.ID, model.ActionUsagePoll, started, err, "list active sessions")
		return sum, err
	}
	if site.Status != model.SiteOnline {
		s.status.observe(ctx, site, nil)
	}
	accounts, err := s.accounts.ListBySite(ctx, site.ID)
	if err != nil {
		return sum, fmt.Errorf("list accounts: %w", err)
	}

	live := make(map[string]model.SessionSnapshot, len(sessions))
	for _, ss := range sessions {
		if _, dup := live[ss.Username]; dup {
			s.log.Debug("ignoring extra session", zap.String("site", site.Name), zap.String("account", ss.Username), zap.String("session", ss.SessionID))
			continue
		}
		live[ss.Username] = ss
	}

	tail := &counterTail{client: client, log: s.log.With(zap.String("site", site.Name))}
	for i := range accounts {
		if err := ctx.Err(); err != nil {
			s.finish(ctx, site, started, &sum, err)
			return sum, err
		}
		a := &accounts[i]
		var current *model.SessionSnapshot
		if ss, ok := live[a.Username]; ok {
			current = &ss
		}
		sum.Processed++
		out, err := s.reconcileAccount(ctx, site, client, settings, a, current, tail)
		if err != nil {
			sum.Errors++
			s.log.Warn("reconcile account", zap.String("site", site.Name), zap.String("account", a.Username), zap.Error(err))
			continue
		}
		switch out {
		case outcomeUpdated:
			sum.Updated++
		case outcomeLoggedOut:
			sum.LoggedOut++
		case outcomeExpired:
			sum.Expired++
		}
	}
	s.finish(ctx, site, started, &sum, nil)
	return sum, nil
}

func (s *ReconcileServiceImpl) finish(ctx context.Context, site *model.Site, started time.Time, sum *model.CycleSummary, cause error) {
	s.metrics.ObserveCycle(*sum)
	if sum.Updated+sum.LoggedOut+sum.Expired+sum.Errors == 0 && cause == nil {
		return
	}
	msg := fmt.Sprintf("processed %d, updated %d, logged out %d, expired %d, errors %d",
		sum.Processed, sum.Updated, sum.LoggedOut, sum.Expired, sum.Errors)
	s.rec.Connection(ctx, site.ID, model.ActionUsagePoll, started, cause, msg)
	s.log.Info("cycle finished", zap.String("site", site.Name), zap.String("summary", msg), zap.Error(cause))
}

// reconcileAccount applies one account's session observation. current is nil when the
// device reports no live session for the account.
func (s *ReconcileServiceImpl) reconcileAccount(
	ctx context.Context,
	site *model.Site,
	client gateway.Client,
	settings *model.Settings,
	a *model.Account,
	current *model.SessionSnapshot,
	tail *counterTail,
) (accountOutcome, error) {
	now := s.clock.Now()

	if current == nil {
		if a.ActiveSessionID == "" {
			return outcomeUnchanged, nil
		}
		fold := tail.fold(ctx, a)
		a.UsedBytes += fold
		a.ClearSession()
		a.LastLogoutAt = &now
		a.LastPolledAt = &now
		if err := s.save(ctx, a); err != nil {
			return outcomeUnchanged, err
		}
		s.log.Debug("session closed", zap.String("account", a.Username), zap.Uint64("delta", fold), zap.Uint64("used", a.UsedBytes))
		if fold > 0 && a.Status == model.StatusActive && a.Exceeds(a.UsedBytes) {
			s.enforcer.Enforce(ctx, Enforcement{Site: site, Client: client, Account: a, Settings: settings})
			return outcomeExpired, nil
		}
		return outcomeLoggedOut, nil
	}

	total := current.Total()
	newSession := current.SessionID != a.ActiveSessionID
	var fold uint64
	if newSession && a.ActiveSessionID != "" {
		// The previous session closed between two polls.
		fold = tail.fold(ctx, a)
		a.LastLogoutAt = &now
	}
	last := a.SessionBytesAtLastPoll
	if newSession || total < last {
		// New session or a counter that went backwards: restart the baseline at zero.
		last = 0
	}
	delta := total - last
	increment := fold + delta

	changed := increment > 0 || newSession || last != a.SessionBytesAtLastPoll
	if changed {
		a.UsedBytes += increment
		a.ActiveSessionID = current.SessionID
		a.SessionBytesAtLastPoll = total
		a.LastPolledAt = &now
		if newSession {
			a.LastLoginAt = &now
		}
		if err := s.save(ctx, a); err != nil {
			return outcomeUnchanged, err
		}
	}
	if increment > 0 {
		s.log.Debug("usage",
			zap.String("account", a.Username),
			zap.Uint64("delta", increment),
			zap.Uint64("used", a.UsedBytes),
			zap.Uint64("quota", a.QuotaTotalBytes))
	}

	switch {
	case a.Status == model.StatusExpired:
		// An earlier removal failed; keep trying while the session lives.
		s.disconnect(ctx, site, client, a, current)
	case increment > 0 && a.Status == model.StatusActive && a.Exceeds(a.UsedBytes):
		s.enforcer.Enforce(ctx, Enforcement{Site: site, Client: client, Account: a, Session: current, Settings: settings})
		return outcomeExpired, nil
	}
	if !changed {
		return outcomeUnchanged, nil
	}
	return outcomeUpdated, nil
}

// disconnect removes the live session of an expired account and persists the retired markers.
func (s *ReconcileServiceImpl) disconnect(ctx context.Context, site *model.Site, client gateway.Client, a *model.Account, current *model.SessionSnapshot) {
	if !s.enforcer.Disconnect(ctx, Enforcement{Site: site, Client: client, Account: a, Session: current}) {
		return
	}
	if err := s.save(ctx, a); err != nil {
		s.log.Warn("save retired session", zap.String("account", a.Username), zap.Error(err))
	}
}

func (s *ReconcileServiceImpl) save(ctx context.Context, a *model.Account) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	if err := s.accounts.SaveUsage(wctx, a); err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	return nil
}

// counterTail recovers the bytes a session moved after its last poll from the device's
// cumulative per-account counters. The account list is read at most once per cycle and
// only when a session close was observed.
type counterTail struct {
	client gateway.Client
	log    *zap.Logger

	loaded bool
	err    error
	byID   map[string]model.RemoteAccountSnapshot
	byName map[string]model.RemoteAccountSnapshot
}

// fold returns the unpolled remainder of a's closed session and advances a.CounterBaseline.
// When the counters are unavailable it returns 0 and only skips the polled part in the
// baseline; the unpolled remainder is recovered by a later fold.
func (t *counterTail) fold(ctx context.Context, a *model.Account) uint64 {
	if !t.loaded {
		t.loaded = true
		list, err := t.client.ListAccounts(ctx)
		if err != nil {
			t.err = err
			t.log.Warn("read account counters; closed sessions fold nothing this cycle", zap.Error(err))
		}
		t.byID = make(map[string]model.RemoteAccountSnapshot, len(list))
		t.byName = make(map[string]model.RemoteAccountSnapshot, len(list))
		for _, r := range list {
			t.byID[r.RemoteID] = r
			t.byName[r.Username] = r
		}
	}
	if t.err != nil {
		a.SkipPolled()
		return 0
	}
	r, ok := t.byID[a.RemoteID]
	if !ok || a.RemoteID == "" {
		if r, ok = t.byName[a.Username]; !ok {
			a.SkipPolled()
			return 0
		}
	}
	counter := r.Total()
	closed := counter
	if counter >= a.CounterBaseline {
		closed = counter - a.CounterBaseline
	}
	a.CounterBaseline = counter
	if closed <= a.SessionBytesAtLastPoll {
		return 0
	}
	return closed - a.SessionBytesAtLastPoll
}
