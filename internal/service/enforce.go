package service

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/errs"
	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/metrics"
	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/notify"
	"github.com/netquota/hotspotd/internal/repository"
)

// ledgerWriteTimeout bounds ledger writes that must survive a cancelled cycle.
const ledgerWriteTimeout = 5 * time.Second

// Enforcement is one request to cut an account off.
type Enforcement struct {
	Site    *model.Site
	Client  gateway.Client
	Account *model.Account
	// Session is the live session to remove; nil when the account already logged out.
	Session *model.SessionSnapshot
	// Settings supply notification addresses; nil disables the email.
	Settings *model.Settings
}

// Enforcer is the enforcement actuator.
type Enforcer interface {
	// Enforce disconnects and disables the account remotely and marks it expired locally.
	// Remote failures are logged and reported in the result; the ledger is updated regardless.
	Enforce(ctx context.Context, e Enforcement) model.EnforceResult
	// Disconnect removes the live session of an account that is already expired. It reports
	// whether the session is gone; on success the session markers in e.Account are retired
	// and the caller persists them.
	Disconnect(ctx context.Context, e Enforcement) bool
}

type EnforcementServiceImpl struct {
	accounts repository.AccountRepository
	rec      *Recorder
	notifier notify.Notifier
	metrics  *metrics.Metrics
	clock    quartz.Clock
	retry    RetryPolicy
	settle   time.Duration
	log      *zap.Logger
}

var _ Enforcer = (*EnforcementServiceImpl)(nil)

// NewEnforcementService constructs the actuator.
func NewEnforcementService(d Deps) *EnforcementServiceImpl {
	d = d.withDefaults()
	return &EnforcementServiceImpl{
		accounts: d.Accounts,
		rec:      d.Recorder,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		clock:    d.Clock,
		retry:    d.Retry,
		settle:   d.Settle,
		log:      d.Logger.Named("enforce"),
	}
}

// Enforce implements Enforcer.
func (s *EnforcementServiceImpl) Enforce(ctx context.Context, e Enforcement) model.EnforceResult {
	a, site := e.Account, e.Site
	started := s.clock.Now()
	log := s.log.With(zap.String("site", site.Name), zap.String("account", a.Username))

	var res model.EnforceResult
	if e.Session != nil && e.Session.SessionID != "" {
		if err := s.removeSession(ctx, e); err != nil {
			log.Warn("remove session", zap.String("session", e.Session.SessionID), zap.Error(err))
		} else {
			res.SessionRemoved = true
			s.wait(ctx, s.settle)
		}
	}

	var disableErr error
	if a.RemoteID == "" {
		disableErr = fmt.Errorf("account %s has no device id: %w", a.Username, errs.ErrLedgerInconsistency)
	} else {
		disableErr = s.retry.Do(ctx, func() error {
			return e.Client.SetEnabled(ctx, a.RemoteID, false)
		})
	}
	res.Disabled = disableErr == nil
	if disableErr != nil {
		log.Warn("disable account", zap.Error(disableErr))
	}

	at := s.clock.Now()
	a.Status = model.StatusExpired
	a.LastExpiredAt = &at
	if e.Session == nil || res.SessionRemoved {
		a.RetireSession()
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	if err := s.retry.Do(wctx, func() error { return s.accounts.MarkExpired(wctx, a) }); err != nil {
		log.Error("mark expired", zap.Error(err))
	}
	cancel()

	if res.Disabled {
		r, err := e.Client.GetAccount(ctx, a.RemoteID)
		switch {
		case err != nil:
			log.Warn("verify disable", zap.Error(err))
		case !r.Disabled:
			log.Warn("account still enabled after disable; audit will retry")
		default:
			res.Verified = true
		}
	}

	msg := fmt.Sprintf("%s used %s of %s", a.Username, humanize.IBytes(a.UsedBytes), humanize.IBytes(a.QuotaTotalBytes))
	s.rec.Connection(ctx, site.ID, model.ActionDisconnect, started, disableErr, msg)
	s.rec.Activity(ctx, model.ActivityExpire, &site.ID, &a.ID, msg)
	s.metrics.Enforced(site.Name, res.Disabled)
	log.Info("account expired",
		zap.Uint64("used", a.UsedBytes),
		zap.Uint64("quota", a.QuotaTotalBytes),
		zap.Bool("session_removed", res.SessionRemoved),
		zap.Bool("disabled", res.Disabled),
		zap.Bool("verified", res.Verified))

	s.notify(ctx, e, at, log)
	return res
}

// Disconnect implements Enforcer.
func (s *EnforcementServiceImpl) Disconnect(ctx context.Context, e Enforcement) bool {
	a, site := e.Account, e.Site
	if e.Session == nil || e.Session.SessionID == "" {
		return true
	}
	started := s.clock.Now()
	log := s.log.With(zap.String("site", site.Name), zap.String("account", a.Username))
	err := s.removeSession(ctx, e)
	msg := fmt.Sprintf("%s expired with a live session %s", a.Username, e.Session.SessionID)
	s.rec.Connection(ctx, site.ID, model.ActionDisconnect, started, err, msg)
	if err != nil {
		log.Warn("remove session of expired account", zap.String("session", e.Session.SessionID), zap.Error(err))
		return false
	}
	a.RetireSession()
	log.Info("session of expired account removed", zap.String("session", e.Session.SessionID))
	return true
}

// removeSession removes e.Session with retry. A session the device no longer knows counts as removed.
func (s *EnforcementServiceImpl) removeSession(ctx context.Context, e Enforcement) error {
	return s.retry.Do(ctx, func() error {
		err := e.Client.RemoveSession(ctx, e.Session.SessionID)
		if gateway.IsNotFound(err) {
			return nil
		}
		return err
	})
}

func (s *EnforcementServiceImpl) notify(ctx context.Context, e Enforcement, at time.Time, log *zap.Logger) {
	if e.Settings == nil || e.Settings.NotifyTo == "" {
		return
	}
	msg := notify.CreditExhausted(e.Settings.NotifyFrom, e.Settings.NotifyTo, notify.Exhaustion{
		System:   e.Settings.SystemName,
		Site:     e.Site.Name,
		Username: e.Account.Username,
		Quota:    e.Account.QuotaTotalBytes,
		Used:     e.Account.UsedBytes,
		At:       at,
	})
	if err := s.notifier.Send(ctx, msg); err != nil {
		log.Warn("send exhaustion email", zap.Error(err))
	}
}

func (s *EnforcementServiceImpl) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := s.clock.NewTimer(d, "enforce", "settle")
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
