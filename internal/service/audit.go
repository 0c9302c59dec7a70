package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/metrics"
	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/repository"
)

// AuditService repairs drift between the ledger's credit state and the device.
type AuditService interface {
	// AuditSite disables again every locally expired account that the device reports enabled,
	// and enforces active accounts whose usage already reached their quota. It never changes usage.
	AuditSite(ctx context.Context, site *model.Site) (model.AuditSummary, error)
}

type AuditServiceImpl struct {
	accounts repository.AccountRepository
	settings repository.SettingsRepository
	gateways gateway.Factory
	enforcer Enforcer
	rec      *Recorder
	metrics  *metrics.Metrics
	clock    quartz.Clock
	retry    RetryPolicy
	log      *zap.Logger
}

var _ AuditService = (*AuditServiceImpl)(nil)

// NewAuditService constructs AuditService.
func NewAuditService(d Deps, enforcer Enforcer) *AuditServiceImpl {
	d = d.withDefaults()
	return &AuditServiceImpl{
		accounts: d.Accounts,
		settings: d.Settings,
		gateways: d.Gateways,
		enforcer: enforcer,
		rec:      d.Recorder,
		metrics:  d.Metrics,
		clock:    d.Clock,
		retry:    d.Retry,
		log:      d.Logger.Named("audit"),
	}
}

// AuditSite implements AuditService.
func (s *AuditServiceImpl) AuditSite(ctx context.Context, site *model.Site) (model.AuditSummary, error) {
	var sum model.AuditSummary
	accounts, err := s.accounts.ListBySite(ctx, site.ID)
	if err != nil {
		return sum, fmt.Errorf("list accounts: %w", err)
	}

	var client gateway.Client
	for i := range accounts {
		a := &accounts[i]
		overdue := a.Status == model.StatusActive && a.Exceeds(a.UsedBytes)
		if a.Status != model.StatusExpired && !overdue {
			continue
		}
		if client == nil {
			if client, err = s.gateways.ForSite(site); err != nil {
				return sum, err
			}
		}
		if overdue {
			s.enforceOverdue(ctx, site, client, a, &sum)
			continue
		}
		if a.RemoteID == "" {
			sum.Errors++
			s.log.Warn("expired account without device id", zap.String("site", site.Name), zap.String("account", a.Username))
			continue
		}
		started := s.clock.Now()
		r, err := client.GetAccount(ctx, a.RemoteID)
		switch {
		case errors.Is(err, gateway.ErrAccountNotFound):
			sum.Checked++
			s.log.Warn("expired account missing on device", zap.String("site", site.Name), zap.String("account", a.Username))
			continue
		case gateway.IsSiteLevel(err):
			sum.Errors++
			return sum, err
		case err != nil:
			sum.Errors++
			s.log.Warn("read device account", zap.String("site", site.Name), zap.String("account", a.Username), zap.Error(err))
			continue
		}
		sum.Checked++
		if r.Disabled {
			continue
		}
		// A renewal or quota change may have landed since the list was read.
		if fresh, err := s.accounts.Get(ctx, a.ID); err != nil || fresh.Status != model.StatusExpired {
			if err != nil {
				sum.Errors++
				s.log.Warn("re-read account", zap.String("site", site.Name), zap.String("account", a.Username), zap.Error(err))
			}
			continue
		}

		err = s.retry.Do(ctx, func() error { return client.SetEnabled(ctx, a.RemoteID, false) })
		msg := fmt.Sprintf("%s expired locally but enabled on device", a.Username)
		s.rec.Connection(ctx, site.ID, model.ActionAuditFix, started, err, msg)
		if err != nil {
			sum.Errors++
			s.log.Warn("audit disable", zap.String("site", site.Name), zap.String("account", a.Username), zap.Error(err))
			if gateway.IsSiteLevel(err) {
				return sum, err
			}
			continue
		}
		sum.Corrected++
		s.metrics.Corrected(site.Name)
		s.rec.Activity(ctx, model.ActivityAuditFix, &site.ID, &a.ID, msg+"; disabled again")
		s.log.Info("drift corrected", zap.String("site", site.Name), zap.String("account", a.Username))
	}
	return sum, nil
}

// enforceOverdue cuts off an active account whose usage already reached its quota, which
// happens when a cycle saved the usage but stopped before enforcing.
func (s *AuditServiceImpl) enforceOverdue(ctx context.Context, site *model.Site, client gateway.Client, a *model.Account, sum *model.AuditSummary) {
	fresh, err := s.accounts.Get(ctx, a.ID)
	if err != nil {
		sum.Errors++
		s.log.Warn("re-read account", zap.String("site", site.Name), zap.String("account", a.Username), zap.Error(err))
		return
	}
	if fresh.Status != model.StatusActive || !fresh.Exceeds(fresh.UsedBytes) {
		return
	}
	settings, err := s.settings.Get(ctx)
	if err != nil {
		s.log.Warn("load settings; exhaustion email skipped", zap.Error(err))
	}
	e := Enforcement{Site: site, Client: client, Account: fresh, Settings: settings}
	if fresh.ActiveSessionID != "" {
		// Remove the last session the ledger saw; a gone session counts as removed.
		e.Session = &model.SessionSnapshot{SessionID: fresh.ActiveSessionID, Username: fresh.Username}
	}
	res := s.enforcer.Enforce(ctx, e)
	sum.Checked++
	if !res.Disabled {
		sum.Errors++
		return
	}
	sum.Corrected++
	s.metrics.Corrected(site.Name)
	s.rec.Activity(ctx, model.ActivityAuditFix, &site.ID, &fresh.ID,
		fmt.Sprintf("%s active with usage at quota; expired", fresh.Username))
	s.log.Info("overdue account enforced", zap.String("site", site.Name), zap.String("account", fresh.Username))
}
