package service

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/notify"
	"github.com/netquota/hotspotd/internal/repository"
)

// RenewalService grants the daily credit.
type RenewalService interface {
	// Policy loads the quota settings. A run must abort when this fails.
	Policy(ctx context.Context) (*model.Settings, error)
	// RenewSite renews every account of a site under settings.
	RenewSite(ctx context.Context, site *model.Site, settings *model.Settings) (model.RenewalSummary, error)
	// Report records and mails the outcome of a whole run.
	Report(ctx context.Context, settings *model.Settings, sum model.RenewalSummary)
}

type RenewalServiceImpl struct {
	accounts repository.AccountRepository
	settings repository.SettingsRepository
	gateways gateway.Factory
	rec      *Recorder
	notifier notify.Notifier
	clock    quartz.Clock
	retry    RetryPolicy
	log      *zap.Logger
}

var _ RenewalService = (*RenewalServiceImpl)(nil)

// NewRenewalService constructs RenewalService.
func NewRenewalService(d Deps) *RenewalServiceImpl {
	d = d.withDefaults()
	return &RenewalServiceImpl{
		accounts: d.Accounts,
		settings: d.Settings,
		gateways: d.Gateways,
		rec:      d.Recorder,
		notifier: d.Notifier,
		clock:    d.Clock,
		retry:    d.Retry,
		log:      d.Logger.Named("renewal"),
	}
}

// Policy implements RenewalService.
func (s *RenewalServiceImpl) Policy(ctx context.Context) (*model.Settings, error) {
	st, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return st, nil
}

// RenewSite implements RenewalService. A device that cannot be reached does not stop the
// ledger renewal; expired accounts it could not re-enable become inactive and the next cohort
// pass enables them.
func (s *RenewalServiceImpl) RenewSite(ctx context.Context, site *model.Site, settings *model.Settings) (model.RenewalSummary, error) {
	var sum model.RenewalSummary
	started := s.clock.Now()

	accounts, err := s.accounts.ListBySite(ctx, site.ID)
	if err != nil {
		return sum, fmt.Errorf("list accounts: %w", err)
	}
	dev := &deviceWriter{retry: s.retry}
	if dev.client, err = s.gateways.ForSite(site); err != nil {
		dev.down = err
	}

	for i := range accounts {
		a := &accounts[i]
		reactivated, err := s.renewAccount(ctx, site, dev, settings, a)
		if err != nil {
			sum.Errors++
			s.log.Warn("renew account", zap.String("site", site.Name), zap.String("account", a.Username), zap.Error(err))
			continue
		}
		sum.Renewed++
		if reactivated {
			sum.Reactivated++
		}
	}

	msg := fmt.Sprintf("renewed %d, reactivated %d, errors %d, mode %s, credit %s",
		sum.Renewed, sum.Reactivated, sum.Errors, settings.QuotaMode, humanize.IBytes(settings.DailyAllotmentBytes()))
	s.rec.Connection(ctx, site.ID, model.ActionCreditReset, started, dev.down, msg)
	s.log.Info("site renewed", zap.String("site", site.Name), zap.String("summary", msg))
	return sum, nil
}

func (s *RenewalServiceImpl) renewAccount(ctx context.Context, site *model.Site, dev *deviceWriter, settings *model.Settings, a *model.Account) (bool, error) {
	now := s.clock.Now()
	allot := settings.DailyAllotmentBytes()
	expired := a.Status == model.StatusExpired

	if expired || settings.QuotaMode == model.QuotaReset {
		a.QuotaTotalBytes = allot
	} else {
		a.QuotaTotalBytes = a.RemainingBytes() + allot
	}
	a.UsedBytes = 0
	a.LastQuotaResetAt = &now

	reactivated := false
	var remoteErr error
	if expired {
		// Disabled on the device until enabled here or by a later cohort pass. Expired is kept
		// only for used >= quota, so a renewed account is never left expired.
		a.Status = model.StatusInactive
		if site.ActiveCohort.Admits(a.Turma) {
			if remoteErr = dev.setEnabled(ctx, a, true); remoteErr == nil {
				a.Status = model.StatusActive
				reactivated = true
			}
		}
	}
	dev.resetCounters(ctx, a)

	if err := s.accounts.ResetQuota(context.WithoutCancel(ctx), a); err != nil {
		return false, fmt.Errorf("reset quota: %w", err)
	}
	if remoteErr != nil {
		return false, fmt.Errorf("re-enable: %w", remoteErr)
	}
	return reactivated, nil
}

// Report implements RenewalService.
func (s *RenewalServiceImpl) Report(ctx context.Context, settings *model.Settings, sum model.RenewalSummary) {
	now := s.clock.Now()
	s.rec.Activity(ctx, model.ActivityCreditReset, nil, nil,
		fmt.Sprintf("daily credit renewal: renewed %d, reactivated %d, errors %d", sum.Renewed, sum.Reactivated, sum.Errors))
	if settings.NotifyTo == "" {
		return
	}
	msg := notify.RenewalReport(settings.NotifyFrom, settings.NotifyTo, settings.SystemName,
		sum.Renewed, sum.Reactivated, sum.Errors, settings.DailyAllotmentBytes(), now)
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.log.Warn("send renewal report", zap.Error(err))
	}
}

// deviceWriter performs retried account writes against one site and stops calling the
// device after a site-level failure.
type deviceWriter struct {
	client gateway.Client
	retry  RetryPolicy
	down   error
}

func (d *deviceWriter) call(ctx context.Context, a *model.Account, op func() error) error {
	if d.down != nil {
		return d.down
	}
	if a.RemoteID == "" {
		return fmt.Errorf("account %s has no device id", a.Username)
	}
	err := d.retry.Do(ctx, op)
	if gateway.IsSiteLevel(err) {
		d.down = err
	}
	return err
}

func (d *deviceWriter) setEnabled(ctx context.Context, a *model.Account, enabled bool) error {
	return d.call(ctx, a, func() error { return d.client.SetEnabled(ctx, a.RemoteID, enabled) })
}

// resetCounters zeroes the device counters and moves the baseline with them. When the reset
// fails the baseline follows the counters as read back, so closed sessions are not folded twice.
func (d *deviceWriter) resetCounters(ctx context.Context, a *model.Account) {
	err := d.call(ctx, a, func() error { return d.client.ResetCounters(ctx, a.RemoteID) })
	if err == nil {
		a.CounterBaseline = 0
		return
	}
	if d.down != nil || a.RemoteID == "" {
		return
	}
	if r, err := d.client.GetAccount(ctx, a.RemoteID); err == nil {
		a.CounterBaseline = r.Total()
	}
}
