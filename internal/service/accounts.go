package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/quartz"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/errs"
	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/repository"
)

// defaultDeviceAccount is created by RouterOS itself and never imported.
const defaultDeviceAccount = "trial"

// NewAccount is the input for provisioning an account.
type NewAccount struct {
	SiteID   uuid.UUID
	Username string
	Password string
	Turma    string
	Profile  string
}

// AccountService administers accounts on the ledger and on the devices.
type AccountService interface {
	// ImportSite creates ledger rows for device accounts the ledger does not know yet.
	ImportSite(ctx context.Context, site *model.Site, settings *model.Settings) (model.ImportSummary, error)
	// Provision creates the account on the device, then in the ledger.
	Provision(ctx context.Context, in NewAccount) (*model.Account, error)
	// Delete removes the account from the device (best effort) and from the ledger.
	Delete(ctx context.Context, id uuid.UUID) error
	// SetQuota grants a new total, clears usage and re-enables an expired account.
	SetQuota(ctx context.Context, id uuid.UUID, totalMB uint64) (*model.Account, error)
	// ForceExpire runs the enforcement actuator on demand.
	ForceExpire(ctx context.Context, id uuid.UUID) (model.EnforceResult, error)
}

type AccountServiceImpl struct {
	accounts repository.AccountRepository
	sites    repository.SiteRepository
	settings repository.SettingsRepository
	gateways gateway.Factory
	enforcer Enforcer
	rec      *Recorder
	clock    quartz.Clock
	retry    RetryPolicy
	log      *zap.Logger
}

var _ AccountService = (*AccountServiceImpl)(nil)

// NewAccountService constructs AccountService.
func NewAccountService(d Deps, enforcer Enforcer) *AccountServiceImpl {
	d = d.withDefaults()
	return &AccountServiceImpl{
		accounts: d.Accounts,
		sites:    d.Sites,
		settings: d.Settings,
		gateways: d.Gateways,
		enforcer: enforcer,
		rec:      d.Recorder,
		clock:    d.Clock,
		retry:    d.Retry,
		log:      d.Logger.Named("accounts"),
	}
}

// ImportSite implements AccountService. Imported accounts start from the device's current
// counters and are brought in line with the site's active cohort.
func (s *AccountServiceImpl) ImportSite(ctx context.Context, site *model.Site, settings *model.Settings) (model.ImportSummary, error) {
	sum := model.ImportSummary{Site: site.Name}
	started := s.clock.Now()

	client, err := s.gateways.ForSite(site)
	if err != nil {
		return sum, err
	}
	remote, err := client.ListAccounts(ctx)
	if err != nil {
		s.rec.Connection(ctx, site.ID, model.ActionImport, started, err, "list device accounts")
		return sum, err
	}
	known, err := s.accounts.ListBySite(ctx, site.ID)
	if err != nil {
		return sum, fmt.Errorf("list accounts: %w", err)
	}
	seen := make(map[string]struct{}, len(known))
	for _, a := range known {
		seen[a.RemoteID] = struct{}{}
	}

	for _, r := range remote {
		sum.Seen++
		if _, ok := seen[r.RemoteID]; ok || strings.EqualFold(r.Username, defaultDeviceAccount) {
			sum.Skipped++
			continue
		}
		now := s.clock.Now()
		a := &model.Account{
			ID:               uuid.Must(uuid.NewV4()),
			SiteID:           site.ID,
			Username:         r.Username,
			RemoteID:         r.RemoteID,
			Profile:          r.Profile,
			Turma:            strings.TrimSpace(r.Comment),
			QuotaTotalBytes:  settings.DailyAllotmentBytes(),
			Status:           model.StatusActive,
			CounterBaseline:  r.Total(),
			LastQuotaResetAt: &now,
		}
		if r.Disabled {
			a.Status = model.StatusInactive
		}
		s.alignWithCohort(ctx, client, site, a)

		if err := s.accounts.Create(ctx, a); err != nil {
			if errors.Is(err, errs.ErrAlreadyExists) {
				sum.Skipped++
				continue
			}
			sum.Errors++
			s.log.Warn("import account", zap.String("site", site.Name), zap.String("account", r.Username), zap.Error(err))
			continue
		}
		sum.Imported++
	}

	msg := fmt.Sprintf("seen %d, imported %d, skipped %d, errors %d", sum.Seen, sum.Imported, sum.Skipped, sum.Errors)
	s.rec.Connection(ctx, site.ID, model.ActionImport, started, nil, msg)
	if sum.Imported > 0 {
		s.rec.Activity(ctx, model.ActivityImport, &site.ID, nil, msg)
	}
	s.log.Info("import finished", zap.String("site", site.Name), zap.String("summary", msg))
	return sum, nil
}

// alignWithCohort writes the enabled flag the cohort policy asks for. On failure the
// account keeps the status that mirrors the device.
func (s *AccountServiceImpl) alignWithCohort(ctx context.Context, client gateway.Client, site *model.Site, a *model.Account) {
	want := model.StatusInactive
	if site.ActiveCohort.Admits(a.Turma) {
		want = model.StatusActive
	}
	if a.Status == want {
		return
	}
	enable := want == model.StatusActive
	if err := s.retry.Do(ctx, func() error { return client.SetEnabled(ctx, a.RemoteID, enable) }); err != nil {
		s.log.Warn("align imported account with cohort", zap.String("site", site.Name), zap.String("account", a.Username), zap.Error(err))
		return
	}
	a.Status = want
}

// Provision implements AccountService.
func (s *AccountServiceImpl) Provision(ctx context.Context, in NewAccount) (*model.Account, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.SiteID == uuid.Nil || in.Username == "" || in.Password == "" {
		return nil, fmt.Errorf("site, username and password are required: %w", errs.ErrInvalidArgument)
	}
	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	site, err := s.sites.Get(ctx, in.SiteID)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", in.SiteID, err)
	}
	client, err := s.gateways.ForSite(site)
	if err != nil {
		return nil, err
	}

	active := site.ActiveCohort.Admits(in.Turma)
	started := s.clock.Now()
	remoteID, err := client.AddAccount(ctx, model.NewRemoteAccount{
		Username: in.Username,
		Password: in.Password,
		Profile:  in.Profile,
		Comment:  in.Turma,
		Disabled: !active,
	})
	s.rec.Connection(ctx, site.ID, model.ActionProvision, started, err, in.Username)
	if err != nil {
		return nil, fmt.Errorf("add on device: %w", err)
	}

	now := s.clock.Now()
	a := &model.Account{
		ID:               uuid.Must(uuid.NewV4()),
		SiteID:           site.ID,
		Username:         in.Username,
		RemoteID:         remoteID,
		Profile:          in.Profile,
		Turma:            in.Turma,
		QuotaTotalBytes:  settings.DailyAllotmentBytes(),
		Status:           model.StatusInactive,
		LastQuotaResetAt: &now,
	}
	if active {
		a.Status = model.StatusActive
	}
	if err := s.accounts.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Delete implements AccountService.
func (s *AccountServiceImpl) Delete(ctx context.Context, id uuid.UUID) error {
	a, site, client, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if a.RemoteID != "" {
		started := s.clock.Now()
		err := s.retry.Do(ctx, func() error {
			err := client.RemoveAccount(ctx, a.RemoteID)
			if gateway.IsNotFound(err) {
				return nil
			}
			return err
		})
		s.rec.Connection(ctx, site.ID, model.ActionRemoveAccount, started, err, a.Username)
		if err != nil {
			s.log.Warn("remove account on device", zap.String("site", site.Name), zap.String("account", a.Username), zap.Error(err))
		}
	}
	if err := s.accounts.Delete(ctx, a.ID); err != nil {
		return err
	}
	s.rec.Activity(ctx, model.ActivityDelete, &site.ID, nil, fmt.Sprintf("%s deleted", a.Username))
	return nil
}

// SetQuota implements AccountService.
func (s *AccountServiceImpl) SetQuota(ctx context.Context, id uuid.UUID, totalMB uint64) (*model.Account, error) {
	a, site, client, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	a.QuotaTotalBytes = totalMB * model.MB
	a.UsedBytes = 0
	a.LastQuotaResetAt = &now

	dev := &deviceWriter{client: client, retry: s.retry}
	started := s.clock.Now()
	var remoteErr error
	if a.Status == model.StatusExpired && a.QuotaTotalBytes > 0 {
		// Inactive until the device accepts the enable; a cohort pass retries it.
		a.Status = model.StatusInactive
		if site.ActiveCohort.Admits(a.Turma) {
			if remoteErr = dev.setEnabled(ctx, a, true); remoteErr == nil {
				a.Status = model.StatusActive
			}
		}
	}
	dev.resetCounters(ctx, a)
	if err := s.accounts.ResetQuota(ctx, a); err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("%s credit set to %s", a.Username, humanize.IBytes(a.QuotaTotalBytes))
	s.rec.Connection(ctx, site.ID, model.ActionSetQuota, started, remoteErr, msg)
	s.rec.Activity(ctx, model.ActivityCredit, &site.ID, &a.ID, msg)
	if remoteErr != nil {
		return a, fmt.Errorf("re-enable on device: %w", remoteErr)
	}
	return a, nil
}

// ForceExpire implements AccountService.
func (s *AccountServiceImpl) ForceExpire(ctx context.Context, id uuid.UUID) (model.EnforceResult, error) {
	a, site, client, err := s.load(ctx, id)
	if err != nil {
		return model.EnforceResult{}, err
	}
	if a.Status == model.StatusExpired {
		return model.EnforceResult{}, nil
	}
	settings, err := s.settings.Get(ctx)
	if err != nil {
		s.log.Warn("load settings; no exhaustion email", zap.Error(err))
		settings = nil
	}

	e := Enforcement{Site: site, Client: client, Account: a, Settings: settings}
	sessions, err := client.ListActiveSessions(ctx)
	if err != nil {
		s.log.Warn("list sessions", zap.String("site", site.Name), zap.Error(err))
	}
	for i := range sessions {
		if sessions[i].Username == a.Username {
			e.Session = &sessions[i]
			break
		}
	}
	return s.enforcer.Enforce(ctx, e), nil
}

func (s *AccountServiceImpl) load(ctx context.Context, id uuid.UUID) (*model.Account, *model.Site, gateway.Client, error) {
	a, err := s.accounts.Get(ctx, id)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("account %s: %w", id, err)
	}
	site, err := s.sites.Get(ctx, a.SiteID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil, nil, fmt.Errorf("account %s references missing site %s: %w", a.Username, a.SiteID, errs.ErrLedgerInconsistency)
		}
		return nil, nil, nil, err
	}
	client, err := s.gateways.ForSite(site)
	if err != nil {
		return nil, nil, nil, err
	}
	return a, site, client, nil
}
