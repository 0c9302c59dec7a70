package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/errs"
	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/repository"
)

// CohortService enables the turma that is allowed online and disables the rest.
type CohortService interface {
	// ApplyCohortPolicy converges account status at site to cohort. Expired accounts are
	// never touched. Writes happen only for accounts whose status differs.
	ApplyCohortPolicy(ctx context.Context, site *model.Site, cohort model.Cohort) (model.CohortResult, error)
}

type CohortServiceImpl struct {
	accounts repository.AccountRepository
	sites    repository.SiteRepository
	gateways gateway.Factory
	rec      *Recorder
	clock    quartz.Clock
	retry    RetryPolicy
	log      *zap.Logger
}

var _ CohortService = (*CohortServiceImpl)(nil)

// NewCohortService constructs CohortService.
func NewCohortService(d Deps) *CohortServiceImpl {
	d = d.withDefaults()
	return &CohortServiceImpl{
		accounts: d.Accounts,
		sites:    d.Sites,
		gateways: d.Gateways,
		rec:      d.Recorder,
		clock:    d.Clock,
		retry:    d.Retry,
		log:      d.Logger.Named("cohort"),
	}
}

// ApplyCohortPolicy implements CohortService.
func (s *CohortServiceImpl) ApplyCohortPolicy(ctx context.Context, site *model.Site, cohort model.Cohort) (model.CohortResult, error) {
	var res model.CohortResult
	started := s.clock.Now()

	if site.ActiveCohort != cohort {
		if err := s.sites.SetActiveCohort(ctx, site.ID, cohort); err != nil {
			return res, fmt.Errorf("set active cohort: %w", err)
		}
		site.ActiveCohort = cohort
		s.rec.Activity(ctx, model.ActivityCohort, &site.ID, nil, fmt.Sprintf("active cohort set to %s", cohort))
	}

	accounts, err := s.accounts.ListBySite(ctx, site.ID)
	if err != nil {
		return res, fmt.Errorf("list accounts: %w", err)
	}
	var client gateway.Client
	for i := range accounts {
		a := &accounts[i]
		if a.Status == model.StatusExpired {
			res.Skipped++
			continue
		}
		want := model.StatusInactive
		if cohort.Admits(a.Turma) {
			want = model.StatusActive
		}
		if a.Status == want {
			continue
		}
		if client == nil {
			if client, err = s.gateways.ForSite(site); err != nil {
				s.rec.Connection(ctx, site.ID, model.ActionCohortSync, started, err, "")
				return res, err
			}
		}
		err := s.transition(ctx, client, a, want)
		switch {
		case err == nil && want == model.StatusActive:
			res.Activated++
		case err == nil:
			res.Deactivated++
		case errors.Is(err, errs.ErrNotFound):
			// Expired by a concurrent enforcement after the listing.
			res.Skipped++
		case gateway.IsSiteLevel(err):
			res.Errors++
			s.record(ctx, site, cohort, started, res, err)
			return res, err
		default:
			res.Errors++
			s.log.Warn("cohort transition", zap.String("site", site.Name), zap.String("account", a.Username), zap.Error(err))
		}
	}
	s.record(ctx, site, cohort, started, res, nil)
	return res, nil
}

func (s *CohortServiceImpl) transition(ctx context.Context, client gateway.Client, a *model.Account, want model.AccountStatus) error {
	if a.RemoteID == "" {
		return fmt.Errorf("account %s has no device id: %w", a.Username, errs.ErrLedgerInconsistency)
	}
	enable := want == model.StatusActive
	if err := s.retry.Do(ctx, func() error { return client.SetEnabled(ctx, a.RemoteID, enable) }); err != nil {
		return err
	}
	if err := s.accounts.SetStatus(context.WithoutCancel(ctx), a.ID, want); err != nil {
		return err
	}
	a.Status = want
	return nil
}

func (s *CohortServiceImpl) record(ctx context.Context, site *model.Site, cohort model.Cohort, started time.Time, res model.CohortResult, cause error) {
	if res.Activated+res.Deactivated+res.Errors == 0 && cause == nil {
		return
	}
	msg := fmt.Sprintf("cohort %s: activated %d, deactivated %d, skipped %d, errors %d",
		cohort, res.Activated, res.Deactivated, res.Skipped, res.Errors)
	s.rec.Connection(ctx, site.ID, model.ActionCohortSync, started, cause, msg)
	s.log.Info("cohort applied", zap.String("site", site.Name), zap.String("summary", msg), zap.Error(cause))
}
