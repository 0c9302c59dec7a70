package main

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/config"
	"github.com/netquota/hotspotd/internal/errs"
	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/orchestrator"
	"github.com/netquota/hotspotd/internal/service"
)

// jobRunner is the subset of service.Runner the schedule drives.
type jobRunner interface {
	Usage(ctx context.Context, name string) ([]model.CycleSummary, error)
	Cohort(ctx context.Context, name string, override model.Cohort) (map[string]model.CohortResult, error)
	Renewal(ctx context.Context) (model.RenewalSummary, error)
	Audit(ctx context.Context, name string) (model.AuditSummary, error)
	Connectivity(ctx context.Context, name string) (map[string]model.SiteStatus, error)
	Import(ctx context.Context, name string) ([]model.ImportSummary, error)
}

type registrar interface {
	Register(name, spec string, fn orchestrator.JobFunc) error
}

type settingsGetter interface {
	Get(ctx context.Context) (*model.Settings, error)
}

// renewalSpec returns the configured renewal cadence, or derives it from the reset time
// stored in settings. Without settings the seeded default time is used.
func renewalSpec(ctx context.Context, sched config.ScheduleConfig, settings settingsGetter, log *zap.Logger) (string, error) {
	if sched.Renewal != "" {
		return sched.Renewal, nil
	}
	s, err := settings.Get(ctx)
	if err != nil {
		if !errors.Is(err, errs.ErrSettingsMissing) {
			return "", err
		}
		def := model.DefaultSettings()
		log.Warn("settings missing, renewal scheduled at default time", zap.String("at", def.CreditResetTime))
		return config.DailySpec(def.CreditResetTime, sched.Timezone)
	}
	return config.DailySpec(s.CreditResetTime, s.Timezone)
}

// registerJobs binds every scheduled job to its runner operation.
func registerJobs(reg registrar, sched config.ScheduleConfig, renewal string, r jobRunner) error {
	jobs := []struct {
		name string
		spec string
		fn   orchestrator.JobFunc
	}{
		{service.JobUsage, sched.Usage, func(ctx context.Context) error {
			_, err := r.Usage(ctx, "")
			return err
		}},
		{service.JobCohort, sched.Cohort, func(ctx context.Context) error {
			_, err := r.Cohort(ctx, "", "")
			return err
		}},
		{service.JobRenewal, renewal, func(ctx context.Context) error {
			_, err := r.Renewal(ctx)
			return err
		}},
		{service.JobAudit, sched.Audit, func(ctx context.Context) error {
			_, err := r.Audit(ctx, "")
			return err
		}},
		{service.JobConnectivity, sched.Connectivity, func(ctx context.Context) error {
			_, err := r.Connectivity(ctx, "")
			return err
		}},
		{service.JobImport, sched.Import, func(ctx context.Context) error {
			_, err := r.Import(ctx, "")
			return err
		}},
	}
	for _, j := range jobs {
		if err := reg.Register(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}
