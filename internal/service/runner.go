package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/orchestrator"
	"github.com/netquota/hotspotd/internal/repository"
	"github.com/netquota/hotspotd/internal/synclog"
)

// Job names.
const (
	JobUsage        = "usage"
	JobCohort       = "cohort"
	JobRenewal      = "renewal"
	JobAudit        = "audit"
	JobConnectivity = "connectivity"
	JobImport       = "import"
)

// ledgerScope is shared by every job that writes account usage or status, so that those
// writes never interleave on one site.
const ledgerScope = "ledger"

// Sweeper fans a job out over sites; implemented by orchestrator.Sweeper.
type Sweeper interface {
	Sweep(ctx context.Context, spec orchestrator.SweepSpec, sites []model.Site, fn orchestrator.SiteFunc) orchestrator.SweepResult
}

// Services are the per-site operations the Runner schedules.
type Services struct {
	Reconcile    Reconciler
	Cohort       CohortService
	Renewal      RenewalService
	Audit        AuditService
	Connectivity ConnectivityService
	Accounts     AccountService
}

// Runner executes whole job runs: it selects sites, sweeps them and writes the sync log.
type Runner struct {
	sites    repository.SiteRepository
	settings repository.SettingsRepository
	svc      Services
	sweeper  Sweeper
	journal  *synclog.Log
	log      *zap.Logger
}

// NewRunner constructs a Runner. journal may be nil.
func NewRunner(sites repository.SiteRepository, settings repository.SettingsRepository, svc Services, sweeper Sweeper, journal *synclog.Log, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		sites:    sites,
		settings: settings,
		svc:      svc,
		sweeper:  sweeper,
		journal:  journal,
		log:      logger.Named("runner"),
	}
}

// Usage runs one reconciliation cycle over the selected sites (all when name is empty).
func (r *Runner) Usage(ctx context.Context, name string) ([]model.CycleSummary, error) {
	if _, err := r.settings.Get(ctx); err != nil {
		r.log.Error("job aborted", zap.String("job", "usage"), zap.Error(err))
		r.journal.Printf("usage: aborted: %v", err)
		return nil, fmt.Errorf("load settings: %w", err)
	}
	sites, err := r.selectSites(ctx, name)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	out := make([]model.CycleSummary, 0, len(sites))
	res := r.sweeper.Sweep(ctx, orchestrator.SweepSpec{Job: JobUsage, Scope: ledgerScope}, sites,
		func(ctx context.Context, site *model.Site) error {
			sum, err := r.svc.Reconcile.ReconcileSite(ctx, site)
			mu.Lock()
			out = append(out, sum)
			mu.Unlock()
			return err
		})
	for _, skipped := range res.Skipped {
		out = append(out, model.CycleSummary{Site: skipped, Skipped: true})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Site < out[k].Site })

	var total model.CycleSummary
	for _, s := range out {
		total.Processed += s.Processed
		total.Updated += s.Updated
		total.LoggedOut += s.LoggedOut
		total.Expired += s.Expired
		total.Errors += s.Errors
	}
	r.journal.Printf("usage: sites %d, failed %d, skipped %d; accounts %d, updated %d, logged out %d, expired %d, errors %d%s",
		res.Sites, len(res.Failed), len(res.Skipped),
		total.Processed, total.Updated, total.LoggedOut, total.Expired, total.Errors, failures(res))
	return out, nil
}

// Cohort applies the cohort policy. An empty override applies each site's stored cohort.
func (r *Runner) Cohort(ctx context.Context, name string, override model.Cohort) (map[string]model.CohortResult, error) {
	sites, err := r.selectSites(ctx, name)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	out := make(map[string]model.CohortResult, len(sites))
	res := r.sweeper.Sweep(ctx, orchestrator.SweepSpec{Job: JobCohort, Scope: ledgerScope, Wait: override != ""}, sites,
		func(ctx context.Context, site *model.Site) error {
			cohort := site.ActiveCohort
			if override != "" {
				cohort = override
			}
			cr, err := r.svc.Cohort.ApplyCohortPolicy(ctx, site, cohort)
			mu.Lock()
			out[site.Name] = cr
			mu.Unlock()
			return err
		})

	var total model.CohortResult
	for _, c := range out {
		total.Activated += c.Activated
		total.Deactivated += c.Deactivated
		total.Skipped += c.Skipped
		total.Errors += c.Errors
	}
	r.journal.Printf("cohort: sites %d, failed %d, skipped %d; activated %d, deactivated %d, errors %d%s",
		res.Sites, len(res.Failed), len(res.Skipped), total.Activated, total.Deactivated, total.Errors, failures(res))
	return out, nil
}

// Renewal grants the daily credit on every site. Missing settings abort the run.
func (r *Runner) Renewal(ctx context.Context) (model.RenewalSummary, error) {
	var total model.RenewalSummary
	settings, err := r.svc.Renewal.Policy(ctx)
	if err != nil {
		r.log.Error("job aborted", zap.String("job", "renewal"), zap.Error(err))
		r.journal.Printf("renewal: aborted: %v", err)
		return total, err
	}
	sites, err := r.selectSites(ctx, "")
	if err != nil {
		return total, err
	}

	var mu sync.Mutex
	res := r.sweeper.Sweep(ctx, orchestrator.SweepSpec{Job: JobRenewal, Scope: ledgerScope, Wait: true}, sites,
		func(ctx context.Context, site *model.Site) error {
			sum, err := r.svc.Renewal.RenewSite(ctx, site, settings)
			mu.Lock()
			total.Renewed += sum.Renewed
			total.Reactivated += sum.Reactivated
			total.Errors += sum.Errors
			mu.Unlock()
			return err
		})
	total.Errors += len(res.Failed)
	r.svc.Renewal.Report(ctx, settings, total)
	r.journal.Printf("renewal: mode %s, sites %d, failed %d; renewed %d, reactivated %d, errors %d%s",
		settings.QuotaMode, res.Sites, len(res.Failed), total.Renewed, total.Reactivated, total.Errors, failures(res))
	return total, nil
}

// Audit repairs remote drift of expired accounts and enforces overdue active ones. It shares
// the ledger scope with usage and renewal and waits for it.
func (r *Runner) Audit(ctx context.Context, name string) (model.AuditSummary, error) {
	var total model.AuditSummary
	sites, err := r.selectSites(ctx, name)
	if err != nil {
		return total, err
	}
	var mu sync.Mutex
	res := r.sweeper.Sweep(ctx, orchestrator.SweepSpec{Job: JobAudit, Scope: ledgerScope, Wait: true}, sites,
		func(ctx context.Context, site *model.Site) error {
			sum, err := r.svc.Audit.AuditSite(ctx, site)
			mu.Lock()
			total.Checked += sum.Checked
			total.Corrected += sum.Corrected
			total.Errors += sum.Errors
			mu.Unlock()
			return err
		})
	r.journal.Printf("audit: sites %d, failed %d; checked %d, corrected %d, errors %d%s",
		res.Sites, len(res.Failed), total.Checked, total.Corrected, total.Errors, failures(res))
	return total, nil
}

// Connectivity probes every selected site.
func (r *Runner) Connectivity(ctx context.Context, name string) (map[string]model.SiteStatus, error) {
	sites, err := r.selectSites(ctx, name)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	out := make(map[string]model.SiteStatus, len(sites))
	res := r.sweeper.Sweep(ctx, orchestrator.SweepSpec{Job: JobConnectivity}, sites,
		func(ctx context.Context, site *model.Site) error {
			st, err := r.svc.Connectivity.CheckSite(ctx, site)
			mu.Lock()
			out[site.Name] = st
			mu.Unlock()
			return err
		})
	online := 0
	for _, st := range out {
		if st == model.SiteOnline {
			online++
		}
	}
	r.journal.Printf("connectivity: sites %d, online %d%s", res.Sites, online, failures(res))
	return out, nil
}

// Import pulls unknown device accounts into the ledger.
func (r *Runner) Import(ctx context.Context, name string) ([]model.ImportSummary, error) {
	settings, err := r.settings.Get(ctx)
	if err != nil {
		r.log.Error("job aborted", zap.String("job", "import"), zap.Error(err))
		r.journal.Printf("import: aborted: %v", err)
		return nil, fmt.Errorf("load settings: %w", err)
	}
	sites, err := r.selectSites(ctx, name)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	out := make([]model.ImportSummary, 0, len(sites))
	res := r.sweeper.Sweep(ctx, orchestrator.SweepSpec{Job: JobImport, Scope: ledgerScope, Wait: true}, sites,
		func(ctx context.Context, site *model.Site) error {
			sum, err := r.svc.Accounts.ImportSite(ctx, site, settings)
			mu.Lock()
			out = append(out, sum)
			mu.Unlock()
			return err
		})
	sort.Slice(out, func(i, k int) bool { return out[i].Site < out[k].Site })
	imported := 0
	for _, s := range out {
		imported += s.Imported
	}
	r.journal.Printf("import: sites %d, failed %d; imported %d%s", res.Sites, len(res.Failed), imported, failures(res))
	return out, nil
}

func (r *Runner) selectSites(ctx context.Context, name string) ([]model.Site, error) {
	if name != "" {
		site, err := r.sites.GetByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("site %q: %w", name, err)
		}
		return []model.Site{*site}, nil
	}
	sites, err := r.sites.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

func failures(res orchestrator.SweepResult) string {
	if len(res.Failed) == 0 {
		return ""
	}
	names := make([]string, 0, len(res.Failed))
	for n := range res.Failed {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(" [")
	for i, n := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", n, res.Failed[n])
	}
	b.WriteString("]")
	return b.String()
}
