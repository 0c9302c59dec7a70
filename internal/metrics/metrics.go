// Package metrics holds the prometheus collectors of the reconciliation service.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/netquota/hotspotd/internal/model"
)

const namespace = "hotspotd"

// Metrics groups the service collectors.
type Metrics struct {
	accounts    *prometheus.CounterVec
	enforce     *prometheus.CounterVec
	corrections *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	siteStatus  *prometheus.GaugeVec
	siteSkips   *prometheus.CounterVec
}

// New creates and registers collectors on reg. A nil reg gets a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		accounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "accounts_total",
			Help:      "Accounts processed by reconciliation cycles, by result (updated, logged_out, expired, error).",
		}, []string{"site", "result"}),
		enforce: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcements_total",
			Help:      "Quota enforcements by outcome (disabled, disable_failed).",
		}, []string{"site", "outcome"}),
		corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "corrections_total",
			Help:      "Expired accounts found enabled on the device and disabled again.",
		}, []string{"site"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled job runs in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"job"}),
		siteStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "site_status",
			Help:      "Last connectivity observation per site: 1 (online), 0 (offline), -1 (error).",
		}, []string{"site"}),
		siteSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "site_runs_skipped_total",
			Help:      "Per-site job runs skipped because a previous run for the site was still active.",
		}, []string{"job", "site"}),
	}
	reg.MustRegister(m.accounts, m.enforce, m.corrections, m.jobDuration, m.siteStatus, m.siteSkips)
	return m
}

// ObserveCycle adds a reconciliation summary.
func (m *Metrics) ObserveCycle(s model.CycleSummary) {
	if m == nil {
		return
	}
	m.accounts.WithLabelValues(s.Site, "updated").Add(float64(s.Updated))
	m.accounts.WithLabelValues(s.Site, "logged_out").Add(float64(s.LoggedOut))
	m.accounts.WithLabelValues(s.Site, "expired").Add(float64(s.Expired))
	m.accounts.WithLabelValues(s.Site, "error").Add(float64(s.Errors))
}

// Enforced counts one enforcement.
func (m *Metrics) Enforced(site string, disabled bool) {
	if m == nil {
		return
	}
	outcome := "disabled"
	if !disabled {
		outcome = "disable_failed"
	}
	m.enforce.WithLabelValues(site, outcome).Inc()
}

// Corrected counts one audit correction.
func (m *Metrics) Corrected(site string) {
	if m == nil {
		return
	}
	m.corrections.WithLabelValues(site).Inc()
}

// JobDone observes a job run duration.
func (m *Metrics) JobDone(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// SiteStatus sets the status gauge.
func (m *Metrics) SiteStatus(site string, st model.SiteStatus) {
	if m == nil {
		return
	}
	v := 0.0
	switch st {
	case model.SiteOnline:
		v = 1
	case model.SiteError:
		v = -1
	}
	m.siteStatus.WithLabelValues(site).Set(v)
}

// SiteSkipped counts an overlapping run that was not started.
func (m *Metrics) SiteSkipped(job, site string) {
	if m == nil {
		return
	}
	m.siteSkips.WithLabelValues(job, site).Inc()
}
