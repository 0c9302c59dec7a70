// Package service holds the reconciliation engine, the enforcement actuator and the
// scheduled policies that act on the ledger and the site devices.
package service

import (
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/metrics"
	"github.com/netquota/hotspotd/internal/notify"
	"github.com/netquota/hotspotd/internal/repository"
)

// Deps are the collaborators shared by the services.
type Deps struct {
	Accounts repository.AccountRepository
	Sites    repository.SiteRepository
	Settings repository.SettingsRepository
	Gateways gateway.Factory
	Recorder *Recorder
	Notifier notify.Notifier
	Metrics  *metrics.Metrics // optional
	Clock    quartz.Clock
	Retry    RetryPolicy
	// Settle is the pause between removing a session and disabling its account.
	Settle time.Duration
	Logger *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = quartz.NewReal()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Noop{}
	}
	if d.Retry.Attempts <= 0 {
		d.Retry = DefaultRetry
	}
	return d
}

func (d Deps) siteStatus(sink StatusSink, name string) *siteStatus {
	return &siteStatus{
		sites:   d.Sites,
		metrics: d.Metrics,
		sink:    sink,
		clock:   d.Clock,
		log:     d.Logger.Named(name),
	}
}
