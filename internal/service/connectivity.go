package service

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/metrics"
	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/repository"
)

// StatusSink is told about every site status observation, e.g. the health server.
type StatusSink interface {
	SetSiteStatus(site string, st model.SiteStatus)
}

// StatusFor maps a device error to the site status it implies.
func StatusFor(err error) model.SiteStatus {
	switch {
	case err == nil:
		return model.SiteOnline
	case gateway.IsConnectivity(err):
		return model.SiteOffline
	default:
		return model.SiteError
	}
}

// siteStatus persists and publishes site status observations.
type siteStatus struct {
	sites   repository.SiteRepository
	metrics *metrics.Metrics
	sink    StatusSink
	clock   quartz.Clock
	log     *zap.Logger
}

func (s *siteStatus) observe(ctx context.Context, site *model.Site, cause error) model.SiteStatus {
	st := StatusFor(cause)
	if site.Status != st {
		s.log.Info("site status changed",
			zap.String("site", site.Name),
			zap.String("from", string(site.Status)),
			zap.String("to", string(st)),
			zap.Error(cause))
	}
	now := s.clock.Now()
	if err := s.sites.UpdateStatus(context.WithoutCancel(ctx), site.ID, st, now); err != nil {
		s.log.Warn("persist site status", zap.String("site", site.Name), zap.Error(err))
	} else {
		site.Status = st
		site.CheckedAt = &now
	}
	s.metrics.SiteStatus(site.Name, st)
	if s.sink != nil {
		s.sink.SetSiteStatus(site.Name, st)
	}
	return st
}

// ConnectivityService probes devices and keeps site status current.
type ConnectivityService interface {
	// CheckSite reads the device identity and records online, offline or error.
	CheckSite(ctx context.Context, site *model.Site) (model.SiteStatus, error)
}

type ConnectivityServiceImpl struct {
	gateways gateway.Factory
	status   *siteStatus
	rec      *Recorder
	clock    quartz.Clock
}

// NewConnectivityService constructs ConnectivityService. sink may be nil.
func NewConnectivityService(d Deps, sink StatusSink) *ConnectivityServiceImpl {
	d = d.withDefaults()
	return &ConnectivityServiceImpl{
		gateways: d.Gateways,
		status:   d.siteStatus(sink, "connectivity"),
		rec:      d.Recorder,
		clock:    d.Clock,
	}
}

// CheckSite implements ConnectivityService.
func (s *ConnectivityServiceImpl) CheckSite(ctx context.Context, site *model.Site) (model.SiteStatus, error) {
	started := s.clock.Now()
	client, err := s.gateways.ForSite(site)
	if err != nil {
		s.rec.Connection(ctx, site.ID, model.ActionTestConn, started, err, "")
		return s.status.observe(ctx, site, err), err
	}
	name, err := client.Identity(ctx)
	st := s.status.observe(ctx, site, err)
	msg := ""
	if err == nil {
		msg = fmt.Sprintf("identity %q", name)
	}
	s.rec.Connection(ctx, site.ID, model.ActionTestConn, started, err, msg)
	return st, err
}
