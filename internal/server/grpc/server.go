// Package grpcserver exposes the daemon's ops gRPC surface: the standard health service, with
// the overall "" entry for the process and one entry per site.
package grpcserver

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/netquota/hotspotd/internal/model"
)

// Health publishes site status observations as gRPC serving statuses.
// It implements service.StatusSink.
type Health struct {
	hs *health.Server

	mu    sync.Mutex // protects sites
	sites map[string]model.SiteStatus
}

// NewHealth returns a Health whose overall status is SERVING.
func NewHealth() *Health {
	return &Health{hs: health.NewServer(), sites: make(map[string]model.SiteStatus)}
}

// SetSiteStatus marks site SERVING when online and NOT_SERVING otherwise.
func (h *Health) SetSiteStatus(site string, st model.SiteStatus) {
	h.mu.Lock()
	h.sites[site] = st
	h.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st == model.SiteOnline {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus(site, status)
}

// Sites returns the last status seen per site.
func (h *Health) Sites() map[string]model.SiteStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]model.SiteStatus, len(h.sites))
	for k, v := range h.sites {
		out[k] = v
	}
	return out
}

// Shutdown flips every entry to NOT_SERVING so probes fail while the daemon drains.
func (h *Health) Shutdown() { h.hs.Shutdown() }

// Server is the ops gRPC server.
type Server struct {
	srv *grpc.Server
	log *zap.Logger
}

// New builds the server with recovery and logging interceptors and registers health.
func New(h *Health, enableReflection bool, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("grpc")
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
		),
	)
	healthpb.RegisterHealthServer(srv, h.hs)
	if enableReflection {
		reflection.Register(srv)
	}
	return &Server{srv: srv, log: log}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("listening", zap.String("addr", lis.Addr().String()))
	return s.srv.Serve(lis)
}

// Stop drains gracefully and forces the stop when ctx ends first.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.srv.Stop()
	}
}

// StopTimeout is Stop bounded by d.
func (s *Server) StopTimeout(d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	s.Stop(ctx)
}
