// Command hotspotd runs the usage reconciliation and credit enforcement daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/app"
	"github.com/netquota/hotspotd/internal/config"
	"github.com/netquota/hotspotd/internal/migrate"
	"github.com/netquota/hotspotd/internal/orchestrator"
	grpcserver "github.com/netquota/hotspotd/internal/server/grpc"
	httpserver "github.com/netquota/hotspotd/internal/server/http"
	"github.com/netquota/hotspotd/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, migrates the ledger, schedules the jobs and serves the ops probes.
func main() {
	cfgPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	health := grpcserver.NewHealth()
	a, err := app.Build(ctx, cfg, app.Options{
		Logger:     logger,
		Sink:       health,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logger.Fatal("wire", zap.Error(err))
	}
	defer a.Close()

	loc, _ := time.LoadLocation(cfg.Schedule.Timezone) // checked by Validate
	orch := orchestrator.New(orchestrator.Options{
		Location:   loc,
		JobTimeout: 30 * time.Minute,
		Metrics:    a.Metrics,
		Logger:     logger,
	})
	renewal, err := renewalSpec(ctx, cfg.Schedule, a.Settings, logger)
	if err != nil {
		logger.Fatal("renewal schedule", zap.Error(err))
	}
	if err := registerJobs(orch, cfg.Schedule, renewal, a.Runner); err != nil {
		logger.Fatal("register jobs", zap.Error(err))
	}

	// Ops listeners
	grpcLis, err := net.Listen("tcp", cfg.Ops.GRPCAddr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}
	httpLis, err := net.Listen("tcp", cfg.Ops.HTTPAddr)
	if err != nil {
		logger.Fatal("listen http", zap.Error(err))
	}
	gs := grpcserver.New(health, cfg.Ops.Reflection, logger)
	hs := httpserver.New(httpserver.Options{
		DB:       a.DB,
		Gatherer: prometheus.DefaultGatherer,
		SyncLog:  a.Journal,
		Jobs:     orch,
		Sites:    health,
		Logger:   logger,
	})

	errCh := make(chan error, 2)
	go func() { errCh <- gs.Serve(grpcLis) }()
	go func() { errCh <- hs.Serve(httpLis) }()

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("start scheduler", zap.Error(err))
	}
	// Probe sites right away so health carries one entry per site before the first tick.
	go func() {
		if err := orch.Trigger(ctx, service.JobConnectivity); err != nil {
			logger.Warn("initial connectivity check", zap.Error(err))
		}
	}()

	// Wait for stop
	exit := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exit = 1
	}

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Warn("stop scheduler", zap.Error(err))
	}
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelStop()
	if err := hs.Shutdown(stopCtx); err != nil {
		logger.Warn("stop http", zap.Error(err))
	}
	gs.Stop(stopCtx)

	logger.Info("shutdown complete")
	if exit != 0 {
		a.Close()
		_ = logger.Sync()
		os.Exit(exit)
	}
}
