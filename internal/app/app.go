// Package app wires the ledger, device gateways and services from a Config. It is shared by
// the daemon and the operator CLI so both act on the same stack.
package app

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/netquota/hotspotd/internal/config"
	"github.com/netquota/hotspotd/internal/crypto"
	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/metrics"
	"github.com/netquota/hotspotd/internal/notify"
	"github.com/netquota/hotspotd/internal/orchestrator"
	"github.com/netquota/hotspotd/internal/repository/postgres"
	"github.com/netquota/hotspotd/internal/service"
	"github.com/netquota/hotspotd/internal/sitelock"
	"github.com/netquota/hotspotd/internal/synclog"
)

// NewLogger builds the process logger: JSON production encoding or console development
// encoding, at the configured level.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Options tune Build.
type Options struct {
	Logger *zap.Logger
	// Sink receives site status changes; nil drops them.
	Sink service.StatusSink
	// Registerer receives the collectors; nil keeps them in a private registry.
	Registerer prometheus.Registerer
	Clock      quartz.Clock
}

// App is the wired stack.
type App struct {
	DB       *postgres.DB
	Accounts *postgres.AccountRepo
	Sites    *postgres.SiteRepo
	Settings *postgres.SettingsRepo
	Sealer   *crypto.Sealer
	Metrics  *metrics.Metrics
	Journal  *synclog.Log
	Services service.Services
	Runner   *service.Runner

	redis *redis.Client
	log   *zap.Logger
}

// Build opens the pool and constructs every collaborator. Close releases them.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	log := opts.Logger

	sealer, err := crypto.NewSealer([]byte(cfg.Security.SecretKey), []byte(cfg.Security.Salt))
	if err != nil {
		return nil, fmt.Errorf("sealer: %w", err)
	}

	db, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	a := &App{
		DB:       db,
		Accounts: postgres.NewAccountRepo(db),
		Sites:    postgres.NewSiteRepo(db),
		Settings: postgres.NewSettingsRepo(db),
		Sealer:   sealer,
		Metrics:  metrics.New(opts.Registerer),
		Journal:  synclog.New(cfg.SyncLog.Path, cfg.SyncLog.MaxSizeMB, cfg.SyncLog.MaxBackups, opts.Clock),
		log:      log,
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.SMTP.Host != "" {
		notifier = notify.NewSMTP(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Hello:    cfg.SMTP.Hello,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		})
	}

	var locker sitelock.Locker = sitelock.NewMemory()
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = sitelock.NewRedis(a.redis, cfg.Redis.Prefix, cfg.Redis.LockTTL)
		log.Info("site locks shared through redis", zap.String("addr", cfg.Redis.Addr))
	}

	deps := service.Deps{
		Accounts: a.Accounts,
		Sites:    a.Sites,
		Settings: a.Settings,
		Gateways: gateway.NewFactory(gateway.Options{
			Scheme:      cfg.Gateway.Scheme,
			DefaultPort: cfg.Gateway.DefaultPort,
			Timeout:     cfg.Gateway.Timeout,
			InsecureTLS: !cfg.Gateway.VerifyTLS,
		}, sealer),
		Recorder: service.NewRecorder(postgres.NewConnectionLogRepo(db), postgres.NewActivityRepo(db), opts.Clock, log),
		Notifier: notifier,
		Metrics:  a.Metrics,
		Clock:    opts.Clock,
		Retry:    service.RetryPolicy{Attempts: cfg.Engine.RetryAttempts, Backoff: cfg.Engine.RetryBackoff},
		Settle:   cfg.Engine.EnforceSettle,
		Logger:   log,
	}

	enforcer := service.NewEnforcementService(deps)
	a.Services = service.Services{
		Reconcile:    service.NewReconcileService(deps, enforcer, opts.Sink),
		Cohort:       service.NewCohortService(deps),
		Renewal:      service.NewRenewalService(deps),
		Audit:        service.NewAuditService(deps, enforcer),
		Connectivity: service.NewConnectivityService(deps, opts.Sink),
		Accounts:     service.NewAccountService(deps, enforcer),
	}

	sweeper := orchestrator.NewSweeper(orchestrator.SweepOptions{
		Parallelism: cfg.Engine.SiteParallelism,
		Pacing:      cfg.Engine.SitePacing,
		SiteTimeout: cfg.Engine.SiteTimeout,
		Locker:      locker,
		Clock:       opts.Clock,
		Metrics:     a.Metrics,
		Logger:      log,
	})
	a.Runner = service.NewRunner(a.Sites, a.Settings, a.Services, sweeper, a.Journal, log)
	return a, nil
}

// Close releases the pool, the redis client and the sync log.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("close redis", zap.Error(err))
		}
	}
	if err := a.Journal.Close(); err != nil {
		a.log.Warn("close sync log", zap.Error(err))
	}
	a.DB.Close()
}
