package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/netquota/hotspotd/internal/metrics"
	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/sitelock"
)

// SiteFunc is the per-site body of a job.
type SiteFunc func(ctx context.Context, site *model.Site) error

// SweepSpec names a sweep.
type SweepSpec struct {
	// Job labels logs and metrics.
	Job string
	// Scope is the lock scope; sweeps sharing a scope never touch the same site at once.
	// Defaults to Job.
	Scope string
	// Wait makes a busy site wait for its lock instead of being skipped.
	Wait bool
}

// SweepResult aggregates one sweep. Failed maps site name to error text.
type SweepResult struct {
	Job     string            `json:"job"`
	Sites   int               `json:"sites"`
	Done    int               `json:"done"`
	Failed  map[string]string `json:"failed,omitempty"`
	Skipped []string          `json:"skipped,omitempty"`
}

// SweepOptions configure a Sweeper.
type SweepOptions struct {
	Parallelism int
	// Pacing is the pause after each site.
	Pacing      time.Duration
	SiteTimeout time.Duration
	// LockRetry is the poll interval of a waiting sweep. Defaults to one second.
	LockRetry time.Duration
	Locker    sitelock.Locker
	Clock     quartz.Clock
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Sweeper runs a SiteFunc over many sites with bounded parallelism. A failing or panicking
// site never stops the others.
type Sweeper struct {
	opts SweepOptions
	log  *zap.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(opts SweepOptions) *Sweeper {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.LockRetry <= 0 {
		opts.LockRetry = time.Second
	}
	if opts.Locker == nil {
		opts.Locker = sitelock.NewMemory()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sweeper{opts: opts, log: opts.Logger.Named("sweep")}
}

type siteOutcome int

const (
	siteDone siteOutcome = iota
	siteFailed
	siteSkipped
)

// Sweep runs fn for every site and returns when all of them finished.
func (s *Sweeper) Sweep(ctx context.Context, spec SweepSpec, sites []model.Site, fn SiteFunc) SweepResult {
	if spec.Scope == "" {
		spec.Scope = spec.Job
	}
	res := SweepResult{Job: spec.Job, Sites: len(sites)}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.Parallelism)
	for i := range sites {
		site := &sites[i]
		g.Go(func() error {
			out, err := s.runSite(ctx, spec, site, fn)
			mu.Lock()
			switch out {
			case siteDone:
				res.Done++
			case siteSkipped:
				res.Skipped = append(res.Skipped, site.Name)
			case siteFailed:
				if res.Failed == nil {
					res.Failed = make(map[string]string)
				}
				res.Failed[site.Name] = err.Error()
			}
			mu.Unlock()
			s.pace(ctx)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Skipped)
	return res
}

func (s *Sweeper) runSite(ctx context.Context, spec SweepSpec, site *model.Site, fn SiteFunc) (out siteOutcome, err error) {
	log := s.log.With(zap.String("job", spec.Job), zap.String("site", site.Name))
	if id, ok := RunIDFromCtx(ctx); ok {
		log = log.With(zap.String("run_id", id.String()))
	}

	release, ok, err := s.acquire(ctx, sitelock.Key(spec.Scope, site.Name), spec.Wait)
	if err != nil {
		log.Warn("site lock", zap.Error(err))
		return siteFailed, fmt.Errorf("site lock: %w", err)
	}
	if !ok {
		log.Info("site busy; skipping")
		s.opts.Metrics.SiteSkipped(spec.Job, site.Name)
		return siteSkipped, nil
	}
	defer release()

	if s.opts.SiteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SiteTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
			)
			out, err = siteFailed, fmt.Errorf("panic: %v", r)
		}
	}()
	if err := fn(ctx, site); err != nil {
		log.Warn("site failed", zap.Error(err))
		return siteFailed, err
	}
	return siteDone, nil
}

func (s *Sweeper) acquire(ctx context.Context, key string, wait bool) (func(), bool, error) {
	for {
		release, ok, err := s.opts.Locker.TryLock(ctx, key)
		if err != nil || ok || !wait {
			return release, ok, err
		}
		t := s.opts.Clock.NewTimer(s.opts.LockRetry, "sweep", "lock")
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, false, ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Sweeper) pace(ctx context.Context) {
	if s.opts.Pacing <= 0 {
		return
	}
	t := s.opts.Clock.NewTimer(s.opts.Pacing, "sweep", "pace")
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
