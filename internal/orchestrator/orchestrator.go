// Package orchestrator owns the scheduled jobs of the daemon: their cadences, start/stop,
// rescheduling and on-demand runs, and the per-site fan-out each job performs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/metrics"
)

// JobFunc is one run of a job.
type JobFunc func(ctx context.Context) error

var (
	// ErrUnknownJob is returned for names that were never registered.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobRunning is returned when a run is requested while the previous one is in progress.
	ErrJobRunning = errors.New("job already running")
	// ErrDuplicateJob is returned when a name is registered twice.
	ErrDuplicateJob = errors.New("job already registered")
)

// Options configure an Orchestrator.
type Options struct {
	// Location interprets specs without a CRON_TZ= prefix. Defaults to UTC.
	Location *time.Location
	// JobTimeout bounds a single run; zero means no bound.
	JobTimeout time.Duration
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

type job struct {
	name    string
	spec    string
	fn      JobFunc
	entry   cron.EntryID
	running atomic.Bool
}

// Orchestrator runs registered jobs on their cron specs. Runs of the same job never overlap.
type Orchestrator struct {
	opts Options
	log  *zap.Logger
	cron *cron.Cron

	mu      sync.Mutex // protects following
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New constructs an Orchestrator; nothing runs until Start.
func New(opts Options) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.Named("orchestrator")
	return &Orchestrator{
		opts: opts,
		log:  log,
		cron: cron.New(cron.WithLocation(opts.Location), cron.WithLogger(cronLogger{log.Sugar()})),
		jobs: make(map[string]*job),
	}
}

// Register adds a job. An empty spec registers a job that only runs through Trigger.
func (o *Orchestrator) Register(name, spec string, fn JobFunc) error {
	if _, err := parseSpec(spec); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.jobs[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicateJob)
	}
	j := &job{name: name, spec: spec, fn: fn}
	o.jobs[name] = j
	if o.started {
		return o.schedule(j)
	}
	return nil
}

// Start schedules every registered job. Runs use ctx (and are cancelled with it or by Stop).
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	for _, j := range o.jobs {
		if err := o.schedule(j); err != nil {
			o.cancel()
			return err
		}
	}
	o.started = true
	o.cron.Start()
	o.log.Info("scheduler started", zap.Int("jobs", len(o.jobs)), zap.String("location", o.opts.Location.String()))
	return nil
}

// Stop stops scheduling, cancels runs in progress and waits until they return or ctx ends.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	cancel := o.cancel
	o.mu.Unlock()

	cronDone := o.cron.Stop()
	cancel()

	select {
	case <-cronDone.Done():
		o.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reschedule replaces a job's spec. An empty spec unschedules it.
func (o *Orchestrator) Reschedule(name, spec string) error {
	if _, err := parseSpec(spec); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	if j.entry != 0 {
		o.cron.Remove(j.entry)
		j.entry = 0
	}
	j.spec = spec
	if o.started {
		if err := o.schedule(j); err != nil {
			return err
		}
	}
	o.log.Info("job rescheduled", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Trigger runs a job now on the caller's goroutine and returns its error.
// It fails with ErrJobRunning while another run of the job is in progress.
func (o *Orchestrator) Trigger(ctx context.Context, name string) error {
	o.mu.Lock()
	j, ok := o.jobs[name]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	return o.run(ctx, j)
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Running bool      `json:"running"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
}

// Jobs lists registered jobs ordered by name.
func (o *Orchestrator) Jobs() []JobInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]JobInfo, 0, len(o.jobs))
	for _, j := range o.jobs {
		info := JobInfo{Name: j.name, Spec: j.spec, Running: j.running.Load()}
		if j.entry != 0 {
			e := o.cron.Entry(j.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// schedule adds j to cron; o.mu must be held.
func (o *Orchestrator) schedule(j *job) error {
	if j.spec == "" {
		return nil
	}
	ctx := o.ctx
	id, err := o.cron.AddFunc(j.spec, func() {
		if err := o.run(ctx, j); err != nil && !errors.Is(err, ErrJobRunning) {
			o.log.Warn("job failed", zap.String("job", j.name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", j.name, err)
	}
	j.entry = id
	return nil
}

func (o *Orchestrator) run(ctx context.Context, j *job) (err error) {
	if !j.running.CompareAndSwap(false, true) {
		o.log.Info("previous run still in progress; skipping", zap.String("job", j.name))
		return fmt.Errorf("%s: %w", j.name, ErrJobRunning)
	}
	defer j.running.Store(false)

	runID := uuid.Must(uuid.NewV4())
	ctx = WithRunID(ctx, runID)
	if o.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.JobTimeout)
		defer cancel()
	}
	log := o.log.With(zap.String("job", j.name), zap.String("run_id", runID.String()))

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
		o.opts.Metrics.JobDone(j.name, time.Since(start))
		log.Info("job finished", zap.Duration("dur", time.Since(start)), zap.Error(err))
	}()
	log.Debug("job started")
	return j.fn(ctx)
}

func parseSpec(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, nil
	}
	return cron.ParseStandard(spec)
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
