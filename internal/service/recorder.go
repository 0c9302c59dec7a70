package service

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/repository"
)

// Recorder appends connection and activity log rows. Write failures are logged and swallowed:
// the logs describe what happened, they never decide it.
type Recorder struct {
	conns    repository.ConnectionLogRepository
	activity repository.ActivityRepository
	clock    quartz.Clock
	log      *zap.Logger
}

// NewRecorder constructs a Recorder. Either repository may be nil.
func NewRecorder(conns repository.ConnectionLogRepository, activity repository.ActivityRepository, clock quartz.Clock, logger *zap.Logger) *Recorder {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{conns: conns, activity: activity, clock: clock, log: logger.Named("recorder")}
}

// Connection records one remote interaction that started at started. A non-nil cause marks it failed
// and its text replaces msg.
func (r *Recorder) Connection(ctx context.Context, siteID uuid.UUID, action string, started time.Time, cause error, msg string) {
	if r == nil || r.conns == nil {
		return
	}
	e := &model.ConnectionLogEntry{
		SiteID:  siteID,
		Action:  action,
		Outcome: model.OutcomeSuccess,
		Message: msg,
		Latency: r.clock.Since(started),
	}
	if cause != nil {
		e.Outcome = model.OutcomeError
		if msg != "" {
			e.Message = msg + ": " + cause.Error()
		} else {
			e.Message = cause.Error()
		}
	}
	if err := r.conns.Append(context.WithoutCancel(ctx), e); err != nil {
		r.log.Warn("append connection log", zap.String("action", action), zap.Error(err))
	}
}

// Activity records a system activity entry.
func (r *Recorder) Activity(ctx context.Context, kind string, siteID, accountID *uuid.UUID, msg string) {
	if r == nil || r.activity == nil {
		return
	}
	e := &model.ActivityEntry{Kind: kind, SiteID: siteID, AccountID: accountID, Message: msg}
	if err := r.activity.Append(context.WithoutCancel(ctx), e); err != nil {
		r.log.Warn("append activity", zap.String("kind", kind), zap.Error(err))
	}
}
