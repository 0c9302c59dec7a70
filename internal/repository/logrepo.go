package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/netquota/hotspotd/internal/model"
)

// ConnectionLogRepository is an append-only store of remote interactions.
type ConnectionLogRepository interface {
	Append(ctx context.Context, e *model.ConnectionLogEntry) error
	ListRecent(ctx context.Context, siteID uuid.UUID, limit int) ([]model.ConnectionLogEntry, error)
}

// ActivityRepository is an append-only store of system activity.
type ActivityRepository interface {
	Append(ctx context.Context, e *model.ActivityEntry) error
	ListRecent(ctx context.Context, limit int) ([]model.ActivityEntry, error)
}

// SettingsRepository reads and writes the single settings row.
type SettingsRepository interface {
	// Get returns ErrSettingsMissing when the row is absent.
	Get(ctx context.Context) (*model.Settings, error)
	Save(ctx context.Context, s *model.Settings) error
}
