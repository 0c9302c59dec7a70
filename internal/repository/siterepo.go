package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/netquota/hotspotd/internal/model"
)

// SiteRepository persists sites and their device credentials.
type SiteRepository interface {
	// Create inserts a site; ErrAlreadyExists on duplicate name.
	Create(ctx context.Context, s *model.Site) error
	// Get returns a site by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.Site, error)
	// GetByName returns a site by its unique name.
	GetByName(ctx context.Context, name string) (*model.Site, error)
	// List returns all sites ordered by name.
	List(ctx context.Context) ([]model.Site, error)
	// UpdateStatus records the latest connectivity observation.
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.SiteStatus, at time.Time) error
	// SetActiveCohort changes the turma allowed online.
	SetActiveCohort(ctx context.Context, id uuid.UUID, c model.Cohort) error
}
