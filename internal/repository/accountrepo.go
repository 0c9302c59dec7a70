package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/netquota/hotspotd/internal/model"
)

// AccountRepository is the ledger store. Update methods are split by field group so that
// each job only writes the columns it owns.
type AccountRepository interface {
	// Create inserts a new account; ErrAlreadyExists on duplicate (site, username).
	Create(ctx context.Context, a *model.Account) error

	// Get returns a single account by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.Account, error)

	// ListBySite returns all accounts of a site ordered by username.
	ListBySite(ctx context.Context, siteID uuid.UUID) ([]model.Account, error)

	// ListByStatus returns accounts across all sites with the given status.
	ListByStatus(ctx context.Context, status model.AccountStatus) ([]model.Account, error)

	// ListAll returns every account.
	ListAll(ctx context.Context) ([]model.Account, error)

	// SaveUsage persists usage and session fields (reconciliation-owned).
	SaveUsage(ctx context.Context, a *model.Account) error

	// MarkExpired sets status=expired and persists session fields, counter_baseline and last_expired_at from a.
	MarkExpired(ctx context.Context, a *model.Account) error

	// SetStatus changes lifecycle status unless the account is expired (cohort-owned).
	// Returns ErrNotFound when no non-expired row matched.
	SetStatus(ctx context.Context, id uuid.UUID, status model.AccountStatus) error

	// ResetQuota persists quota_total, used_bytes, status, counter_baseline and last_quota_reset_at.
	ResetQuota(ctx context.Context, a *model.Account) error

	// Delete removes the ledger row.
	Delete(ctx context.Context, id uuid.UUID) error
}
