package orchestrator

import (
	"context"

	"github.com/gofrs/uuid/v5"
)

type ctxKey string

const runIDKey ctxKey = "hotspotd.runID"

// WithRunID stores the id of the job run in context.
func WithRunID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromCtx fetches the job run id from context.
func RunIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	v := ctx.Value(runIDKey)
	if v == nil {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
