package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/netquota/hotspotd/internal/gateway"
)

// RetryPolicy bounds how often a single remote write is attempted.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetry is two attempts one second apart.
var DefaultRetry = RetryPolicy{Attempts: 2, Backoff: time.Second}

// Do runs op until it succeeds, the attempts are spent or ctx ends.
// Rejected credentials are not retried.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Backoff), uint64(attempts-1)),
		ctx,
	)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && gateway.IsAuth(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
