package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds caller-side retries of read-only ledger calls.
type RetryPolicy struct {
	Attempts        uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy allows three retries starting at 200ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second}

// RetryRead retries a read with exponential backoff while the error is transient.
// It must only wrap idempotent reads; mints and transfers are never retried
// because an observed failure may still have landed on-chain.
func RetryRead[T any](ctx context.Context, policy RetryPolicy, read func(context.Context) (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		eb.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		eb.MaxInterval = policy.MaxInterval
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, policy.Attempts), ctx)

	var out T
	err := backoff.Retry(func() error {
		value, err := read(ctx)
		if err != nil {
			if !Transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = value
		return nil
	}, b)
	return out, err
}
