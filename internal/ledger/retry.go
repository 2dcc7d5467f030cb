package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"kasirledger/internal/domain"
)

// DefaultMaxTries bounds conflict retries for ledger writes.
const DefaultMaxTries = 5

// RetryOnConflict reruns op while it reports domain.ErrConcurrencyConflict,
// at most maxTries times. Any other error stops immediately. onRetry, when
// set, is called before each new attempt.
func RetryOnConflict[T any](ctx context.Context, maxTries uint, onRetry func(error), op func() (T, error)) (T, error) {
	if maxTries == 0 {
		maxTries = DefaultMaxTries
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, _ time.Duration) {
			onRetry(err)
		}))
	}

	return backoff.Retry(ctx, func() (T, error) {
		result, err := op()
		if err != nil && !errors.Is(err, domain.ErrConcurrencyConflict) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, opts...)
}
