package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryBackOff builds the exponential backoff policy container driver
// transient errors are retried under: base 100ms, factor 2, jitter ±20%,
// capped at 3 attempts. MaxInterval must exceed the largest interval the
// schedule can reach (100ms, 200ms for 3 tries) or incrementCurrentInterval
// clamps growth after the first step.
func retryBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// retryTransient runs fn, retrying up to 3 total attempts when it returns a
// KindContainerTransient *Error, with exponential backoff between
// attempts. Any other error, or exhaustion of retries, is returned as-is.
func retryTransient(ctx context.Context, fn func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		var werr *Error
		if errors.As(err, &werr) && werr.Kind == KindContainerTransient {
			return struct{}{}, err
		}
		// Non-transient: stop retrying immediately.
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(retryBackOff()), backoff.WithMaxTries(3))
	return err
}
