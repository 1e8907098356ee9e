package decision

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds retries of transient engine failures. Evaluate is
// safe to repeat: the engine dedupes pending approvals by context hash.
type RetryPolicy struct {
	MaxTries uint
	Wait     time.Duration
}

// DefaultRetry tries three times, starting at 200ms between attempts.
var DefaultRetry = RetryPolicy{MaxTries: 3, Wait: 200 * time.Millisecond}

// retry runs op until it succeeds, returns a backoff.Permanent error, or
// the policy is exhausted. The returned error is never wrapped in
// *backoff.PermanentError.
func retry[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Wait
	b.MaxInterval = 10 * p.Wait

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return res, err
}
