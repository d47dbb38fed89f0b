package lifecycle

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryOptions configures RetryOnce.
type RetryOptions struct {
	// Delay is slept between the first and the second attempt.
	Delay time.Duration
	// OnRetry, when set, is called with the first failure before sleeping.
	OnRetry func(err error)
}

// RetryOnce runs fn, and if it fails runs it exactly once more after
// opts.Delay. The second failure is returned as is. Sleeping honors ctx.
func RetryOnce(ctx context.Context, opts RetryOptions, fn func(ctx context.Context) error) error {
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}
	// retry.NewConstant rejects a zero delay, so the backoff is built by hand.
	backoff := retry.WithMaxRetries(1, retry.BackoffFunc(func() (time.Duration, bool) {
		return delay, false
	}))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == 1 && opts.OnRetry != nil {
			opts.OnRetry(err)
		}
		return retry.RetryableError(err)
	})
}
