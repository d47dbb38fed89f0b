package asynctask

import (
	"context"
	"time"

	"github.com/petrijr/asynctask/internal/lifecycle"
)

// RetryOnce runs fn and, if it fails, runs it exactly once more after
// opts.Delay. The second error is returned as is.
func RetryOnce(ctx context.Context, opts RetryOptions, fn func(ctx context.Context) error) error {
	return lifecycle.RetryOnce(ctx, opts, fn)
}

// RetryBuilder provides a fluent way to construct RetryOptions.
type RetryBuilder struct {
	opts RetryOptions
}

// Retry creates a RetryBuilder that waits delay before the second attempt.
//
// A negative delay is treated as zero.
func Retry(delay time.Duration) RetryBuilder {
	if delay < 0 {
		delay = 0
	}
	return RetryBuilder{opts: RetryOptions{Delay: delay}}
}

// Immediate disables the sleep between the two attempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	o := r.opts
	o.Delay = 0
	return RetryBuilder{opts: o}
}

// Notify calls fn with the first failure before the retry.
//
// Example:
//
//	Retry(time.Second).Notify(func(err error) { log.Printf("retrying: %v", err) })
func (r RetryBuilder) Notify(fn func(err error)) RetryBuilder {
	o := r.opts
	o.OnRetry = fn
	return RetryBuilder{opts: o}
}

// Options returns the underlying RetryOptions.
func (r RetryBuilder) Options() RetryOptions {
	return r.opts
}

// Do runs fn with RetryOnce.
func (r RetryBuilder) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return RetryOnce(ctx, r.opts, fn)
}
