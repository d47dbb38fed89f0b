package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryOnce_SucceedsFirstTime(t *testing.T) {
	calls := 0
	retried := false
	err := RetryOnce(context.Background(), RetryOptions{OnRetry: func(error) { retried = true }},
		func(ctx context.Context) error {
			calls++
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.False(t, retried)
}

func TestRetryOnce_SucceedsOnSecondAttempt(t *testing.T) {
	first := errors.New("first")
	calls := 0
	var seen error
	err := RetryOnce(context.Background(), RetryOptions{OnRetry: func(err error) { seen = err }},
		func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return first
			}
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Same(t, first, seen)
}

func TestRetryOnce_ReturnsSecondError(t *testing.T) {
	errs := []error{errors.New("first"), errors.New("second")}
	calls := 0
	err := RetryOnce(context.Background(), RetryOptions{}, func(ctx context.Context) error {
		e := errs[calls]
		calls++
		return e
	})
	require.Equal(t, 2, calls)
	require.Same(t, errs[1], err)
}

func TestRetryOnce_SleepsDelay(t *testing.T) {
	delay := 30 * time.Millisecond
	calls := 0
	start := time.Now()
	_ = RetryOnce(context.Background(), RetryOptions{Delay: delay}, func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})
	require.Equal(t, 2, calls)
	require.GreaterOrEqual(t, time.Since(start), delay)
}

func TestRetryOnce_ContextCanceledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryOnce(ctx, RetryOptions{Delay: time.Hour, OnRetry: func(error) { cancel() }},
		func(ctx context.Context) error {
			calls++
			return errors.New("boom")
		})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
