package lifecycle

import (
	"errors"
	"time"

	"github.com/petrijr/asynctask/pkg/api"
)

const (
	// DefaultLeaseTimeout is how long an ATTEMPTED task is considered owned by
	// the invocation that claimed it.
	DefaultLeaseTimeout = 15 * time.Minute

	// DefaultReadRetryDelay is the pause before the initial task read is retried.
	DefaultReadRetryDelay = time.Second
)

var (
	ErrNilStore = errors.New("lifecycle: store is nil")
	ErrNilLogic = errors.New("lifecycle: execution logic is nil")
)

// Config describes how Enqueuer and Executor behave.
type Config struct {
	// LeaseTimeout bounds how long a claim is honored, and is the delay used
	// when a contended delivery is requeued. Zero means DefaultLeaseTimeout.
	LeaseTimeout time.Duration

	// ReadRetryDelay is slept before retrying the initial read in Execute.
	// Zero retries immediately.
	ReadRetryDelay time.Duration

	// ConditionalClaim makes Execute claim with a compare-and-swap on
	// UpdatedAt. The store must implement api.ConditionalStore.
	ConditionalClaim bool

	// Requeue sends contended deliveries back to their queue. When nil,
	// contention is reported as *api.RetryLaterError even if delivery
	// metadata is present.
	Requeue api.MessageSender

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Observer receives lifecycle events. Defaults to api.NoopObserver.
	Observer api.Observer
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		LeaseTimeout:   DefaultLeaseTimeout,
		ReadRetryDelay: DefaultReadRetryDelay,
		Clock:          time.Now,
		Observer:       api.NoopObserver{},
	}
}

func (c Config) withDefaults() Config {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.ReadRetryDelay < 0 {
		c.ReadRetryDelay = 0
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	return c
}
