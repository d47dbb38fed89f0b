package persistence

import (
	"errors"
	"time"

	"github.com/petrijr/asynctask/pkg/api"
)

var (
	// ErrStoreNil is returned when a store is constructed without its client.
	ErrStoreNil = errors.New("persistence: nil client")

	// ErrTaskNameRequired is returned when a store is constructed without a task name.
	ErrTaskNameRequired = errors.New("persistence: task name is required")

	// ErrInvalidStatus is returned when a task with an unknown status is written.
	ErrInvalidStatus = errors.New("persistence: invalid task status")
)

// TaskStore is implemented by every store in this package: lookups by
// unique and mutex key plus plain and conditional upserts.
//
// Each store instance holds the tasks of one task type, identified by the
// task name it was constructed with.
type TaskStore[P api.Payload] interface {
	api.Store[P]
	api.MutexStore[P]
	api.ConditionalStore[P]
}

// Option configures a store.
type Option func(*options)

type options struct {
	clock func() time.Time
}

// WithClock overrides the clock used to stamp UpdatedAt.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
