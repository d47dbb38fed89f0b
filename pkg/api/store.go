package api

import (
	"context"
	"time"
)

// Store persists tasks of one task type.
//
// The context carries whatever the store needs per call (deadlines,
// transactions). Stores own concurrency control; the lifecycle never locks.
type Store[P Payload] interface {
	// FindByUnique returns the task with the given unique key, or nil, nil
	// when no task matches.
	FindByUnique(ctx context.Context, key Key) (*Task[P], error)
	// Upsert creates or replaces the task identified by its unique key and
	// returns the materialized record with ID and UpdatedAt set.
	Upsert(ctx context.Context, task Task[P]) (*Task[P], error)
}

// MutexStore is implemented by stores able to look up tasks by mutex key.
// It is required for task types that declare a mutex key.
type MutexStore[P Payload] interface {
	FindByMutex(ctx context.Context, key Key, status Status) ([]*Task[P], error)
}

// ConditionalStore is implemented by stores offering an atomic conditional
// write. It is only used when the lifecycle is configured for conditional
// claims.
type ConditionalStore[P Payload] interface {
	// UpsertIfUnchanged writes task only if the persisted record still has
	// UpdatedAt equal to expected. ok is false when another writer got there
	// first.
	UpsertIfUnchanged(ctx context.Context, task Task[P], expected time.Time) (stored *Task[P], ok bool, err error)
}
