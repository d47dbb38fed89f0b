package api

import (
	"net/url"
	"time"
)

// Status describes where a task is in its execution lifecycle.
type Status string

const (
	// StatusHalted means the task will not run until something changes,
	// e.g. it waits for user intervention or an external event.
	StatusHalted Status = "HALTED"
	// StatusScheduled means the task waits for a point in time before it is queued.
	StatusScheduled Status = "SCHEDULED"
	// StatusQueued means the task was dispatched for immediate execution.
	StatusQueued Status = "QUEUED"
	// StatusAttempted means an invocation claimed the task and is running it.
	StatusAttempted Status = "ATTEMPTED"
	// StatusFulfilled means the task ran successfully.
	StatusFulfilled Status = "FULFILLED"
	// StatusFailed means the last attempt returned an error.
	StatusFailed Status = "FAILED"
	// StatusCanceled means the task will never be executed.
	StatusCanceled Status = "CANCELED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusHalted, StatusScheduled, StatusQueued, StatusAttempted,
		StatusFulfilled, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Live reports whether the task is already in flight (queued or being attempted).
func (s Status) Live() bool {
	return s == StatusQueued || s == StatusAttempted
}

// Settled reports whether the task must never run again.
func (s Status) Settled() bool {
	return s == StatusFulfilled || s == StatusCanceled
}

// Key is a caller-defined subset of task fields, field name to value.
// Unique keys identify the same logical task; mutex keys identify a shared resource.
type Key map[string]string

// String returns the canonical form of the key: fields sorted by name and
// URL-encoded. Stores use it as the lookup column.
func (k Key) String() string {
	v := make(url.Values, len(k))
	for field, value := range k {
		v.Set(field, value)
	}
	return v.Encode()
}

// Empty reports whether the key has no fields.
func (k Key) Empty() bool {
	return len(k) == 0
}

// Payload is implemented by the caller-defined fields of a task type.
type Payload interface {
	// UniqueKey returns the fields identifying the same logical task
	// across repeated enqueue calls.
	UniqueKey() Key
}

// MutexPayload is implemented by task types that declare a mutex key.
// At most one task sharing a mutex key value may be ATTEMPTED at a time.
// An empty key on a given task means it shares no resource.
type MutexPayload interface {
	Payload
	MutexKey() Key
}

// Task is a unit of work and its lifecycle state.
//
// ID and UpdatedAt are assigned by the store on first write; a task that has
// both set is materialized.
type Task[P Payload] struct {
	ID        string    `json:"id,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
	Status    Status    `json:"status"`
	Payload   P         `json:"payload"`
}

// Materialized reports whether the task has been persisted at least once.
func (t *Task[P]) Materialized() bool {
	return t.ID != "" && !t.UpdatedAt.IsZero()
}

// UniqueKey returns the dedup key of the task.
func (t *Task[P]) UniqueKey() Key {
	return t.Payload.UniqueKey()
}

// MutexKey returns the mutex key of the task and whether its type declares one.
func (t *Task[P]) MutexKey() (Key, bool) {
	mp, ok := any(t.Payload).(MutexPayload)
	if !ok {
		return nil, false
	}
	return mp.MutexKey(), true
}

// WithStatus returns a copy of the task carrying the given status.
func (t Task[P]) WithStatus(s Status) Task[P] {
	t.Status = s
	return t
}

// DeclaresMutex reports whether task type P declares a mutex key.
func DeclaresMutex[P Payload]() bool {
	var zero P
	_, ok := any(zero).(MutexPayload)
	return ok
}
