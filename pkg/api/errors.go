package api

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies lifecycle errors so callers can branch without
// depending on message text.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindInvalidRequest ErrorKind = "invalid_request"
	KindRetryLater     ErrorKind = "retry_later"
	KindInvariant      ErrorKind = "invariant_violation"
	KindOther          ErrorKind = "other"
)

var (
	// ErrInvalidRequest marks caller errors that must not be retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRetryLater marks transient contention; the delivery should be retried later.
	ErrRetryLater = errors.New("retry later")

	// ErrInvariantViolation marks integration bugs. Never retried.
	ErrInvariantViolation = errors.New("invariant violation")
)

var (
	// ErrTaskNotFound is returned by Execute when the delivered task was never materialized.
	ErrTaskNotFound = fmt.Errorf("%w: task not found by unique key", ErrInvalidRequest)

	// ErrUnsupportedQueue is returned when the queue contract cannot be dispatched to.
	ErrUnsupportedQueue = fmt.Errorf("%w: unsupported queue mechanism", ErrInvariantViolation)

	// ErrMutexLookupUnsupported is returned when a task type declares a mutex key
	// but its store cannot look tasks up by mutex.
	ErrMutexLookupUnsupported = fmt.Errorf("%w: task declares a mutex key but the store does not implement FindByMutex", ErrInvariantViolation)

	// ErrConditionalClaimUnsupported is returned when conditional claims are
	// configured but the store has no conditional write.
	ErrConditionalClaimUnsupported = fmt.Errorf("%w: conditional claim configured but the store does not implement UpsertIfUnchanged", ErrInvariantViolation)

	// ErrStatusStillAttempted is returned when execution logic left the task ATTEMPTED.
	ErrStatusStillAttempted = fmt.Errorf("%w: execution logic did not change task status away from ATTEMPTED", ErrInvariantViolation)

	// ErrTaskVanished is returned when the task cannot be re-read after execution.
	ErrTaskVanished = fmt.Errorf("%w: task can no longer be found by unique key", ErrInvariantViolation)

	// ErrEnvelopeMissingTask is returned when a message body carries no task.
	ErrEnvelopeMissingTask = fmt.Errorf("%w: could not find task on message body", ErrInvariantViolation)

	// ErrMultipleRecords is returned when a single delivery carries more than one record.
	ErrMultipleRecords = fmt.Errorf("%w: more than one record delivered at once", ErrInvariantViolation)

	// ErrNoRecords is returned when a delivery carries no record at all.
	ErrNoRecords = fmt.Errorf("%w: no record delivered", ErrInvariantViolation)
)

// RetryLaterError signals contention: the task may still be running elsewhere
// or its mutex is held. It matches ErrRetryLater with errors.Is.
type RetryLaterError struct {
	Reason string
	Fields map[string]any
}

func (e *RetryLaterError) Error() string {
	var b strings.Builder
	b.WriteString("retry later: ")
	b.WriteString(e.Reason)
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
		}
	}
	return b.String()
}

func (e *RetryLaterError) Is(target error) bool {
	return target == ErrRetryLater
}

// KindOf returns the kind of err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRetryLater):
		return KindRetryLater
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariant
	default:
		return KindOther
	}
}

// IsRetryLater reports whether err asks for the delivery to be retried later.
func IsRetryLater(err error) bool {
	return errors.Is(err, ErrRetryLater)
}
