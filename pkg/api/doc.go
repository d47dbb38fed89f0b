// Package api contains the core building blocks shared by the asynctask
// packages: tasks and their statuses, the store and queue contracts, the
// envelope codec, error kinds, and observers.
//
// Most users interact with the higher-level asynctask package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom store or transport implementations.
//
// # Tasks
//
// A Task couples a caller-defined Payload with lifecycle state: an ID and
// UpdatedAt assigned by the store, and a Status. The payload's UniqueKey
// identifies the same logical task; a payload that also implements
// MutexPayload declares a resource shared with other tasks.
//
// Live statuses (QUEUED, ATTEMPTED) and settled statuses (FULFILLED,
// CANCELED) are never re-enqueued. HALTED, SCHEDULED and FAILED tasks are.
//
// # Stores and Queues
//
// Store is the minimal persistence contract. MutexStore and ConditionalStore
// are optional capabilities checked when an executor is built.
//
// Queue describes where tasks are dispatched: either a lease/retry-capable
// MessageSender addressed by URL (QueueTypeSQS), or a plain push function
// (QueueTypeAny).
//
// # Envelopes
//
// Messages sent to a MessageSender carry an Envelope: the task plus the Meta
// describing its dispatch. Requeued copies keep the EnqueueUUID and bump
// RequeueDepth.
//
// # Errors
//
// Every error returned by the lifecycle has a kind reported by KindOf:
// invalid requests (do not retry), retry-later contention, and invariant
// violations (a bug or misconfiguration).
//
// # Observability
//
// The Observer interface receives lifecycle events. LoggingObserver writes
// them to a *slog.Logger, BasicMetrics counts them in memory, and
// CompositeObserver fans out to several observers.
package api
