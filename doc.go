// Package asynctask runs idempotent background tasks dispatched through a
// queue, for Go services that must not do the same work twice.
//
// A task is a caller-defined payload plus lifecycle state kept in a store.
// The payload's unique key identifies the same logical task across repeated
// enqueue calls; an optional mutex key names a resource that at most one
// task may work on at a time.
//
// # Core Concepts
//
// The asynctask programming model is intentionally small:
//
//  1. Store
//  2. Queue
//  3. Enqueuer
//  4. Executor
//  5. Worker
//  6. LocalRunner
//
// # Store
//
// A Store persists tasks by unique key. Stores are available for:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Every store also looks tasks up by mutex key and supports the
// compare-and-swap write used by Config.ConditionalClaim.
//
// # Enqueuer
//
// Enqueue records a task as QUEUED and dispatches it. A task that is already
// QUEUED, ATTEMPTED, FULFILLED or CANCELED is returned unchanged, so calling
// Enqueue repeatedly for the same input is safe:
//
//	enq, _ := asynctask.NewEnqueuer(store, asynctask.Dispatch[EnrichProduct](q), asynctask.DefaultConfig())
//	task, err := enq.Enqueue(ctx, EnrichProduct{ProductID: "p-1"})
//
// # Executor
//
// Execute is called with a delivered task. It reads the stored state, skips
// settled tasks, defers while another invocation holds the lease or the
// mutex key, claims the task as ATTEMPTED and runs the caller's Logic. The
// logic must move the task away from ATTEMPTED; FulfillOnSuccess does that
// for plain handlers. A failing logic leaves the task FAILED.
//
// Contended deliveries are requeued with a delay when delivery metadata is
// present and Config.Requeue is set; otherwise Execute returns a
// *RetryLaterError.
//
// # Worker
//
// A Worker pulls envelopes from a MessageQueue, executes them and settles
// each message: ack on success, nack with a delay on contention or failure,
// dead-letter after WorkerConfig.MaxReceives. Queues are available for the
// same backends as stores, plus Amazon SQS. On AWS Lambda, pkg/sqsevent
// adapts an Executor to an SQS event handler instead.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory store, queue, and worker into a single,
// process-local helper useful for development and unit testing.
// SQLiteBundle does the same on one SQLite database and survives restarts.
//
// LocalRunner is intentionally **not crash-durable**, but it is the most
// convenient way to run and debug task handlers during development.
//
// For examples, see the /examples directory.
package asynctask
