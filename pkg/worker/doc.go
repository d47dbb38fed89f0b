// Package worker drains a task queue and runs each delivered envelope
// through an asynctask executor.
//
// A Worker receives one message at a time, decodes its envelope and calls
// Execute. The outcome decides how the message is settled:
//
//   - executed, skipped or requeued: the message is acked
//   - contention (retry later): the message is nacked with RetryDelay
//   - invalid request or invariant violation: the message is acked and the
//     error returned, since redelivery would fail the same way
//   - execution failure: the message is nacked until it has been received
//     MaxReceives times, then dead-lettered when the queue supports it and
//     acked otherwise
//
// Messages that cannot be decoded are acked and reported.
//
// Workers are decoupled from any particular queue backend. Anything that
// implements taskqueue.Receiver can be drained, and several workers can
// share a queue to scale out. For managed SQS consumers, see package
// sqsevent instead.
package worker
