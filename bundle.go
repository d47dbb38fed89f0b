package asynctask

import (
	"context"
	"database/sql"

	"github.com/petrijr/asynctask/internal/persistence"
	"github.com/petrijr/asynctask/internal/taskqueue"
)

// SQLiteBundle wires together a task store, a durable queue and a Worker
// sharing one SQLite database.
type SQLiteBundle[P Payload, R any] struct {
	Store    *persistence.SQLiteStore[P]
	Queue    *taskqueue.SQLiteQueue
	Enqueuer *Enqueuer[P]
	Executor *Executor[P, R]
	Worker   *Worker[P, R]

	group
}

// NewSQLiteBundle constructs a durable Store + Queue + Worker combo for the
// task type taskName. Task state and queued envelopes are persisted in the
// provided *sql.DB, so work enqueued before a restart is picked up after it.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:asynctask.db?_pragma=journal_mode(WAL)")
//	bundle, err := asynctask.NewSQLiteBundle[EnrichProduct, string](db, "EnrichProduct", handle, asynctask.RunnerConfig{})
//	_, _ = bundle.Enqueue(ctx, EnrichProduct{ProductID: "p-1"})
//	_ = bundle.StartWorkers(ctx, 1)
func NewSQLiteBundle[P Payload, R any](db *sql.DB, taskName string, handler Handler[P, R], cfg RunnerConfig) (*SQLiteBundle[P, R], error) {
	store, err := persistence.NewSQLiteStore[P](db, taskName, persistence.WithClock(cfg.Lifecycle.Clock))
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db, "sqlite://"+taskName, cfg.queueOptions()...)
	if err != nil {
		return nil, err
	}

	enq, exec, w, err := assemble[P, R](store, q, handler, cfg)
	if err != nil {
		return nil, err
	}
	return &SQLiteBundle[P, R]{
		Store:    store,
		Queue:    q,
		Enqueuer: enq,
		Executor: exec,
		Worker:   w,
		group:    group{run: w.Run},
	}, nil
}

// Enqueue records input as a task and dispatches it to the bundle's queue.
func (b *SQLiteBundle[P, R]) Enqueue(ctx context.Context, input P) (*Task[P], error) {
	return b.Enqueuer.Enqueue(ctx, input)
}
