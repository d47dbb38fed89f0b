package asynctask

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/asynctask/internal/persistence"
	"github.com/petrijr/asynctask/internal/taskqueue"
)

var (
	// ErrRunnerStarted is returned by StartWorkers when workers are already running.
	ErrRunnerStarted = errors.New("asynctask: runner already started")
	ErrNilHandler    = errors.New("asynctask: handler is nil")
)

// Handler does the work for one task. Runners wrap it with FulfillOnSuccess,
// so it does not touch the store itself.
type Handler[P Payload, R any] func(ctx context.Context, task Task[P]) (R, error)

// RunnerConfig configures LocalRunner and SQLiteBundle.
type RunnerConfig struct {
	// Lifecycle configures enqueue and execute. Requeue defaults to the
	// runner's own queue.
	Lifecycle Config

	// Worker configures how deliveries are settled.
	Worker WorkerConfig

	// QueueOptions are passed to the queue constructor.
	QueueOptions []QueueOption
}

// queueOptions puts the lifecycle clock ahead of the caller's options.
func (c RunnerConfig) queueOptions() []QueueOption {
	if c.Lifecycle.Clock == nil {
		return c.QueueOptions
	}
	return append([]QueueOption{taskqueue.WithClock(c.Lifecycle.Clock)}, c.QueueOptions...)
}

// LocalRunner bundles an in-memory store, an in-memory queue and workers
// to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner, _ := asynctask.NewLocalRunner[EnrichProduct, string](handle, asynctask.RunnerConfig{})
//	_ = runner.StartWorkers(ctx, 2)
//	_, _ = runner.Enqueue(ctx, EnrichProduct{ProductID: "p-1"})
//	...
//	runner.Stop()
type LocalRunner[P Payload, R any] struct {
	// Store keeps task state.
	Store *persistence.MemoryStore[P]

	// Queue carries envelopes from Enqueuer to Worker.
	Queue *taskqueue.InMemoryQueue

	Enqueuer *Enqueuer[P]
	Executor *Executor[P, R]
	Worker   *Worker[P, R]

	group
}

// NewLocalRunner constructs a LocalRunner running handler for every task.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner[P Payload, R any](handler Handler[P, R], cfg RunnerConfig) (*LocalRunner[P, R], error) {
	store := persistence.NewMemoryStore[P](persistence.WithClock(cfg.Lifecycle.Clock))
	q := taskqueue.NewInMemoryQueue("mem://asynctask", cfg.queueOptions()...)

	enq, exec, w, err := assemble[P, R](store, q, handler, cfg)
	if err != nil {
		return nil, err
	}
	return &LocalRunner[P, R]{
		Store:    store,
		Queue:    q,
		Enqueuer: enq,
		Executor: exec,
		Worker:   w,
		group:    group{run: w.Run},
	}, nil
}

// Enqueue records input as a task and dispatches it to the runner's queue.
func (r *LocalRunner[P, R]) Enqueue(ctx context.Context, input P) (*Task[P], error) {
	return r.Enqueuer.Enqueue(ctx, input)
}

// assemble wires an Enqueuer, an Executor and a Worker around store and q.
func assemble[P Payload, R any](store Store[P], q MessageQueue, handler Handler[P, R], cfg RunnerConfig) (*Enqueuer[P], *Executor[P, R], *Worker[P, R], error) {
	if handler == nil {
		return nil, nil, nil, ErrNilHandler
	}
	lc := cfg.Lifecycle
	if lc.Requeue == nil {
		lc.Requeue = q
	}

	enq, err := NewEnqueuer(store, Dispatch[P](q), lc)
	if err != nil {
		return nil, nil, nil, err
	}
	exec, err := NewExecutor(store, FulfillOnSuccess[P, R](store, handler), lc)
	if err != nil {
		return nil, nil, nil, err
	}
	w, err := NewWorker(exec, q, cfg.Worker)
	if err != nil {
		return nil, nil, nil, err
	}
	return enq, exec, w, nil
}

// group runs worker loops until Stop.
type group struct {
	run func(ctx context.Context) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// StartWorkers starts 'concurrency' worker goroutines that continuously
// receive and execute tasks until the context is cancelled or Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns
// ErrRunnerStarted.
func (g *group) StartWorkers(ctx context.Context, concurrency int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return ErrRunnerStarted
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.running = true

	g.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer g.wg.Done()
			// Run logs delivery failures itself and returns once ctx ends.
			_ = g.run(ctx)
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (g *group) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	cancel := g.cancel
	g.running = false
	g.cancel = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	g.wg.Wait()
}
