package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the lifecycle for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay task execution.
type Observer interface {
	// OnEnqueueSkipped is called when enqueue finds the task already live or settled.
	OnEnqueueSkipped(ctx context.Context, key Key, status Status)

	// OnEnqueued is called after a task was dispatched and persisted as QUEUED.
	OnEnqueued(ctx context.Context, key Key, queue QueueType)

	// OnExecuteSkipped is called when execute finds the task FULFILLED or CANCELED.
	OnExecuteSkipped(ctx context.Context, key Key, status Status)

	// OnContention is called when execute defers because the lease or the
	// mutex is held. requeued tells whether the envelope was sent again.
	OnContention(ctx context.Context, key Key, reason string, requeued bool)

	// OnExecuteStart is called after the task was claimed, before the logic runs.
	OnExecuteStart(ctx context.Context, key Key)

	// OnExecuteCompleted is called when the logic returned and the task left ATTEMPTED.
	OnExecuteCompleted(ctx context.Context, key Key, status Status, duration time.Duration)

	// OnExecuteFailed is called when the logic or its postcondition failed and
	// the task was recorded as FAILED.
	OnExecuteFailed(ctx context.Context, key Key, err error, duration time.Duration)

	// OnReadRetry is called when the initial read of a task failed and is retried once.
	OnReadRetry(ctx context.Context, key Key, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnEnqueueSkipped(ctx context.Context, key Key, status Status)         {}
func (NoopObserver) OnEnqueued(ctx context.Context, key Key, queue QueueType)             {}
func (NoopObserver) OnExecuteSkipped(ctx context.Context, key Key, status Status)         {}
func (NoopObserver) OnContention(ctx context.Context, key Key, reason string, rq bool)    {}
func (NoopObserver) OnExecuteStart(ctx context.Context, key Key)                          {}
func (NoopObserver) OnExecuteCompleted(ctx context.Context, key Key, s Status, d time.Duration) {
}
func (NoopObserver) OnExecuteFailed(ctx context.Context, key Key, err error, d time.Duration) {
}
func (NoopObserver) OnReadRetry(ctx context.Context, key Key, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnEnqueueSkipped(ctx context.Context, key Key, status Status) {
	for _, o := range c.observers {
		o.OnEnqueueSkipped(ctx, key, status)
	}
}

func (c *CompositeObserver) OnEnqueued(ctx context.Context, key Key, queue QueueType) {
	for _, o := range c.observers {
		o.OnEnqueued(ctx, key, queue)
	}
}

func (c *CompositeObserver) OnExecuteSkipped(ctx context.Context, key Key, status Status) {
	for _, o := range c.observers {
		o.OnExecuteSkipped(ctx, key, status)
	}
}

func (c *CompositeObserver) OnContention(ctx context.Context, key Key, reason string, requeued bool) {
	for _, o := range c.observers {
		o.OnContention(ctx, key, reason, requeued)
	}
}

func (c *CompositeObserver) OnExecuteStart(ctx context.Context, key Key) {
	for _, o := range c.observers {
		o.OnExecuteStart(ctx, key)
	}
}

func (c *CompositeObserver) OnExecuteCompleted(ctx context.Context, key Key, status Status, d time.Duration) {
	for _, o := range c.observers {
		o.OnExecuteCompleted(ctx, key, status, d)
	}
}

func (c *CompositeObserver) OnExecuteFailed(ctx context.Context, key Key, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnExecuteFailed(ctx, key, err, d)
	}
}

func (c *CompositeObserver) OnReadRetry(ctx context.Context, key Key, err error) {
	for _, o := range c.observers {
		o.OnReadRetry(ctx, key, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs lifecycle events using
// the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEnqueueSkipped(ctx context.Context, key Key, status Status) {
	o.Logger.DebugContext(ctx, "enqueue_skipped",
		slog.String("task", key.String()),
		slog.String("status", string(status)),
	)
}

func (o *LoggingObserver) OnEnqueued(ctx context.Context, key Key, queue QueueType) {
	o.Logger.DebugContext(ctx, "task_enqueued",
		slog.String("task", key.String()),
		slog.String("queue_type", string(queue)),
	)
}

func (o *LoggingObserver) OnExecuteSkipped(ctx context.Context, key Key, status Status) {
	o.Logger.WarnContext(ctx, "execute_skipped",
		slog.String("task", key.String()),
		slog.String("status", string(status)),
	)
}

func (o *LoggingObserver) OnContention(ctx context.Context, key Key, reason string, requeued bool) {
	msg := "execute_contention"
	if requeued {
		msg = "execute_requeued"
	}
	o.Logger.InfoContext(ctx, msg,
		slog.String("task", key.String()),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnExecuteStart(ctx context.Context, key Key) {
	o.Logger.DebugContext(ctx, "execute_started",
		slog.String("task", key.String()),
	)
}

func (o *LoggingObserver) OnExecuteCompleted(ctx context.Context, key Key, status Status, d time.Duration) {
	o.Logger.InfoContext(ctx, "execute_completed",
		slog.String("task", key.String()),
		slog.String("status", string(status)),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnExecuteFailed(ctx context.Context, key Key, err error, d time.Duration) {
	o.Logger.ErrorContext(ctx, "execute_failed",
		slog.String("task", key.String()),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnReadRetry(ctx context.Context, key Key, err error) {
	o.Logger.WarnContext(ctx, "read_retry",
		slog.String("task", key.String()),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate execution durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	enqueued        atomic.Int64
	enqueueSkipped  atomic.Int64
	executeStarted  atomic.Int64
	executeSkipped  atomic.Int64
	completed       atomic.Int64
	failed          atomic.Int64
	contentions     atomic.Int64
	requeues        atomic.Int64
	totalExecuteDur atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Enqueued       int64
	EnqueueSkipped int64

	ExecuteStarted int64
	ExecuteSkipped int64
	Completed      int64
	Failed         int64
	InFlight       int64

	Contentions int64
	Requeues    int64

	AvgExecuteDuration time.Duration
}

func (m *BasicMetrics) OnEnqueueSkipped(ctx context.Context, key Key, status Status) {
	m.enqueueSkipped.Add(1)
}

func (m *BasicMetrics) OnEnqueued(ctx context.Context, key Key, queue QueueType) {
	m.enqueued.Add(1)
}

func (m *BasicMetrics) OnExecuteSkipped(ctx context.Context, key Key, status Status) {
	m.executeSkipped.Add(1)
}

func (m *BasicMetrics) OnContention(ctx context.Context, key Key, reason string, requeued bool) {
	m.contentions.Add(1)
	if requeued {
		m.requeues.Add(1)
	}
}

func (m *BasicMetrics) OnExecuteStart(ctx context.Context, key Key) {
	m.executeStarted.Add(1)
}

func (m *BasicMetrics) OnExecuteCompleted(ctx context.Context, key Key, status Status, d time.Duration) {
	m.completed.Add(1)
	m.totalExecuteDur.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnExecuteFailed(ctx context.Context, key Key, err error, d time.Duration) {
	m.failed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executeStarted.Load()
	completed := m.completed.Load()
	failed := m.failed.Load()
	totalNs := m.totalExecuteDur.Load()

	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(totalNs / completed)
	}

	return BasicMetricsSnapshot{
		Enqueued:           m.enqueued.Load(),
		EnqueueSkipped:     m.enqueueSkipped.Load(),
		ExecuteStarted:     started,
		ExecuteSkipped:     m.executeSkipped.Load(),
		Completed:          completed,
		Failed:             failed,
		InFlight:           started - completed - failed,
		Contentions:        m.contentions.Load(),
		Requeues:           m.requeues.Load(),
		AvgExecuteDuration: avg,
	}
}
