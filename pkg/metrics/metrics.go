// Package metrics exports lifecycle events as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/asynctask/pkg/api"
)

// Execution outcomes used as the "outcome" label.
const (
	OutcomeStarted   = "started"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeRequeued  = "requeued"
	OutcomeDeferred  = "deferred"
)

// Observer is an api.Observer backed by Prometheus collectors.
type Observer struct {
	enqueued       *prometheus.CounterVec
	enqueueSkipped *prometheus.CounterVec
	executions     *prometheus.CounterVec
	contention     *prometheus.CounterVec
	readRetries    prometheus.Counter
	duration       *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
}

var _ api.Observer = (*Observer)(nil)

// New registers the asynctask collectors with reg and returns an Observer
// feeding them. A nil reg registers with prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Observer{
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asynctask_enqueued_total",
			Help: "Tasks dispatched to a queue.",
		}, []string{"queue_type"}),
		enqueueSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asynctask_enqueue_skipped_total",
			Help: "Enqueue calls that found the task already live or settled.",
		}, []string{"status"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asynctask_executions_total",
			Help: "Execute calls by outcome.",
		}, []string{"outcome"}),
		contention: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asynctask_contention_total",
			Help: "Deliveries deferred because the lease, the mutex or the claim was held elsewhere.",
		}, []string{"reason"}),
		readRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "asynctask_read_retries_total",
			Help: "Initial task reads that were retried.",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asynctask_execution_duration_seconds",
			Help:    "Duration of execution logic.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "asynctask_queue_depth",
			Help: "Messages not yet acked, per queue.",
		}, []string{"queue"}),
	}
}

func (o *Observer) OnEnqueueSkipped(ctx context.Context, key api.Key, status api.Status) {
	o.enqueueSkipped.WithLabelValues(string(status)).Inc()
}

func (o *Observer) OnEnqueued(ctx context.Context, key api.Key, queue api.QueueType) {
	o.enqueued.WithLabelValues(string(queue)).Inc()
}

func (o *Observer) OnExecuteSkipped(ctx context.Context, key api.Key, status api.Status) {
	o.executions.WithLabelValues(OutcomeSkipped).Inc()
}

func (o *Observer) OnContention(ctx context.Context, key api.Key, reason string, requeued bool) {
	o.contention.WithLabelValues(reason).Inc()
	if requeued {
		o.executions.WithLabelValues(OutcomeRequeued).Inc()
	} else {
		o.executions.WithLabelValues(OutcomeDeferred).Inc()
	}
}

func (o *Observer) OnExecuteStart(ctx context.Context, key api.Key) {
	o.executions.WithLabelValues(OutcomeStarted).Inc()
}

func (o *Observer) OnExecuteCompleted(ctx context.Context, key api.Key, status api.Status, d time.Duration) {
	o.executions.WithLabelValues(OutcomeCompleted).Inc()
	o.duration.WithLabelValues(OutcomeCompleted).Observe(d.Seconds())
}

func (o *Observer) OnExecuteFailed(ctx context.Context, key api.Key, err error, d time.Duration) {
	o.executions.WithLabelValues(OutcomeFailed).Inc()
	o.duration.WithLabelValues(OutcomeFailed).Observe(d.Seconds())
}

func (o *Observer) OnReadRetry(ctx context.Context, key api.Key, err error) {
	o.readRetries.Inc()
}

// SetQueueDepth records the number of messages not yet acked on queue.
func (o *Observer) SetQueueDepth(queue string, n int) {
	o.queueDepth.WithLabelValues(queue).Set(float64(n))
}
