package asynctask

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/asynctask/internal/lifecycle"
	"github.com/petrijr/asynctask/internal/persistence"
	"github.com/petrijr/asynctask/internal/taskqueue"
	"github.com/petrijr/asynctask/pkg/api"
	"github.com/petrijr/asynctask/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Payload      = api.Payload
	MutexPayload = api.MutexPayload
	Key          = api.Key
	Status       = api.Status
	Meta         = api.Meta
	QueueType    = api.QueueType

	Task[P Payload]     = api.Task[P]
	Envelope[P Payload] = api.Envelope[P]
	Queue[P Payload]    = api.Queue[P]
	Store[P Payload]    = api.Store[P]

	MessageSender    = api.MessageSender
	SendMessageInput = api.SendMessageInput
	DestinationFunc  = api.DestinationFunc
	RetryLaterError  = api.RetryLaterError
	ErrorKind        = api.ErrorKind

	Observer          = api.Observer
	LoggingObserver   = api.LoggingObserver
	CompositeObserver = api.CompositeObserver
	NoopObserver      = api.NoopObserver
	BasicMetrics      = api.BasicMetrics
)

// Lifecycle types.

type (
	Config       = lifecycle.Config
	Outcome      = lifecycle.Outcome
	RetryOptions = lifecycle.RetryOptions

	Logic[P Payload, R any]    = lifecycle.Logic[P, R]
	Result[P Payload, R any]   = lifecycle.Result[P, R]
	Enqueuer[P Payload]        = lifecycle.Enqueuer[P]
	Executor[P Payload, R any] = lifecycle.Executor[P, R]
)

// Transport and worker types.

type (
	// MessageQueue is a durable queue a Worker can consume.
	MessageQueue = taskqueue.Queue
	Message      = taskqueue.Message
	QueueOption  = taskqueue.Option
	StoreOption  = persistence.Option
	WorkerConfig = worker.Config

	Worker[P Payload, R any] = worker.Worker[P, R]
)

const (
	StatusHalted    = api.StatusHalted
	StatusScheduled = api.StatusScheduled
	StatusQueued    = api.StatusQueued
	StatusAttempted = api.StatusAttempted
	StatusFulfilled = api.StatusFulfilled
	StatusFailed    = api.StatusFailed
	StatusCanceled  = api.StatusCanceled

	QueueTypeSQS = api.QueueTypeSQS
	QueueTypeAny = api.QueueTypeAny

	OutcomeExecuted = lifecycle.OutcomeExecuted
	OutcomeSkipped  = lifecycle.OutcomeSkipped
	OutcomeRequeued = lifecycle.OutcomeRequeued
)

// Re-export errors and helpers.

var (
	ErrInvalidRequest     = api.ErrInvalidRequest
	ErrRetryLater         = api.ErrRetryLater
	ErrInvariantViolation = api.ErrInvariantViolation
	ErrTaskNotFound       = api.ErrTaskNotFound

	KindOf               = api.KindOf
	IsRetryLater         = api.IsRetryLater
	NewMeta              = api.NewMeta
	StaticDestination    = api.StaticDestination
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	DefaultConfig        = lifecycle.DefaultConfig
	WithClock            = persistence.WithClock
	WithVisibility       = taskqueue.WithVisibilityTimeout
	WithPollInterval     = taskqueue.WithPollInterval
)

// Lifecycle constructors.
// These wrap the internal packages so external callers never need to
// import them.

// NewEnqueuer returns an Enqueuer that persists tasks in store and
// dispatches them to queue.
func NewEnqueuer[P Payload](store Store[P], queue Queue[P], cfg Config, opts ...lifecycle.EnqueueOption[P]) (*Enqueuer[P], error) {
	return lifecycle.NewEnqueuer(store, queue, cfg, opts...)
}

// WithNew overrides how Enqueue builds a task from its input.
func WithNew[P Payload](fn func(input P) Task[P]) lifecycle.EnqueueOption[P] {
	return lifecycle.WithNew(fn)
}

// NewExecutor returns an Executor that claims tasks in store and runs logic.
func NewExecutor[P Payload, R any](store Store[P], logic Logic[P, R], cfg Config) (*Executor[P, R], error) {
	return lifecycle.NewExecutor(store, logic, cfg)
}

// Dispatch returns a lease/retry-capable Queue that sends to q.
func Dispatch[P Payload](q MessageQueue) Queue[P] {
	return api.SQSQueue[P](q, api.StaticDestination(q.URL()))
}

// DecodeEnvelopeBody decodes a message body produced by an Enqueuer.
func DecodeEnvelopeBody[P Payload](body string) (*Envelope[P], error) {
	return api.DecodeEnvelope[P]([]byte(body))
}

// NewWorker returns a Worker that consumes q and executes with exec.
func NewWorker[P Payload, R any](exec *Executor[P, R], q MessageQueue, cfg WorkerConfig) (*Worker[P, R], error) {
	return worker.New[P, R](exec, q, cfg)
}

// FulfillOnSuccess adapts fn into Logic: when fn returns without error the
// task is written back as FULFILLED. On error the Executor records FAILED.
func FulfillOnSuccess[P Payload, R any](store Store[P], fn func(ctx context.Context, task Task[P]) (R, error)) Logic[P, R] {
	return func(ctx context.Context, task Task[P]) (R, error) {
		value, err := fn(ctx, task)
		if err != nil {
			return value, err
		}
		if _, err := store.Upsert(ctx, task.WithStatus(api.StatusFulfilled)); err != nil {
			var zero R
			return zero, err
		}
		return value, nil
	}
}

// Store constructors.

// NewMemoryStore returns a non-durable store, best for tests.
func NewMemoryStore[P Payload](opts ...StoreOption) *persistence.MemoryStore[P] {
	return persistence.NewMemoryStore[P](opts...)
}

// NewSQLiteStore returns a store that keeps tasks of type taskName in db.
func NewSQLiteStore[P Payload](db *sql.DB, taskName string, opts ...StoreOption) (*persistence.SQLiteStore[P], error) {
	return persistence.NewSQLiteStore[P](db, taskName, opts...)
}

// NewPostgresStore returns a store that keeps tasks of type taskName in db.
func NewPostgresStore[P Payload](db *sql.DB, taskName string, opts ...StoreOption) (*persistence.PostgresStore[P], error) {
	return persistence.NewPostgresStore[P](db, taskName, opts...)
}

// NewRedisStore returns a store that keeps tasks of type taskName in Redis
// under prefix.
func NewRedisStore[P Payload](client redis.UniversalClient, prefix, taskName string, opts ...StoreOption) (*persistence.RedisStore[P], error) {
	return persistence.NewRedisStore[P](client, prefix, taskName, opts...)
}

// NewMongoStore returns a store that keeps tasks of type taskName in the
// collection collName.
func NewMongoStore[P Payload](ctx context.Context, db *mongo.Database, collName, taskName string, opts ...StoreOption) (*persistence.MongoStore[P], error) {
	return persistence.NewMongoStore[P](ctx, db, collName, taskName, opts...)
}

// Queue constructors.

// NewInMemoryQueue returns a non-durable queue serving url.
func NewInMemoryQueue(url string, opts ...QueueOption) *taskqueue.InMemoryQueue {
	return taskqueue.NewInMemoryQueue(url, opts...)
}

// NewSQLiteQueue returns a queue serving url, stored in db.
func NewSQLiteQueue(db *sql.DB, url string, opts ...QueueOption) (*taskqueue.SQLiteQueue, error) {
	return taskqueue.NewSQLiteQueue(db, url, opts...)
}

// NewPostgresQueue returns a queue serving url, stored in db.
func NewPostgresQueue(db *sql.DB, url string, opts ...QueueOption) (*taskqueue.PostgresQueue, error) {
	return taskqueue.NewPostgresQueue(db, url, opts...)
}

// NewRedisQueue returns a queue serving url, stored in Redis under prefix.
func NewRedisQueue(client redis.UniversalClient, prefix, url string, opts ...QueueOption) (*taskqueue.RedisQueue, error) {
	return taskqueue.NewRedisQueue(client, prefix, url, opts...)
}

// NewMongoQueue returns a queue serving url, stored in collName.
func NewMongoQueue(ctx context.Context, db *mongo.Database, collName, url string, opts ...QueueOption) (*taskqueue.MongoQueue, error) {
	return taskqueue.NewMongoQueue(ctx, db, collName, url, opts...)
}

// NewSQSQueue returns a queue backed by Amazon SQS.
func NewSQSQueue(client taskqueue.SQSAPI, url string, opts ...QueueOption) (*taskqueue.SQSQueue, error) {
	return taskqueue.NewSQSQueue(client, url, opts...)
}
