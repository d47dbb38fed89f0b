package lifecycle

import (
	"context"
	"fmt"

	"github.com/petrijr/asynctask/pkg/api"
)

// Enqueuer moves tasks into QUEUED and dispatches them to a queue.
// Repeated calls with the same unique key are idempotent.
type Enqueuer[P api.Payload] struct {
	store    api.Store[P]
	queue    api.Queue[P]
	newTask  func(input P) api.Task[P]
	observer api.Observer
}

// EnqueueOption customizes an Enqueuer.
type EnqueueOption[P api.Payload] func(*Enqueuer[P])

// WithNew sets the constructor used when no task exists yet for the input.
// The returned task is queued before it is persisted for the first time.
func WithNew[P api.Payload](fn func(input P) api.Task[P]) EnqueueOption[P] {
	return func(e *Enqueuer[P]) {
		if fn != nil {
			e.newTask = fn
		}
	}
}

// NewEnqueuer creates an Enqueuer that persists into store and dispatches to queue.
func NewEnqueuer[P api.Payload](store api.Store[P], queue api.Queue[P], cfg Config, opts ...EnqueueOption[P]) (*Enqueuer[P], error) {
	if store == nil {
		return nil, ErrNilStore
	}
	cfg = cfg.withDefaults()
	e := &Enqueuer[P]{
		store:    store,
		queue:    queue,
		newTask:  defaultNewTask[P],
		observer: cfg.Observer,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func defaultNewTask[P api.Payload](input P) api.Task[P] {
	return api.Task[P]{Status: api.StatusHalted, Payload: input}
}

// Enqueue makes sure the task identified by input.UniqueKey() is queued.
//
// A task that is already QUEUED, ATTEMPTED, FULFILLED or CANCELED is returned
// unchanged without dispatching. Otherwise the task is dispatched first and
// then persisted as QUEUED.
func (e *Enqueuer[P]) Enqueue(ctx context.Context, input P) (*api.Task[P], error) {
	key := input.UniqueKey()

	found, err := e.store.FindByUnique(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("enqueue: find by unique: %w", err)
	}
	if found != nil && (found.Status.Live() || found.Status.Settled()) {
		e.observer.OnEnqueueSkipped(ctx, key, found.Status)
		return found, nil
	}

	var task api.Task[P]
	if found != nil {
		task = *found
	} else {
		task = e.newTask(input)
	}
	task.Status = api.StatusQueued

	queueType, err := e.dispatch(ctx, task)
	if err != nil {
		return nil, err
	}

	stored, err := e.store.Upsert(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("enqueue: upsert: %w", err)
	}

	e.observer.OnEnqueued(ctx, key, queueType)
	return stored, nil
}

func (e *Enqueuer[P]) dispatch(ctx context.Context, task api.Task[P]) (api.QueueType, error) {
	queueType, err := resolveQueueType(e.queue)
	if err != nil {
		return "", err
	}

	switch queueType {
	case api.QueueTypeSQS:
		url, err := e.queue.URL(ctx)
		if err != nil {
			return "", fmt.Errorf("enqueue: resolve queue url: %w", err)
		}
		body, err := api.EncodeEnvelope(api.Envelope[P]{Task: &task, Meta: api.NewMeta(url)})
		if err != nil {
			return "", fmt.Errorf("enqueue: %w", err)
		}
		if err := e.queue.API.SendMessage(ctx, api.SendMessageInput{
			QueueURL:    url,
			MessageBody: string(body),
		}); err != nil {
			return "", fmt.Errorf("enqueue: send message: %w", err)
		}
	default:
		if err := e.queue.Push(ctx, task); err != nil {
			return "", fmt.Errorf("enqueue: push: %w", err)
		}
	}
	return queueType, nil
}

func resolveQueueType[P api.Payload](q api.Queue[P]) (api.QueueType, error) {
	switch q.Type {
	case api.QueueTypeSQS:
		if q.API == nil || q.URL == nil {
			return "", fmt.Errorf("%w: SQS queue needs both API and URL", api.ErrUnsupportedQueue)
		}
		return api.QueueTypeSQS, nil
	case api.QueueTypeAny:
		if q.Push == nil {
			return "", fmt.Errorf("%w: ANY queue needs a push function", api.ErrUnsupportedQueue)
		}
		return api.QueueTypeAny, nil
	case "":
		if q.Push != nil {
			return api.QueueTypeAny, nil
		}
	}
	return "", fmt.Errorf("%w: %q", api.ErrUnsupportedQueue, q.Type)
}
