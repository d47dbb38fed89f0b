package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/petrijr/asynctask/pkg/api"
)

// Logic is the caller's execution logic. It receives the claimed task and
// must move it away from ATTEMPTED (through the store) before returning.
type Logic[P api.Payload, R any] func(ctx context.Context, task api.Task[P]) (R, error)

// Outcome tells how an Execute call ended.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRequeued Outcome = "requeued"
)

// Result is what a successful Execute call returns.
type Result[P api.Payload, R any] struct {
	// Value is what the logic returned. Zero unless Outcome is OutcomeExecuted.
	Value R
	// Task is the task state after the call.
	Task *api.Task[P]
	// Outcome tells whether the logic ran.
	Outcome Outcome
}

// contention reasons reported to observers
const (
	reasonLease = "lease"
	reasonMutex = "mutex"
	reasonClaim = "claim"
)

var errNotMaterialized = errors.New("task not materialized yet")

// Executor claims delivered tasks and runs the caller's logic on them at most
// once per lease.
type Executor[P api.Payload, R any] struct {
	store api.Store[P]
	mutex api.MutexStore[P]
	cond  api.ConditionalStore[P]
	logic Logic[P, R]
	cfg   Config
}

// NewExecutor creates an Executor for task type P.
//
// It fails when P declares a mutex key and store cannot look tasks up by
// mutex, or when cfg.ConditionalClaim is set and store has no conditional write.
func NewExecutor[P api.Payload, R any](store api.Store[P], logic Logic[P, R], cfg Config) (*Executor[P, R], error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if logic == nil {
		return nil, ErrNilLogic
	}
	cfg = cfg.withDefaults()

	x := &Executor[P, R]{store: store, logic: logic, cfg: cfg}

	if api.DeclaresMutex[P]() {
		ms, ok := store.(api.MutexStore[P])
		if !ok {
			return nil, api.ErrMutexLookupUnsupported
		}
		x.mutex = ms
	}
	if cfg.ConditionalClaim {
		cs, ok := store.(api.ConditionalStore[P])
		if !ok {
			return nil, api.ErrConditionalClaimUnsupported
		}
		x.cond = cs
	}
	return x, nil
}

// LeaseTimeout returns the effective lease timeout.
func (x *Executor[P, R]) LeaseTimeout() time.Duration {
	return x.cfg.LeaseTimeout
}

// Execute runs the logic for the delivered task unless the task is settled,
// claimed by someone else, or its mutex is held.
//
// meta is the delivery metadata of the envelope, nil when the transport
// carries none. On contention with metadata and a configured requeue sender
// the envelope is sent again with a delay and the result has OutcomeRequeued;
// otherwise a *api.RetryLaterError is returned. When the logic fails, the task
// is recorded as FAILED and the logic's error is returned.
func (x *Executor[P, R]) Execute(ctx context.Context, delivered api.Task[P], meta *api.Meta) (*Result[P, R], error) {
	key := delivered.UniqueKey()
	obs := x.cfg.Observer

	found, err := x.find(ctx, key)
	if err != nil {
		return nil, err
	}

	now := x.cfg.Clock()
	if found.Status == api.StatusAttempted && x.leaseHeld(found, now) {
		return x.deferExecution(ctx, delivered, found, meta, reasonLease,
			"this task may still be being attempted by a different invocation, last attempt started less than the lease timeout ago",
			map[string]any{
				"leaseTimeout":   x.cfg.LeaseTimeout.String(),
				"leaseExpiresAt": found.UpdatedAt.Add(x.cfg.LeaseTimeout).Format(time.RFC3339),
			})
	}

	if found.Status.Settled() {
		obs.OnExecuteSkipped(ctx, key, found.Status)
		return &Result[P, R]{Task: found, Outcome: OutcomeSkipped}, nil
	}

	mutexKey, active, err := x.activeMutexHolders(ctx, found, now)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return x.deferExecution(ctx, delivered, found, meta, reasonMutex,
			"this task's mutex lock is reserved by at least one other task currently being attempted by a different invocation",
			map[string]any{
				"mutexKey":    mutexKey.String(),
				"activeTasks": active,
			})
	}

	claimed, err := x.claim(ctx, found)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return x.deferExecution(ctx, delivered, found, meta, reasonClaim,
			"this task was claimed by a different invocation while this one was claiming it",
			nil)
	}

	obs.OnExecuteStart(ctx, key)
	start := x.cfg.Clock()

	value, err := x.logic(ctx, *claimed)
	if err != nil {
		return nil, x.recordFailure(ctx, claimed, err, start)
	}

	after, err := x.store.FindByUnique(ctx, key)
	switch {
	case err != nil:
		return nil, x.recordFailure(ctx, claimed, fmt.Errorf("execute: re-read task: %w", err), start)
	case after == nil:
		return nil, x.recordFailure(ctx, claimed, fmt.Errorf("%w: %s", api.ErrTaskVanished, key), start)
	case after.Status == api.StatusAttempted:
		return nil, x.recordFailure(ctx, claimed, fmt.Errorf("%w: %s", api.ErrStatusStillAttempted, key), start)
	}

	obs.OnExecuteCompleted(ctx, key, after.Status, x.cfg.Clock().Sub(start))
	return &Result[P, R]{Value: value, Task: after, Outcome: OutcomeExecuted}, nil
}

// find reads the task, retrying once to absorb read-after-write lag.
func (x *Executor[P, R]) find(ctx context.Context, key api.Key) (*api.Task[P], error) {
	var found *api.Task[P]
	err := RetryOnce(ctx, RetryOptions{
		Delay: x.cfg.ReadRetryDelay,
		OnRetry: func(err error) {
			x.cfg.Observer.OnReadRetry(ctx, key, err)
		},
	}, func(ctx context.Context) error {
		t, err := x.store.FindByUnique(ctx, key)
		if err != nil {
			return err
		}
		if t == nil {
			return errNotMaterialized
		}
		found = t
		return nil
	})
	switch {
	case errors.Is(err, errNotMaterialized):
		return nil, fmt.Errorf("%w: '%s'", api.ErrTaskNotFound, key)
	case err != nil:
		return nil, fmt.Errorf("execute: find by unique: %w", err)
	}
	return found, nil
}

func (x *Executor[P, R]) leaseHeld(t *api.Task[P], now time.Time) bool {
	return now.Before(t.UpdatedAt.Add(x.cfg.LeaseTimeout))
}

// activeMutexHolders counts other ATTEMPTED tasks sharing task's mutex key
// whose lease has not expired.
func (x *Executor[P, R]) activeMutexHolders(ctx context.Context, task *api.Task[P], now time.Time) (api.Key, int, error) {
	if x.mutex == nil {
		return nil, 0, nil
	}
	mutexKey, _ := task.MutexKey()
	if mutexKey.Empty() {
		return nil, 0, nil
	}

	candidates, err := x.mutex.FindByMutex(ctx, mutexKey, api.StatusAttempted)
	if err != nil {
		return nil, 0, fmt.Errorf("execute: find by mutex: %w", err)
	}

	self := task.UniqueKey().String()
	active := 0
	for _, c := range candidates {
		if c == nil || c.Status != api.StatusAttempted {
			continue
		}
		if c.UniqueKey().String() == self {
			continue
		}
		if !x.leaseHeld(c, now) {
			continue
		}
		active++
	}
	return mutexKey, active, nil
}

// claim marks the task ATTEMPTED. It returns nil, nil when a conditional
// claim lost the race.
func (x *Executor[P, R]) claim(ctx context.Context, found *api.Task[P]) (*api.Task[P], error) {
	next := found.WithStatus(api.StatusAttempted)

	if x.cond != nil {
		stored, ok, err := x.cond.UpsertIfUnchanged(ctx, next, found.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("execute: claim: %w", err)
		}
		if !ok {
			return nil, nil
		}
		return stored, nil
	}

	stored, err := x.store.Upsert(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("execute: claim: %w", err)
	}
	return stored, nil
}

// recordFailure persists FAILED over the claimed record and returns cause.
// If the write itself fails, both errors are returned joined.
func (x *Executor[P, R]) recordFailure(ctx context.Context, claimed *api.Task[P], cause error, start time.Time) error {
	x.cfg.Observer.OnExecuteFailed(ctx, claimed.UniqueKey(), cause, x.cfg.Clock().Sub(start))

	// Logic often fails because ctx ended; FAILED must still be written.
	if _, err := x.store.Upsert(context.WithoutCancel(ctx), claimed.WithStatus(api.StatusFailed)); err != nil {
		return errors.Join(cause, fmt.Errorf("execute: record failure: %w", err))
	}
	return cause
}

func (x *Executor[P, R]) deferExecution(
	ctx context.Context,
	delivered api.Task[P],
	found *api.Task[P],
	meta *api.Meta,
	reason string,
	message string,
	fields map[string]any,
) (*Result[P, R], error) {
	key := found.UniqueKey()

	if meta != nil && meta.QueueType == api.QueueTypeSQS && x.cfg.Requeue != nil {
		body, err := api.EncodeEnvelope(api.Envelope[P]{Task: &delivered, Meta: meta.Requeued()})
		if err != nil {
			return nil, fmt.Errorf("execute: requeue: %w", err)
		}
		if err := x.cfg.Requeue.SendMessage(ctx, api.SendMessageInput{
			QueueURL:     meta.QueueURL,
			MessageBody:  string(body),
			DelaySeconds: delaySeconds(x.cfg.LeaseTimeout),
		}); err != nil {
			return nil, fmt.Errorf("execute: requeue: %w", err)
		}
		x.cfg.Observer.OnContention(ctx, key, reason, true)
		return &Result[P, R]{Task: found, Outcome: OutcomeRequeued}, nil
	}

	x.cfg.Observer.OnContention(ctx, key, reason, false)
	if fields == nil {
		fields = map[string]any{}
	}
	fields["uniqueKey"] = key.String()
	return nil, &api.RetryLaterError{Reason: message, Fields: fields}
}

// delaySeconds rounds d up to whole seconds, saturating at math.MaxInt32.
// Transports clamp further to their own limits.
func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	s := math.Ceil(d.Seconds())
	if s > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(s)
}
