package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/asynctask/internal/lifecycle"
	"github.com/petrijr/asynctask/internal/taskqueue"
	"github.com/petrijr/asynctask/pkg/api"
)

const (
	DefaultMaxReceives = 5
	DefaultRetryDelay  = 30 * time.Second
	DefaultPollBackoff = time.Second
)

var (
	ErrNilExecutor = errors.New("worker: executor is nil")
	ErrNilReceiver = errors.New("worker: receiver is nil")
)

// Executor runs a delivered task. *lifecycle.Executor satisfies it.
type Executor[P api.Payload, R any] interface {
	Execute(ctx context.Context, delivered api.Task[P], meta *api.Meta) (*lifecycle.Result[P, R], error)
}

// Config controls how deliveries are settled.
type Config struct {
	// MaxReceives is how many times a failing message is received before it
	// is dead-lettered, or dropped when the receiver cannot dead-letter.
	MaxReceives int

	// RetryDelay is how long a nacked message stays hidden.
	RetryDelay time.Duration

	// PollBackoff is the pause after Receive itself failed.
	PollBackoff time.Duration

	// WorkerID is attached to log records. Optional.
	WorkerID string

	// Logger receives delivery failures from Run. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxReceives <= 0 {
		c.MaxReceives = DefaultMaxReceives
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.PollBackoff <= 0 {
		c.PollBackoff = DefaultPollBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.WorkerID != "" {
		c.Logger = c.Logger.With(slog.String("worker_id", c.WorkerID))
	}
	return c
}

// Worker pulls envelopes from a Receiver and executes them.
type Worker[P api.Payload, R any] struct {
	exec     Executor[P, R]
	receiver taskqueue.Receiver
	cfg      Config
}

// New creates a Worker. Zero fields of cfg take their defaults.
func New[P api.Payload, R any](exec Executor[P, R], receiver taskqueue.Receiver, cfg Config) (*Worker[P, R], error) {
	if exec == nil {
		return nil, ErrNilExecutor
	}
	if receiver == nil {
		return nil, ErrNilReceiver
	}
	return &Worker[P, R]{exec: exec, receiver: receiver, cfg: cfg.withDefaults()}, nil
}

// ProcessOne receives a single message and settles it.
// Returns (processed, error):
//   - processed == false: nothing was received; err is the Receive error
//     (usually ctx's).
//   - processed == true: a message was received and settled; err reports a
//     failed delivery, or a failure to settle it.
//
// Contention is not an error: the message is nacked and retried later.
func (w *Worker[P, R]) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.receiver.Receive(ctx)
	if err != nil {
		return false, err
	}

	env, err := api.DecodeEnvelope[P]([]byte(msg.Body))
	if err != nil {
		return true, errors.Join(fmt.Errorf("message %s: %w", msg.ID, err), w.receiver.Ack(ctx, msg))
	}

	_, execErr := w.exec.Execute(ctx, *env.Task, env.Meta)
	switch api.KindOf(execErr) {
	case api.KindNone:
		return true, w.receiver.Ack(ctx, msg)

	case api.KindRetryLater:
		return true, w.receiver.Nack(ctx, msg, w.cfg.RetryDelay)

	case api.KindInvalidRequest, api.KindInvariant:
		// Redelivering would fail the same way.
		return true, errors.Join(execErr, w.receiver.Ack(ctx, msg))

	default:
		return true, errors.Join(execErr, w.settleFailure(ctx, msg, execErr))
	}
}

// settleFailure retries a failed execution until MaxReceives is reached.
func (w *Worker[P, R]) settleFailure(ctx context.Context, msg *taskqueue.Message, cause error) error {
	if msg.ReceiveCount < w.cfg.MaxReceives {
		return w.receiver.Nack(ctx, msg, w.cfg.RetryDelay)
	}
	if dl, ok := w.receiver.(taskqueue.DeadLetterer); ok {
		reason := fmt.Sprintf("failed after %d receives: %v", msg.ReceiveCount, cause)
		return dl.DeadLetter(ctx, msg, reason)
	}
	return w.receiver.Ack(ctx, msg)
}

// Run processes messages until ctx is done. Delivery failures are logged
// and do not stop the loop. Run returns nil when ctx ends.
func (w *Worker[P, R]) Run(ctx context.Context) error {
	log := w.cfg.Logger
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err == nil:
		case !processed:
			log.WarnContext(ctx, "worker_receive_failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.PollBackoff):
			}
		default:
			log.ErrorContext(ctx, "worker_delivery_failed",
				slog.String("kind", string(api.KindOf(err))),
				slog.Any("error", err),
			)
		}
	}
}
