package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/asynctask/pkg/api"
)

var (
	// ErrUnknownDestination is returned when a message is sent to a queue URL
	// that this queue instance does not serve.
	ErrUnknownDestination = errors.New("taskqueue: unknown destination")

	// ErrMessageNotInFlight is returned by Ack, Nack and DeadLetter when the
	// receipt no longer matches: the message was settled already or its
	// visibility lease expired and it was received again.
	ErrMessageNotInFlight = errors.New("taskqueue: message not in flight")

	// ErrEmptyBody is returned when sending a message without a body.
	ErrEmptyBody = errors.New("taskqueue: empty message body")
)

const (
	// DefaultVisibilityTimeout is how long a received message stays hidden
	// before it becomes visible again without an Ack.
	DefaultVisibilityTimeout = 30 * time.Second

	defaultPollInterval = 20 * time.Millisecond
)

// Message is a single delivery received from a queue.
type Message struct {
	ID   string
	Body string
	// Receipt identifies this particular receive. It changes every time the
	// message is received again.
	Receipt      string
	ReceiveCount int
	EnqueuedAt   time.Time
}

// Receiver is the consumer side of a queue.
type Receiver interface {
	// Receive blocks until a message is visible or ctx is done.
	Receive(ctx context.Context) (*Message, error)
	// Ack removes the message permanently.
	Ack(ctx context.Context, msg *Message) error
	// Nack makes the message visible again after delay.
	Nack(ctx context.Context, msg *Message, delay time.Duration) error
}

// DeadLetterer is implemented by queues that can park messages that keep failing.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, msg *Message, reason string) error
}

// Queue is a single named destination that can be sent to and received from.
type Queue interface {
	api.MessageSender
	Receiver
	// URL is the destination this queue serves.
	URL() string
	// Len returns the approximate number of messages not yet acked.
	Len() int
}

// DeadMessage is a message parked by DeadLetter.
type DeadMessage struct {
	Message
	Reason   string
	FailedAt time.Time
}

// Option configures a queue.
type Option func(*options)

type options struct {
	visibility   time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// WithVisibilityTimeout sets how long a received message stays hidden.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.visibility = d
		}
	}
}

// WithPollInterval sets how often an idle Receive checks for new messages.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		visibility:   DefaultVisibilityTimeout,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// checkSend validates in against the queue's own URL. An empty QueueURL
// means "this queue".
func checkSend(url string, in api.SendMessageInput) error {
	if in.QueueURL != "" && in.QueueURL != url {
		return fmt.Errorf("%w: %q (serving %q)", ErrUnknownDestination, in.QueueURL, url)
	}
	if in.MessageBody == "" {
		return ErrEmptyBody
	}
	return nil
}

func delayOf(in api.SendMessageInput) time.Duration {
	if in.DelaySeconds <= 0 {
		return 0
	}
	return time.Duration(in.DelaySeconds) * time.Second
}

func newMessageID() string { return uuid.NewString() }

func newReceipt() string { return uuid.NewString() }

// poller waits between idle polls with a reusable timer.
type poller struct {
	tmr      *time.Timer
	interval time.Duration
}

func newPoller(interval time.Duration) *poller {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	return &poller{tmr: tmr, interval: interval}
}

// wait blocks for one poll interval, or until wake fires or ctx is done.
// wake may be nil.
func (p *poller) wait(ctx context.Context, wake <-chan struct{}) error {
	p.tmr.Reset(p.interval)
	select {
	case <-ctx.Done():
		p.tmr.Stop()
		return ctx.Err()
	case <-wake:
		p.tmr.Stop()
		return nil
	case <-p.tmr.C:
		return nil
	}
}

func (p *poller) stop() { p.tmr.Stop() }

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func requireReceipt(msg *Message) error {
	if msg == nil || msg.Receipt == "" {
		return ErrMessageNotInFlight
	}
	return nil
}
