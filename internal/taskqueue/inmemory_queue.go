package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/asynctask/pkg/api"
)

// InMemoryQueue is a Queue kept in process memory. It is safe for concurrent
// use and intended for tests and single-process deployments.
type InMemoryQueue struct {
	url  string
	opts options

	mu       sync.Mutex
	seq      int64
	ready    []*memEntry
	inFlight map[string]*memEntry // by receipt
	dead     []DeadMessage

	wake chan struct{}
}

type memEntry struct {
	msg         Message
	seq         int64
	notBefore   time.Time
	lockedUntil time.Time
}

// NewInMemoryQueue creates an empty queue serving url.
func NewInMemoryQueue(url string, opts ...Option) *InMemoryQueue {
	return &InMemoryQueue{
		url:      url,
		opts:     buildOptions(opts),
		inFlight: make(map[string]*memEntry),
		wake:     make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue and DeadLetterer.
var (
	_ Queue        = (*InMemoryQueue)(nil)
	_ DeadLetterer = (*InMemoryQueue)(nil)
)

func (q *InMemoryQueue) URL() string { return q.url }

func (q *InMemoryQueue) SendMessage(ctx context.Context, in api.SendMessageInput) error {
	if err := checkSend(q.url, in); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := q.opts.now()
	q.mu.Lock()
	q.seq++
	q.ready = append(q.ready, &memEntry{
		msg: Message{
			ID:         newMessageID(),
			Body:       in.MessageBody,
			EnqueuedAt: now,
		},
		seq:       q.seq,
		notBefore: now.Add(delayOf(in)),
	})
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context) (*Message, error) {
	p := newPoller(q.opts.pollInterval)
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if msg := q.tryReceive(); msg != nil {
			return msg, nil
		}
		if err := p.wait(ctx, q.wake); err != nil {
			return nil, err
		}
	}
}

func (q *InMemoryQueue) tryReceive() *Message {
	now := q.opts.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for receipt, e := range q.inFlight {
		if !e.lockedUntil.After(now) {
			delete(q.inFlight, receipt)
			e.notBefore = e.lockedUntil
			e.lockedUntil = time.Time{}
			q.ready = append(q.ready, e)
		}
	}

	best := -1
	for i, e := range q.ready {
		if e.notBefore.After(now) {
			continue
		}
		if best < 0 || earlier(e, q.ready[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}

	e := q.ready[best]
	q.ready = append(q.ready[:best], q.ready[best+1:]...)
	e.msg.Receipt = newReceipt()
	e.msg.ReceiveCount++
	e.lockedUntil = now.Add(q.opts.visibility)
	q.inFlight[e.msg.Receipt] = e

	msg := e.msg
	return &msg
}

func earlier(a, b *memEntry) bool {
	if !a.notBefore.Equal(b.notBefore) {
		return a.notBefore.Before(b.notBefore)
	}
	return a.seq < b.seq
}

// take removes the in-flight entry for msg.
func (q *InMemoryQueue) take(msg *Message) (*memEntry, error) {
	e, ok := q.inFlight[msg.Receipt]
	if !ok || e.msg.ID != msg.ID {
		return nil, ErrMessageNotInFlight
	}
	delete(q.inFlight, msg.Receipt)
	return e, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.take(msg)
	return err
}

func (q *InMemoryQueue) Nack(ctx context.Context, msg *Message, delay time.Duration) error {
	q.mu.Lock()
	e, err := q.take(msg)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	e.msg.Receipt = ""
	e.lockedUntil = time.Time{}
	e.notBefore = q.opts.now().Add(max(delay, 0))
	q.ready = append(q.ready, e)
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *InMemoryQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.take(msg)
	if err != nil {
		return err
	}
	q.dead = append(q.dead, DeadMessage{
		Message:  e.msg,
		Reason:   reason,
		FailedAt: q.opts.now(),
	})
	return nil
}

// Dead returns the messages parked by DeadLetter, oldest first.
func (q *InMemoryQueue) Dead() []DeadMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadMessage, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len returns the number of ready and in-flight messages.
func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inFlight)
}

func (q *InMemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
