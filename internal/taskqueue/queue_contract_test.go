package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/asynctask/internal/testutil"
	"github.com/petrijr/asynctask/pkg/api"
)

const testVisibility = 30 * time.Second

var epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// queueFactory builds a fresh, empty queue serving url whose visibility
// leases and delays are measured with clock.
type queueFactory func(t *testing.T, url string, clock func() time.Time) Queue

func send(t *testing.T, q Queue, body string, delaySeconds int32) {
	t.Helper()
	err := q.SendMessage(context.Background(), api.SendMessageInput{
		QueueURL:     q.URL(),
		MessageBody:  body,
		DelaySeconds: delaySeconds,
	})
	if err != nil {
		t.Fatalf("SendMessage(%q) failed: %v", body, err)
	}
}

func receive(t *testing.T, q Queue) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	return msg
}

func requireEmpty(t *testing.T, q Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	msg, err := q.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no visible message, got %+v, err=%v", msg, err)
	}
}

// runQueueContract exercises the behavior every Queue must share.
func runQueueContract(t *testing.T, newQueue queueFactory) {
	ctx := context.Background()

	t.Run("send receive ack", func(t *testing.T) {
		clock := testutil.NewFakeClock(epoch)
		q := newQueue(t, "test://orders", clock.Now)

		send(t, q, `{"task":{}}`, 0)
		require.Equal(t, 1, q.Len())

		msg := receive(t, q)
		require.Equal(t, `{"task":{}}`, msg.Body)
		require.NotEmpty(t, msg.ID)
		require.NotEmpty(t, msg.Receipt)
		require.Equal(t, 1, msg.ReceiveCount)
		require.True(t, msg.EnqueuedAt.Equal(epoch), "enqueued at %v", msg.EnqueuedAt)

		require.NoError(t, q.Ack(ctx, msg))
		require.Equal(t, 0, q.Len())
		require.ErrorIs(t, q.Ack(ctx, msg), ErrMessageNotInFlight)
		requireEmpty(t, q)
	})

	t.Run("empty destination means this queue", func(t *testing.T) {
		q := newQueue(t, "test://orders", time.Now)
		require.NoError(t, q.SendMessage(ctx, api.SendMessageInput{MessageBody: "x"}))
		require.Equal(t, "x", receive(t, q).Body)
	})

	t.Run("rejects other destinations", func(t *testing.T) {
		q := newQueue(t, "test://orders", time.Now)
		err := q.SendMessage(ctx, api.SendMessageInput{QueueURL: "test://other", MessageBody: "x"})
		require.ErrorIs(t, err, ErrUnknownDestination)
		require.ErrorIs(t, q.SendMessage(ctx, api.SendMessageInput{}), ErrEmptyBody)
		require.Equal(t, 0, q.Len())
	})

	t.Run("fifo", func(t *testing.T) {
		clock := testutil.NewFakeClock(epoch)
		q := newQueue(t, "test://orders", clock.Now)
		for _, body := range []string{"a", "b", "c"} {
			send(t, q, body, 0)
			clock.Advance(time.Millisecond)
		}
		for _, want := range []string{"a", "b", "c"} {
			msg := receive(t, q)
			require.Equal(t, want, msg.Body)
			require.NoError(t, q.Ack(ctx, msg))
		}
	})

	t.Run("delayed message becomes visible later", func(t *testing.T) {
		clock := testutil.NewFakeClock(epoch)
		q := newQueue(t, "test://orders", clock.Now)

		send(t, q, "later", 90)
		require.Equal(t, 1, q.Len())
		requireEmpty(t, q)

		clock.Advance(89 * time.Second)
		requireEmpty(t, q)

		clock.Advance(time.Second)
		require.Equal(t, "later", receive(t, q).Body)
	})

	t.Run("unacked message is redelivered after visibility timeout", func(t *testing.T) {
		clock := testutil.NewFakeClock(epoch)
		q := newQueue(t, "test://orders", clock.Now)
		send(t, q, "lease", 0)

		first := receive(t, q)
		requireEmpty(t, q)

		clock.Advance(testVisibility + time.Second)
		second := receive(t, q)
		require.Equal(t, first.ID, second.ID)
		require.Equal(t, 2, second.ReceiveCount)
		require.NotEqual(t, first.Receipt, second.Receipt)

		require.ErrorIs(t, q.Ack(ctx, first), ErrMessageNotInFlight)
		require.NoError(t, q.Ack(ctx, second))
		require.Equal(t, 0, q.Len())
	})

	t.Run("nack with delay", func(t *testing.T) {
		clock := testutil.NewFakeClock(epoch)
		q := newQueue(t, "test://orders", clock.Now)
		send(t, q, "again", 0)

		msg := receive(t, q)
		require.NoError(t, q.Nack(ctx, msg, 10*time.Second))
		require.ErrorIs(t, q.Nack(ctx, msg, 0), ErrMessageNotInFlight)
		require.Equal(t, 1, q.Len())
		requireEmpty(t, q)

		clock.Advance(10 * time.Second)
		again := receive(t, q)
		require.Equal(t, msg.ID, again.ID)
		require.Equal(t, 2, again.ReceiveCount)
	})

	t.Run("nack without delay is immediately visible", func(t *testing.T) {
		q := newQueue(t, "test://orders", testutil.NewFakeClock(epoch).Now)
		send(t, q, "now", 0)
		require.NoError(t, q.Nack(ctx, receive(t, q), 0))
		require.Equal(t, "now", receive(t, q).Body)
	})

	t.Run("dead letter", func(t *testing.T) {
		q := newQueue(t, "test://orders", testutil.NewFakeClock(epoch).Now)
		dl, ok := q.(DeadLetterer)
		if !ok {
			t.Skip("queue does not dead-letter")
		}
		send(t, q, "poison", 0)
		msg := receive(t, q)

		require.NoError(t, dl.DeadLetter(ctx, msg, "boom"))
		require.ErrorIs(t, dl.DeadLetter(ctx, msg, "boom"), ErrMessageNotInFlight)
		require.Equal(t, 0, q.Len())
		requireEmpty(t, q)
	})
}
