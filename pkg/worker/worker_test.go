package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/asynctask/internal/lifecycle"
	"github.com/petrijr/asynctask/internal/persistence"
	"github.com/petrijr/asynctask/internal/taskqueue"
	"github.com/petrijr/asynctask/internal/testutil"
	"github.com/petrijr/asynctask/pkg/api"
)

const testQueueURL = "mem://orders"

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type orderTask struct {
	OrderID string `json:"orderId"`
}

func (o orderTask) UniqueKey() api.Key { return api.Key{"orderId": o.OrderID} }

// stubExecutor returns err for every delivery and counts calls.
type stubExecutor struct {
	err   error
	calls atomic.Int32
}

func (s *stubExecutor) Execute(ctx context.Context, delivered api.Task[orderTask], meta *api.Meta) (*lifecycle.Result[orderTask, string], error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &lifecycle.Result[orderTask, string]{Task: &delivered, Outcome: lifecycle.OutcomeExecuted}, nil
}

// receiverOnly hides DeadLetter from the wrapped queue.
type receiverOnly struct {
	taskqueue.Receiver
}

func newQueue(clock *testutil.FakeClock) *taskqueue.InMemoryQueue {
	return taskqueue.NewInMemoryQueue(testQueueURL,
		taskqueue.WithClock(clock.Now),
		taskqueue.WithPollInterval(time.Millisecond),
	)
}

func sendEnvelope(t *testing.T, q *taskqueue.InMemoryQueue, orderID string) {
	t.Helper()
	body, err := api.EncodeEnvelope(api.Envelope[orderTask]{
		Task: &api.Task[orderTask]{ID: "t-" + orderID, Status: api.StatusQueued, Payload: orderTask{OrderID: orderID}},
		Meta: api.NewMeta(testQueueURL),
	})
	require.NoError(t, err)
	require.NoError(t, q.SendMessage(context.Background(), api.SendMessageInput{MessageBody: string(body)}))
}

func processOne[P api.Payload, R any](t *testing.T, w *Worker[P, R]) (bool, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return w.ProcessOne(ctx)
}

func requireNothingVisible(t *testing.T, q *taskqueue.InMemoryQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if msg, err := q.Receive(ctx); err == nil {
		t.Fatalf("expected no visible message, got %+v", msg)
	}
}

func TestNew_RejectsNils(t *testing.T) {
	q := newQueue(testutil.NewFakeClock(epoch))
	_, err := New[orderTask, string](nil, q, Config{})
	require.ErrorIs(t, err, ErrNilExecutor)

	_, err = New[orderTask, string](&stubExecutor{}, nil, Config{})
	require.ErrorIs(t, err, ErrNilReceiver)
}

func TestWorker_ExecutesEnqueuedTaskEndToEnd(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(epoch)
	store := persistence.NewMemoryStore[orderTask](persistence.WithClock(clock.Now))
	q := newQueue(clock)

	cfg := lifecycle.Config{LeaseTimeout: time.Minute, Clock: clock.Now}
	enq, err := lifecycle.NewEnqueuer[orderTask](store, api.SQSQueue[orderTask](q, api.StaticDestination(q.URL())), cfg)
	require.NoError(t, err)

	var runs int
	exec, err := lifecycle.NewExecutor[orderTask, string](store, func(ctx context.Context, task api.Task[orderTask]) (string, error) {
		runs++
		_, err := store.Upsert(ctx, task.WithStatus(api.StatusFulfilled))
		return "ok", err
	}, cfg)
	require.NoError(t, err)

	w, err := New[orderTask, string](exec, q, Config{})
	require.NoError(t, err)

	_, err = enq.Enqueue(ctx, orderTask{OrderID: "A"})
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())

	processed, err := processOne(t, w)
	require.True(t, processed)
	require.NoError(t, err)
	require.Equal(t, 1, runs)
	require.Equal(t, 0, q.Len())

	got, err := store.FindByUnique(ctx, api.Key{"orderId": "A"})
	require.NoError(t, err)
	require.Equal(t, api.StatusFulfilled, got.Status)
}

func TestWorker_RequeuedDeliveryIsAckedAndResent(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(epoch)
	store := persistence.NewMemoryStore[orderTask](persistence.WithClock(clock.Now))
	q := newQueue(clock)

	// Another invocation holds the lease.
	_, err := store.Upsert(ctx, api.Task[orderTask]{Status: api.StatusAttempted, Payload: orderTask{OrderID: "A"}})
	require.NoError(t, err)

	cfg := lifecycle.Config{LeaseTimeout: time.Minute, Clock: clock.Now, Requeue: q}
	exec, err := lifecycle.NewExecutor[orderTask, string](store, func(ctx context.Context, task api.Task[orderTask]) (string, error) {
		t.Fatalf("logic must not run while the lease is held")
		return "", nil
	}, cfg)
	require.NoError(t, err)

	w, err := New[orderTask, string](exec, q, Config{})
	require.NoError(t, err)
	sendEnvelope(t, q, "A")

	processed, err := processOne(t, w)
	require.True(t, processed)
	require.NoError(t, err)

	// The original was acked, the copy is delayed by the lease timeout.
	require.Equal(t, 1, q.Len())
	requireNothingVisible(t, q)
	clock.Advance(time.Minute)

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	env, err := api.DecodeEnvelope[orderTask]([]byte(msg.Body))
	require.NoError(t, err)
	require.Equal(t, 1, env.Meta.RequeueDepth)
}

func TestWorker_RetryLaterIsNackedWithRetryDelay(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	q := newQueue(clock)
	exec := &stubExecutor{err: &api.RetryLaterError{Reason: "mutex held"}}

	w, err := New[orderTask, string](exec, q, Config{RetryDelay: 10 * time.Second})
	require.NoError(t, err)
	sendEnvelope(t, q, "A")

	processed, err := processOne(t, w)
	require.True(t, processed)
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())
	requireNothingVisible(t, q)

	clock.Advance(10 * time.Second)
	processed, err = processOne(t, w)
	require.True(t, processed)
	require.NoError(t, err)
	require.Equal(t, int32(2), exec.calls.Load())
}

func TestWorker_NonRetryableErrorsAreAcked(t *testing.T) {
	for name, execErr := range map[string]error{
		"invalid request": api.ErrTaskNotFound,
		"invariant":       api.ErrStatusStillAttempted,
	} {
		t.Run(name, func(t *testing.T) {
			q := newQueue(testutil.NewFakeClock(epoch))
			w, err := New[orderTask, string](&stubExecutor{err: execErr}, q, Config{})
			require.NoError(t, err)
			sendEnvelope(t, q, "A")

			processed, err := processOne(t, w)
			require.True(t, processed)
			require.ErrorIs(t, err, execErr)
			require.Equal(t, 0, q.Len())
			require.Empty(t, q.Dead())
		})
	}
}

func TestWorker_UndecodableMessageIsAcked(t *testing.T) {
	q := newQueue(testutil.NewFakeClock(epoch))
	exec := &stubExecutor{}
	w, err := New[orderTask, string](exec, q, Config{})
	require.NoError(t, err)

	require.NoError(t, q.SendMessage(context.Background(), api.SendMessageInput{MessageBody: `{"meta":{}}`}))

	processed, err := processOne(t, w)
	require.True(t, processed)
	require.ErrorIs(t, err, api.ErrEnvelopeMissingTask)
	require.Equal(t, api.KindInvariant, api.KindOf(err))
	require.Equal(t, 0, q.Len())
	require.Equal(t, int32(0), exec.calls.Load())
}

func TestWorker_FailuresAreRetriedThenDeadLettered(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	q := newQueue(clock)
	boom := errors.New("downstream unavailable")
	exec := &stubExecutor{err: boom}

	w, err := New[orderTask, string](exec, q, Config{MaxReceives: 3, RetryDelay: time.Second})
	require.NoError(t, err)
	sendEnvelope(t, q, "A")

	for i := 0; i < 3; i++ {
		processed, err := processOne(t, w)
		require.True(t, processed)
		require.ErrorIs(t, err, boom)
		clock.Advance(time.Second)
	}

	require.Equal(t, int32(3), exec.calls.Load())
	require.Equal(t, 0, q.Len())
	dead := q.Dead()
	require.Len(t, dead, 1)
	require.Contains(t, dead[0].Reason, "failed after 3 receives")
	require.Contains(t, dead[0].Reason, "downstream unavailable")
}

func TestWorker_FailuresAreDroppedWithoutDeadLetterSupport(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	q := newQueue(clock)
	boom := errors.New("boom")

	w, err := New[orderTask, string](&stubExecutor{err: boom}, receiverOnly{q}, Config{MaxReceives: 1})
	require.NoError(t, err)
	sendEnvelope(t, q, "A")

	processed, err := processOne(t, w)
	require.True(t, processed)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, q.Len())
	require.Empty(t, q.Dead())
}

func TestWorker_ProcessOneReturnsReceiveError(t *testing.T) {
	q := newQueue(testutil.NewFakeClock(epoch))
	w, err := New[orderTask, string](&stubExecutor{}, q, Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	processed, err := w.ProcessOne(ctx)
	require.False(t, processed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorker_RunDrainsUntilCanceled(t *testing.T) {
	q := newQueue(testutil.NewFakeClock(epoch))
	exec := &stubExecutor{}
	w, err := New[orderTask, string](exec, q, Config{WorkerID: "w1"})
	require.NoError(t, err)

	for _, id := range []string{"A", "B", "C"} {
		sendEnvelope(t, q, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	require.Equal(t, int32(3), exec.calls.Load())
}
