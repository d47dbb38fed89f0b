package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/asynctask/internal/persistence"
	"github.com/petrijr/asynctask/internal/testutil"
	"github.com/petrijr/asynctask/pkg/api"
)

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789012/shop-test-order-llq"

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type orderTask struct {
	OrderID string `json:"orderId"`
	Note    string `json:"note,omitempty"`
}

func (o orderTask) UniqueKey() api.Key { return api.Key{"orderId": o.OrderID} }

type syncTask struct {
	AccountID string `json:"accountId"`
	Step      string `json:"step"`
}

func (s syncTask) UniqueKey() api.Key {
	return api.Key{"accountId": s.AccountID, "step": s.Step}
}

func (s syncTask) MutexKey() api.Key {
	if s.AccountID == "" {
		return nil
	}
	return api.Key{"accountId": s.AccountID}
}

// recordingSender is an api.MessageSender that keeps every message.
type recordingSender struct {
	mu   sync.Mutex
	sent []api.SendMessageInput
	err  error
}

func (s *recordingSender) SendMessage(ctx context.Context, in api.SendMessageInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, in)
	return nil
}

func (s *recordingSender) messages() []api.SendMessageInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.SendMessageInput(nil), s.sent...)
}

// plainStore hides every optional capability of the wrapped store.
type plainStore[P api.Payload] struct {
	inner api.Store[P]
}

func (s plainStore[P]) FindByUnique(ctx context.Context, key api.Key) (*api.Task[P], error) {
	return s.inner.FindByUnique(ctx, key)
}

func (s plainStore[P]) Upsert(ctx context.Context, task api.Task[P]) (*api.Task[P], error) {
	return s.inner.Upsert(ctx, task)
}

// laggyStore misses the first n reads, like a lagging read replica.
type laggyStore[P api.Payload] struct {
	*persistence.MemoryStore[P]
	mu     sync.Mutex
	misses int
}

func (s *laggyStore[P]) FindByUnique(ctx context.Context, key api.Key) (*api.Task[P], error) {
	s.mu.Lock()
	if s.misses > 0 {
		s.misses--
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()
	return s.MemoryStore.FindByUnique(ctx, key)
}

// failingUpsertStore fails every Upsert after the first `allowed` ones.
type failingUpsertStore[P api.Payload] struct {
	*persistence.MemoryStore[P]
	allowed int
	err     error
}

func (s *failingUpsertStore[P]) Upsert(ctx context.Context, task api.Task[P]) (*api.Task[P], error) {
	if s.allowed <= 0 {
		return nil, s.err
	}
	s.allowed--
	return s.MemoryStore.Upsert(ctx, task)
}

var errStoreDown = errors.New("store down")

func newTestStore[P api.Payload](clock *testutil.FakeClock) *persistence.MemoryStore[P] {
	return persistence.NewMemoryStore[P](persistence.WithClock(clock.Now))
}

func testConfig(clock *testutil.FakeClock) Config {
	return Config{
		LeaseTimeout:   15 * time.Minute,
		ReadRetryDelay: 0,
		Clock:          clock.Now,
	}
}

func seed[P api.Payload](t *testing.T, store api.Store[P], status api.Status, payload P) *api.Task[P] {
	t.Helper()
	stored, err := store.Upsert(context.Background(), api.Task[P]{Status: status, Payload: payload})
	require.NoError(t, err)
	return stored
}

// fulfill is execution logic that marks the task FULFILLED and counts calls.
func fulfill[P api.Payload](store api.Store[P], calls *int) Logic[P, string] {
	return func(ctx context.Context, task api.Task[P]) (string, error) {
		*calls++
		if _, err := store.Upsert(ctx, task.WithStatus(api.StatusFulfilled)); err != nil {
			return "", err
		}
		return "done", nil
	}
}
