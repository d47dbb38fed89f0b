package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/asynctask/internal/testutil"
	"github.com/petrijr/asynctask/pkg/api"
)

type sampleTask struct {
	OrderID string `json:"orderId"`
	Account string `json:"account,omitempty"`
	Note    string `json:"note,omitempty"`
}

func (s sampleTask) UniqueKey() api.Key { return api.Key{"orderId": s.OrderID} }

func (s sampleTask) MutexKey() api.Key {
	if s.Account == "" {
		return nil
	}
	return api.Key{"account": s.Account}
}

var epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// storeFactory builds a fresh, empty store for the given task name whose
// UpdatedAt stamps come from clock.
type storeFactory func(t *testing.T, taskName string, clock func() time.Time) TaskStore[sampleTask]

// runStoreContract exercises the behavior every TaskStore must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("find missing returns nil", func(t *testing.T) {
		s := newStore(t, "orders", time.Now)
		got, err := s.FindByUnique(ctx, api.Key{"orderId": "nope"})
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("upsert materializes and keeps id", func(t *testing.T) {
		clock := testutil.NewFakeClock(epoch)
		s := newStore(t, "orders", clock.Now)

		first, err := s.Upsert(ctx, api.Task[sampleTask]{
			Status:  api.StatusQueued,
			Payload: sampleTask{OrderID: "A", Note: "hello"},
		})
		require.NoError(t, err)
		require.True(t, first.Materialized())
		require.True(t, first.UpdatedAt.Equal(epoch))

		clock.Advance(time.Minute)
		second, err := s.Upsert(ctx, first.WithStatus(api.StatusAttempted))
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)
		require.True(t, second.UpdatedAt.Equal(epoch.Add(time.Minute)))

		found, err := s.FindByUnique(ctx, api.Key{"orderId": "A"})
		require.NoError(t, err)
		require.NotNil(t, found)
		require.Equal(t, first.ID, found.ID)
		require.Equal(t, api.StatusAttempted, found.Status)
		require.Equal(t, "hello", found.Payload.Note)
		require.True(t, found.UpdatedAt.Equal(second.UpdatedAt))
	})

	t.Run("upsert by unique key ignores missing id", func(t *testing.T) {
		s := newStore(t, "orders", time.Now)
		first, err := s.Upsert(ctx, api.Task[sampleTask]{Status: api.StatusHalted, Payload: sampleTask{OrderID: "B"}})
		require.NoError(t, err)

		again, err := s.Upsert(ctx, api.Task[sampleTask]{Status: api.StatusQueued, Payload: sampleTask{OrderID: "B"}})
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
	})

	t.Run("updated_at strictly increases on a frozen clock", func(t *testing.T) {
		clock := testutil.NewFakeClock(epoch)
		s := newStore(t, "orders", clock.Now)

		first, err := s.Upsert(ctx, api.Task[sampleTask]{Status: api.StatusQueued, Payload: sampleTask{OrderID: "C"}})
		require.NoError(t, err)
		second, err := s.Upsert(ctx, first.WithStatus(api.StatusAttempted))
		require.NoError(t, err)
		require.True(t, second.UpdatedAt.After(first.UpdatedAt))
	})

	t.Run("find by mutex filters key and status", func(t *testing.T) {
		s := newStore(t, "orders", time.Now)
		mustUpsert(t, s, api.StatusAttempted, sampleTask{OrderID: "1", Account: "acct-1"})
		mustUpsert(t, s, api.StatusAttempted, sampleTask{OrderID: "2", Account: "acct-1"})
		mustUpsert(t, s, api.StatusQueued, sampleTask{OrderID: "3", Account: "acct-1"})
		mustUpsert(t, s, api.StatusAttempted, sampleTask{OrderID: "4", Account: "acct-2"})
		mustUpsert(t, s, api.StatusAttempted, sampleTask{OrderID: "5"})

		attempted, err := s.FindByMutex(ctx, api.Key{"account": "acct-1"}, api.StatusAttempted)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"1", "2"}, orderIDs(attempted))

		all, err := s.FindByMutex(ctx, api.Key{"account": "acct-1"}, "")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"1", "2", "3"}, orderIDs(all))

		none, err := s.FindByMutex(ctx, api.Key{"account": "acct-9"}, api.StatusAttempted)
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("conditional upsert compares updated_at", func(t *testing.T) {
		clock := testutil.NewFakeClock(epoch)
		s := newStore(t, "orders", clock.Now)

		queued := mustUpsert(t, s, api.StatusQueued, sampleTask{OrderID: "D"})

		clock.Advance(time.Second)
		claimed, ok, err := s.UpsertIfUnchanged(ctx, queued.WithStatus(api.StatusAttempted), queued.UpdatedAt)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, queued.ID, claimed.ID)
		require.True(t, claimed.UpdatedAt.After(queued.UpdatedAt))

		// A second claimer still holding the old version loses.
		stale, ok, err := s.UpsertIfUnchanged(ctx, queued.WithStatus(api.StatusAttempted), queued.UpdatedAt)
		require.NoError(t, err)
		require.False(t, ok)
		require.Nil(t, stale)

		missing, ok, err := s.UpsertIfUnchanged(ctx,
			api.Task[sampleTask]{Status: api.StatusAttempted, Payload: sampleTask{OrderID: "nope"}}, epoch)
		require.NoError(t, err)
		require.False(t, ok)
		require.Nil(t, missing)
	})

	t.Run("invalid status is rejected", func(t *testing.T) {
		s := newStore(t, "orders", time.Now)
		_, err := s.Upsert(ctx, api.Task[sampleTask]{Status: "RUNNING", Payload: sampleTask{OrderID: "E"}})
		require.ErrorIs(t, err, ErrInvalidStatus)
	})
}

// runTaskNameIsolation checks that stores with different task names sharing
// one backend do not see each other's tasks.
func runTaskNameIsolation(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	a := newStore(t, "orders", time.Now)
	b := newStore(t, "invoices", time.Now)

	mustUpsert(t, a, api.StatusQueued, sampleTask{OrderID: "X", Account: "acct"})

	got, err := b.FindByUnique(ctx, api.Key{"orderId": "X"})
	require.NoError(t, err)
	require.Nil(t, got)

	byMutex, err := b.FindByMutex(ctx, api.Key{"account": "acct"}, api.StatusQueued)
	require.NoError(t, err)
	require.Empty(t, byMutex)
}

func mustUpsert(t *testing.T, s TaskStore[sampleTask], status api.Status, p sampleTask) *api.Task[sampleTask] {
	t.Helper()
	stored, err := s.Upsert(context.Background(), api.Task[sampleTask]{Status: status, Payload: p})
	require.NoError(t, err)
	return stored
}

func orderIDs(tasks []*api.Task[sampleTask]) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.Payload.OrderID)
	}
	return ids
}
