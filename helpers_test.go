package asynctask

import (
	"context"
	"testing"
	"time"
)

type enrichProduct struct {
	ProductID string `json:"productId"`
	Fail      bool   `json:"fail,omitempty"`
}

func (e enrichProduct) UniqueKey() Key { return Key{"productId": e.ProductID} }

// waitForStatus polls find until the task reaches want or the deadline passes.
func waitForStatus(t *testing.T, find func(ctx context.Context, key Key) (*Task[enrichProduct], error), key Key, want Status) *Task[enrichProduct] {
	t.Helper()

	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	var last *Task[enrichProduct]
	for time.Now().Before(deadline) {
		task, err := find(ctx, key)
		if err != nil {
			t.Fatalf("FindByUnique failed: %v", err)
		}
		if task != nil && task.Status == want {
			return task
		}
		last = task
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach %s in time, last state %+v", key, want, last)
	return nil
}
