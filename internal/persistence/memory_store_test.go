package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/asynctask/pkg/api"
)

var _ TaskStore[sampleTask] = (*MemoryStore[sampleTask])(nil)

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T, _ string, clock func() time.Time) TaskStore[sampleTask] {
		return NewMemoryStore[sampleTask](WithClock(clock))
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[sampleTask]()

	stored, err := s.Upsert(ctx, api.Task[sampleTask]{Status: api.StatusQueued, Payload: sampleTask{OrderID: "A"}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	stored.Status = api.StatusCanceled

	found, err := s.FindByUnique(ctx, api.Key{"orderId": "A"})
	if err != nil {
		t.Fatalf("FindByUnique: %v", err)
	}
	if found.Status != api.StatusQueued {
		t.Fatalf("store state leaked through returned pointer: status=%s", found.Status)
	}
	found.Status = api.StatusFailed

	again, _ := s.FindByUnique(ctx, api.Key{"orderId": "A"})
	if again.Status != api.StatusQueued {
		t.Fatalf("store state leaked through found pointer: status=%s", again.Status)
	}
	if s.Len() != 1 {
		t.Fatalf("Len=%d, want 1", s.Len())
	}
}

type taggedTask struct {
	OrderID string            `json:"orderId"`
	Labels  map[string]string `json:"labels,omitempty"`
	Items   []string          `json:"items,omitempty"`
}

func (s taggedTask) UniqueKey() api.Key { return api.Key{"orderId": s.OrderID} }

func TestMemoryStore_DeepCopiesPayloads(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[taggedTask]()

	in := api.Task[taggedTask]{Status: api.StatusQueued, Payload: taggedTask{
		OrderID: "A",
		Labels:  map[string]string{"tier": "gold"},
		Items:   []string{"sku-1"},
	}}
	stored, err := s.Upsert(ctx, in)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	in.Payload.Labels["tier"] = "input"
	in.Payload.Items[0] = "input"
	stored.Payload.Labels["tier"] = "returned"
	stored.Payload.Items[0] = "returned"

	found, err := s.FindByUnique(ctx, api.Key{"orderId": "A"})
	if err != nil {
		t.Fatalf("FindByUnique: %v", err)
	}
	if found.Payload.Labels["tier"] != "gold" || found.Payload.Items[0] != "sku-1" {
		t.Fatalf("payload aliased store state: %+v", found.Payload)
	}
	found.Payload.Labels["tier"] = "found"

	again, _ := s.FindByUnique(ctx, api.Key{"orderId": "A"})
	if again.Payload.Labels["tier"] != "gold" {
		t.Fatalf("found payload aliased store state: %+v", again.Payload)
	}
}
