package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/asynctask/pkg/api"
)

// MemoryStore is a simple, goroutine-safe TaskStore backed by a map.
// Tasks are held in their encoded record form, so callers never share
// payload state with the store, including nested maps and slices.
type MemoryStore[P api.Payload] struct {
	mu      sync.RWMutex
	records map[string]record // by canonical unique key
	clock   func() time.Time
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore[P api.Payload](opts ...Option) *MemoryStore[P] {
	o := buildOptions(opts)
	return &MemoryStore[P]{
		records: make(map[string]record),
		clock:   o.clock,
	}
}

func (s *MemoryStore[P]) FindByUnique(ctx context.Context, key api.Key) (*api.Task[P], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key.String()]
	if !ok {
		return nil, nil
	}
	return fromRecord[P](r)
}

func (s *MemoryStore[P]) FindByMutex(ctx context.Context, key api.Key, status api.Status) ([]*api.Task[P], error) {
	want := key.String()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Task[P]
	for _, r := range s.records {
		if status != "" && r.Status != string(status) {
			continue
		}
		if r.MutexKey != want {
			continue
		}
		t, err := fromRecord[P](r)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *MemoryStore[P]) Upsert(ctx context.Context, task api.Task[P]) (*api.Task[P], error) {
	if !task.Status.Valid() {
		return nil, ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeLocked(task)
}

func (s *MemoryStore[P]) UpsertIfUnchanged(ctx context.Context, task api.Task[P], expected time.Time) (*api.Task[P], bool, error) {
	if !task.Status.Valid() {
		return nil, false, ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[task.UniqueKey().String()]
	if !ok || cur.UpdatedAt != nanos(expected) {
		return nil, false, nil
	}
	out, err := s.writeLocked(task)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *MemoryStore[P]) writeLocked(task api.Task[P]) (*api.Task[P], error) {
	key := task.UniqueKey().String()

	var prev int64
	if cur, ok := s.records[key]; ok {
		task.ID = cur.ID
		prev = cur.UpdatedAt
	} else if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.UpdatedAt = fromNanos(nextTimestamp(s.clock(), prev))

	r, err := toRecord(task)
	if err != nil {
		return nil, err
	}
	s.records[key] = r
	return fromRecord[P](r)
}

// Len returns the number of stored tasks.
func (s *MemoryStore[P]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
