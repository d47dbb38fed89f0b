package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/asynctask/pkg/api"
)

// record is the storage form of a task shared by every backend.
// Keys are kept in their canonical string form so they can be indexed.
type record struct {
	ID        string
	UniqueKey string
	MutexKey  string
	Status    string
	Payload   []byte
	UpdatedAt int64 // unix nanoseconds
}

// EncodePayload serializes a task payload. Payloads travel as JSON inside
// envelopes too, so the same encoding is used at rest.
func EncodePayload[P api.Payload](p P) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload[P api.Payload](data []byte) (P, error) {
	var p P
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func toRecord[P api.Payload](task api.Task[P]) (record, error) {
	payload, err := EncodePayload(task.Payload)
	if err != nil {
		return record{}, err
	}
	if !task.Status.Valid() {
		return record{}, fmt.Errorf("%w: %q", ErrInvalidStatus, task.Status)
	}
	return record{
		ID:        task.ID,
		UniqueKey: task.UniqueKey().String(),
		MutexKey:  mutexKeyString(task),
		Status:    string(task.Status),
		Payload:   payload,
		UpdatedAt: nanos(task.UpdatedAt),
	}, nil
}

func fromRecord[P api.Payload](r record) (*api.Task[P], error) {
	payload, err := DecodePayload[P](r.Payload)
	if err != nil {
		return nil, err
	}
	return &api.Task[P]{
		ID:        r.ID,
		UpdatedAt: fromNanos(r.UpdatedAt),
		Status:    api.Status(r.Status),
		Payload:   payload,
	}, nil
}

func mutexKeyString[P api.Payload](task api.Task[P]) string {
	key, ok := task.MutexKey()
	if !ok || key.Empty() {
		return ""
	}
	return key.String()
}

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

// nextTimestamp returns now, or prev+1 when the clock did not move past the
// previous write. UpdatedAt strictly increases per task so conditional writes
// can tell versions apart.
func nextTimestamp(now time.Time, prev int64) int64 {
	ts := now.UnixNano()
	if ts <= prev {
		ts = prev + 1
	}
	return ts
}
