package persistence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/asynctask/pkg/api"
)

// maxWatchRetries bounds optimistic retries of Upsert under concurrent writers.
const maxWatchRetries = 10

var errConditionFailed = errors.New("persistence: stored task changed")

// hashGetter is satisfied by both clients and WATCH transactions.
type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisStore is a TaskStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix><task>:task:<uniqueKey>  => HASH id, unique_key, mutex_key, status, payload, updated_at
//	<prefix><task>:mutex:<mutexKey>  => SET of unique keys that ever carried the mutex key
//
// Writes run in WATCH/MULTI transactions. The mutex index is append-only;
// FindByMutex re-checks each hash, so stale members are harmless.
type RedisStore[P api.Payload] struct {
	client   redis.UniversalClient
	prefix   string
	taskName string
	clock    func() time.Time
}

// NewRedisStore creates a RedisStore for tasks named taskName.
// prefix is optional but recommended (e.g. "asynctask:").
func NewRedisStore[P api.Payload](client redis.UniversalClient, prefix, taskName string, opts ...Option) (*RedisStore[P], error) {
	if client == nil {
		return nil, ErrStoreNil
	}
	if taskName == "" {
		return nil, ErrTaskNameRequired
	}
	if prefix == "" {
		prefix = "asynctask:"
	}
	o := buildOptions(opts)
	return &RedisStore[P]{
		client:   client,
		prefix:   prefix,
		taskName: taskName,
		clock:    o.clock,
	}, nil
}

func (s *RedisStore[P]) keyTask(uniqueKey string) string {
	return s.prefix + s.taskName + ":task:" + uniqueKey
}

func (s *RedisStore[P]) keyMutex(mutexKey string) string {
	return s.prefix + s.taskName + ":mutex:" + mutexKey
}

func (s *RedisStore[P]) FindByUnique(ctx context.Context, key api.Key) (*api.Task[P], error) {
	r, ok, err := s.load(ctx, s.client, s.keyTask(key.String()))
	if err != nil || !ok {
		return nil, err
	}
	return fromRecord[P](r)
}

func (s *RedisStore[P]) FindByMutex(ctx context.Context, key api.Key, status api.Status) ([]*api.Task[P], error) {
	mutexKey := key.String()
	members, err := s.client.SMembers(ctx, s.keyMutex(mutexKey)).Result()
	if err != nil {
		return nil, err
	}

	var result []*api.Task[P]
	for _, uk := range members {
		r, ok, err := s.load(ctx, s.client, s.keyTask(uk))
		if err != nil {
			return nil, err
		}
		if !ok || r.MutexKey != mutexKey {
			continue
		}
		if status != "" && r.Status != string(status) {
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

func (s *RedisStore[P]) Upsert(ctx context.Context, task api.Task[P]) (*api.Task[P], error) {
	for range maxWatchRetries {
		stored, err := s.write(ctx, task, nil)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return stored, err
	}
	return nil, redis.TxFailedErr
}

func (s *RedisStore[P]) UpsertIfUnchanged(ctx context.Context, task api.Task[P], expected time.Time) (*api.Task[P], bool, error) {
	stored, err := s.write(ctx, task, &expected)
	switch {
	case errors.Is(err, errConditionFailed), errors.Is(err, redis.TxFailedErr):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return stored, true, nil
}

// write stores task inside a WATCH transaction. With expected set, the write
// only happens while the stored updated_at still matches it.
func (s *RedisStore[P]) write(ctx context.Context, task api.Task[P], expected *time.Time) (*api.Task[P], error) {
	r, err := toRecord(task)
	if err != nil {
		return nil, err
	}
	key := s.keyTask(r.UniqueKey)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, exists, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if expected != nil && (!exists || cur.UpdatedAt != nanos(*expected)) {
			return errConditionFailed
		}

		if exists {
			r.ID = cur.ID
		} else if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.UpdatedAt = nextTimestamp(s.clock(), cur.UpdatedAt)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"id", r.ID,
				"unique_key", r.UniqueKey,
				"mutex_key", r.MutexKey,
				"status", r.Status,
				"payload", r.Payload,
				"updated_at", strconv.FormatInt(r.UpdatedAt, 10),
			)
			if r.MutexKey != "" {
				pipe.SAdd(ctx, s.keyMutex(r.MutexKey), r.UniqueKey)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, err
	}

	task.ID = r.ID
	task.UpdatedAt = fromNanos(r.UpdatedAt)
	return &task, nil
}

func (s *RedisStore[P]) load(ctx context.Context, c hashGetter, key string) (record, bool, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return record{}, false, err
	}
	if len(vals) == 0 {
		return record{}, false, nil
	}
	updatedAt, err := strconv.ParseInt(vals["updated_at"], 10, 64)
	if err != nil {
		return record{}, false, err
	}
	return record{
		ID:        vals["id"],
		UniqueKey: vals["unique_key"],
		MutexKey:  vals["mutex_key"],
		Status:    vals["status"],
		Payload:   []byte(vals["payload"]),
		UpdatedAt: updatedAt,
	}, true, nil
}
