package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/asynctask/pkg/api"
)

// MongoCollection is the collection MongoStore writes to when none is given.
const MongoCollection = "async_tasks"

// MongoStore is a TaskStore backed by MongoDB.
//
// Writes are optimistic: the current document is read, then replaced only if
// its updated_at did not change in between. A unique index on
// (task_name, unique_key) keeps concurrent inserts from creating duplicates.
type MongoStore[P api.Payload] struct {
	coll     *mongo.Collection
	taskName string
	clock    func() time.Time
}

type mongoTaskDoc struct {
	ID        string `bson:"_id"`
	TaskName  string `bson:"task_name"`
	UniqueKey string `bson:"unique_key"`
	MutexKey  string `bson:"mutex_key"`
	Status    string `bson:"status"`
	Payload   []byte `bson:"payload,omitempty"`
	UpdatedAt int64  `bson:"updated_at"`
}

func (d mongoTaskDoc) record() record {
	return record{
		ID:        d.ID,
		UniqueKey: d.UniqueKey,
		MutexKey:  d.MutexKey,
		Status:    d.Status,
		Payload:   d.Payload,
		UpdatedAt: d.UpdatedAt,
	}
}

// NewMongoStore creates a MongoStore for tasks named taskName in db and
// ensures its indexes. collName defaults to MongoCollection if empty.
func NewMongoStore[P api.Payload](ctx context.Context, db *mongo.Database, collName, taskName string, opts ...Option) (*MongoStore[P], error) {
	if db == nil {
		return nil, ErrStoreNil
	}
	if taskName == "" {
		return nil, ErrTaskNameRequired
	}
	if collName == "" {
		collName = MongoCollection
	}
	o := buildOptions(opts)
	s := &MongoStore[P]{
		coll:     db.Collection(collName),
		taskName: taskName,
		clock:    o.clock,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore[P]) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "task_name", Value: 1}, {Key: "unique_key", Value: 1}},
			Options: mopts.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "task_name", Value: 1}, {Key: "mutex_key", Value: 1}, {Key: "status", Value: 1}},
		},
	})
	return err
}

func (s *MongoStore[P]) uniqueFilter(uniqueKey string) bson.M {
	return bson.M{"task_name": s.taskName, "unique_key": uniqueKey}
}

func (s *MongoStore[P]) FindByUnique(ctx context.Context, key api.Key) (*api.Task[P], error) {
	var doc mongoTaskDoc
	err := s.coll.FindOne(ctx, s.uniqueFilter(key.String())).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return fromRecord[P](doc.record())
}

func (s *MongoStore[P]) FindByMutex(ctx context.Context, key api.Key, status api.Status) ([]*api.Task[P], error) {
	filter := bson.M{"task_name": s.taskName, "mutex_key": key.String()}
	if status != "" {
		filter["status"] = string(status)
	}

	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*api.Task[P]
	for cur.Next(ctx) {
		var doc mongoTaskDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		t, err := fromRecord[P](doc.record())
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *MongoStore[P]) Upsert(ctx context.Context, task api.Task[P]) (*api.Task[P], error) {
	for range maxWatchRetries {
		stored, err := s.write(ctx, task, nil)
		if errors.Is(err, errConditionFailed) {
			continue
		}
		return stored, err
	}
	return nil, errConditionFailed
}

func (s *MongoStore[P]) UpsertIfUnchanged(ctx context.Context, task api.Task[P], expected time.Time) (*api.Task[P], bool, error) {
	stored, err := s.write(ctx, task, &expected)
	if errors.Is(err, errConditionFailed) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

func (s *MongoStore[P]) write(ctx context.Context, task api.Task[P], expected *time.Time) (*api.Task[P], error) {
	r, err := toRecord(task)
	if err != nil {
		return nil, err
	}

	var cur mongoTaskDoc
	exists := true
	if err := s.coll.FindOne(ctx, s.uniqueFilter(r.UniqueKey)).Decode(&cur); err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		exists = false
	}
	if expected != nil && (!exists || cur.UpdatedAt != nanos(*expected)) {
		return nil, errConditionFailed
	}

	r.UpdatedAt = nextTimestamp(s.clock(), cur.UpdatedAt)

	if !exists {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		_, err := s.coll.InsertOne(ctx, mongoTaskDoc{
			ID:        r.ID,
			TaskName:  s.taskName,
			UniqueKey: r.UniqueKey,
			MutexKey:  r.MutexKey,
			Status:    r.Status,
			Payload:   r.Payload,
			UpdatedAt: r.UpdatedAt,
		})
		if mongo.IsDuplicateKeyError(err) {
			return nil, errConditionFailed
		}
		if err != nil {
			return nil, err
		}
	} else {
		r.ID = cur.ID
		filter := s.uniqueFilter(r.UniqueKey)
		filter["updated_at"] = cur.UpdatedAt
		res, err := s.coll.UpdateOne(ctx, filter, bson.M{
			"$set": bson.M{
				"mutex_key":  r.MutexKey,
				"status":     r.Status,
				"payload":    r.Payload,
				"updated_at": r.UpdatedAt,
			},
		})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, errConditionFailed
		}
	}

	task.ID = r.ID
	task.UpdatedAt = fromNanos(r.UpdatedAt)
	return &task, nil
}
