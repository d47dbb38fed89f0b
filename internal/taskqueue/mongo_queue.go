package taskqueue

import (
	"context"
	"errors"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/asynctask/pkg/api"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:           string, // message ID
//	  queue:         string, // URL the message was sent to
//	  body:          string,
//	  enqueued_at:   int64,  // Unix nanoseconds
//	  not_before:    int64,
//	  locked_until:  int64,
//	  receipt:       string,
//	  receive_count: int,
//	}
//
// Receive claims a message with a single FindOneAndUpdate.
type MongoQueue struct {
	coll *mongo.Collection
	dead *mongo.Collection
	url  string
	opts options
}

// NewMongoQueue creates a Mongo-backed queue serving url.
// collName defaults to "queue_messages"; dead letters go to collName + "_dead".
func NewMongoQueue(ctx context.Context, db *mongo.Database, collName, url string, opts ...Option) (*MongoQueue, error) {
	if db == nil {
		return nil, errors.New("taskqueue: nil *mongo.Database")
	}
	if collName == "" {
		collName = "queue_messages"
	}
	q := &MongoQueue{
		coll: db.Collection(collName),
		dead: db.Collection(collName + "_dead"),
		url:  url,
		opts: buildOptions(opts),
	}
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "queue", Value: 1},
			{Key: "not_before", Value: 1},
			{Key: "enqueued_at", Value: 1},
		},
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure MongoQueue implements Queue and DeadLetterer.
var (
	_ Queue        = (*MongoQueue)(nil)
	_ DeadLetterer = (*MongoQueue)(nil)
)

type mongoQueueDoc struct {
	ID           string `bson:"_id"`
	Queue        string `bson:"queue"`
	Body         string `bson:"body"`
	EnqueuedAt   int64  `bson:"enqueued_at"`
	NotBefore    int64  `bson:"not_before"`
	LockedUntil  int64  `bson:"locked_until"`
	Receipt      string `bson:"receipt"`
	ReceiveCount int    `bson:"receive_count"`
}

type mongoDeadDoc struct {
	ID           string `bson:"_id"`
	Queue        string `bson:"queue"`
	Body         string `bson:"body"`
	EnqueuedAt   int64  `bson:"enqueued_at"`
	ReceiveCount int    `bson:"receive_count"`
	Reason       string `bson:"reason"`
	FailedAt     int64  `bson:"failed_at"`
}

func (q *MongoQueue) URL() string { return q.url }

// SendMessage inserts a document for the message.
func (q *MongoQueue) SendMessage(ctx context.Context, in api.SendMessageInput) error {
	if err := checkSend(q.url, in); err != nil {
		return err
	}
	now := q.opts.now()
	_, err := q.coll.InsertOne(ctx, mongoQueueDoc{
		ID:         newMessageID(),
		Queue:      q.url,
		Body:       in.MessageBody,
		EnqueuedAt: now.UnixNano(),
		NotBefore:  now.Add(delayOf(in)).UnixNano(),
	})
	return err
}

// Receive blocks (via polling) until a message is visible or ctx is cancelled.
func (q *MongoQueue) Receive(ctx context.Context) (*Message, error) {
	p := newPoller(q.opts.pollInterval)
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.opts.now().UnixNano()
		receipt := newReceipt()

		var doc mongoQueueDoc
		err := q.coll.FindOneAndUpdate(
			ctx,
			bson.M{
				"queue":        q.url,
				"not_before":   bson.M{"$lte": now},
				"locked_until": bson.M{"$lte": now},
			},
			bson.M{
				"$set": bson.M{
					"locked_until": now + q.opts.visibility.Nanoseconds(),
					"receipt":      receipt,
				},
				"$inc": bson.M{"receive_count": 1},
			},
			mopts.FindOneAndUpdate().
				SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}}).
				SetReturnDocument(mopts.After),
		).Decode(&doc)

		if errors.Is(err, mongo.ErrNoDocuments) {
			if err := p.wait(ctx, nil); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		return &Message{
			ID:           doc.ID,
			Body:         doc.Body,
			Receipt:      doc.Receipt,
			ReceiveCount: doc.ReceiveCount,
			EnqueuedAt:   fromNanos(doc.EnqueuedAt),
		}, nil
	}
}

func (q *MongoQueue) inFlightFilter(msg *Message) bson.M {
	return bson.M{"_id": msg.ID, "queue": q.url, "receipt": msg.Receipt}
}

func (q *MongoQueue) Ack(ctx context.Context, msg *Message) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	res, err := q.coll.DeleteOne(ctx, q.inFlightFilter(msg))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrMessageNotInFlight
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, msg *Message, delay time.Duration) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	res, err := q.coll.UpdateOne(ctx, q.inFlightFilter(msg), bson.M{
		"$set": bson.M{
			"not_before":   q.opts.now().Add(max(delay, 0)).UnixNano(),
			"locked_until": int64(0),
			"receipt":      "",
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrMessageNotInFlight
	}
	return nil
}

// DeadLetter removes the message and records it in the dead collection.
func (q *MongoQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	var doc mongoQueueDoc
	err := q.coll.FindOneAndDelete(ctx, q.inFlightFilter(msg)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrMessageNotInFlight
	}
	if err != nil {
		return err
	}
	_, err = q.dead.InsertOne(ctx, mongoDeadDoc{
		ID:           doc.ID,
		Queue:        doc.Queue,
		Body:         doc.Body,
		EnqueuedAt:   doc.EnqueuedAt,
		ReceiveCount: doc.ReceiveCount,
		Reason:       reason,
		FailedAt:     q.opts.now().UnixNano(),
	})
	return err
}

// Dead returns the messages parked by DeadLetter, oldest first.
func (q *MongoQueue) Dead(ctx context.Context) ([]DeadMessage, error) {
	cur, err := q.dead.Find(ctx, bson.M{"queue": q.url},
		mopts.Find().SetSort(bson.D{{Key: "failed_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []mongoDeadDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]DeadMessage, 0, len(docs))
	for _, d := range docs {
		out = append(out, DeadMessage{
			Message: Message{
				ID:           d.ID,
				Body:         d.Body,
				ReceiveCount: d.ReceiveCount,
				EnqueuedAt:   fromNanos(d.EnqueuedAt),
			},
			Reason:   d.Reason,
			FailedAt: fromNanos(d.FailedAt),
		})
	}
	return out, nil
}

// Len returns an approximate number of messages not yet acked.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{"queue": q.url})
	if err != nil {
		log.Printf("MongoQueue: Len failed: %v", err)
		return 0
	}
	return int(n)
}
