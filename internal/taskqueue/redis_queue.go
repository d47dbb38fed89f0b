package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/asynctask/pkg/api"
)

// RedisQueue implements Queue using Redis.
//
// Keys, all under <prefix>queue:<url>:
//
//	ready       list of message IDs visible now
//	delayed     sorted set of message IDs scored by due time (ms)
//	processing  sorted set of received message IDs scored by lease deadline (ms)
//	messages    hash of message ID to JSON body and enqueue time
//	receipts    hash of message ID to the receipt of the current receive
//	counts      hash of message ID to receive count
//	dead        list of JSON dead letters
//
// Receive runs a Lua script that moves due delayed and expired processing
// messages back to ready, then pops one, so promotion and claim are atomic.
type RedisQueue struct {
	client redis.UniversalClient
	url    string
	opts   options

	ready, delayed, processing string
	messages, receipts, counts string
	dead                       string
}

var receiveScript = redis.NewScript(`
local now = ARGV[1]
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('RPUSH', KEYS[1], id)
end
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)) do
	redis.call('ZREM', KEYS[3], id)
	redis.call('HDEL', KEYS[5], id)
	redis.call('RPUSH', KEYS[1], id)
end
while true do
	local id = redis.call('LPOP', KEYS[1])
	if not id then
		return false
	end
	local raw = redis.call('HGET', KEYS[4], id)
	if raw then
		redis.call('ZADD', KEYS[3], ARGV[2], id)
		redis.call('HSET', KEYS[5], id, ARGV[3])
		local n = redis.call('HINCRBY', KEYS[6], id, 1)
		return {id, raw, n}
	end
end
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

var nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if ARGV[4] == '1' then
	redis.call('RPUSH', KEYS[4], ARGV[1])
else
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
end
return 1
`)

var deadLetterScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('RPUSH', KEYS[5], ARGV[3])
return 1
`)

// NewRedisQueue constructs a Redis-backed queue serving url.
// prefix is optional but recommended (e.g. "asynctask:").
func NewRedisQueue(client redis.UniversalClient, prefix, url string, opts ...Option) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("taskqueue: nil redis client")
	}
	if prefix == "" {
		prefix = "asynctask:"
	}
	base := prefix + "queue:" + url + ":"
	return &RedisQueue{
		client:     client,
		url:        url,
		opts:       buildOptions(opts),
		ready:      base + "ready",
		delayed:    base + "delayed",
		processing: base + "processing",
		messages:   base + "messages",
		receipts:   base + "receipts",
		counts:     base + "counts",
		dead:       base + "dead",
	}, nil
}

// Ensure RedisQueue implements Queue and DeadLetterer.
var (
	_ Queue        = (*RedisQueue)(nil)
	_ DeadLetterer = (*RedisQueue)(nil)
)

func (q *RedisQueue) URL() string { return q.url }

func millis(t time.Time) int64 { return t.UnixMilli() }

// SendMessage stores the body and pushes its ID onto the ready list, or onto
// the delayed set when DelaySeconds is positive.
func (q *RedisQueue) SendMessage(ctx context.Context, in api.SendMessageInput) error {
	if err := checkSend(q.url, in); err != nil {
		return err
	}
	now := q.opts.now()
	raw, err := encodeStored(storedMessage{Body: in.MessageBody, EnqueuedAt: now.UnixNano()})
	if err != nil {
		return err
	}
	id := newMessageID()
	delay := delayOf(in)

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.messages, id, raw)
		if delay > 0 {
			pipe.ZAdd(ctx, q.delayed, redis.Z{
				Score:  float64(millis(now.Add(delay))),
				Member: id,
			})
		} else {
			pipe.RPush(ctx, q.ready, id)
		}
		return nil
	})
	return err
}

func (q *RedisQueue) Receive(ctx context.Context) (*Message, error) {
	p := newPoller(q.opts.pollInterval)
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := q.tryReceive(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if err := p.wait(ctx, nil); err != nil {
			return nil, err
		}
	}
}

func (q *RedisQueue) tryReceive(ctx context.Context) (*Message, error) {
	now := q.opts.now()
	receipt := newReceipt()

	res, err := receiveScript.Run(ctx, q.client,
		[]string{q.ready, q.delayed, q.processing, q.messages, q.receipts, q.counts},
		millis(now), millis(now.Add(q.opts.visibility)), receipt,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("taskqueue: unexpected receive result %#v", res)
	}

	id, _ := res[0].(string)
	raw, _ := res[1].(string)
	count, _ := res[2].(int64)
	stored, err := decodeStored(raw)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}

	return &Message{
		ID:           id,
		Body:         stored.Body,
		Receipt:      receipt,
		ReceiveCount: int(count),
		EnqueuedAt:   fromNanos(stored.EnqueuedAt),
	}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	n, err := ackScript.Run(ctx, q.client,
		[]string{q.processing, q.receipts, q.counts, q.messages},
		msg.ID, msg.Receipt,
	).Int()
	return scriptSettled(n, err)
}

func (q *RedisQueue) Nack(ctx context.Context, msg *Message, delay time.Duration) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	immediate := "0"
	if delay <= 0 {
		immediate = "1"
	}
	n, err := nackScript.Run(ctx, q.client,
		[]string{q.processing, q.receipts, q.delayed, q.ready},
		msg.ID, msg.Receipt, strconv.FormatInt(millis(q.opts.now().Add(delay)), 10), immediate,
	).Int()
	return scriptSettled(n, err)
}

func (q *RedisQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	raw, err := encodeDead(DeadMessage{
		Message: Message{
			ID:           msg.ID,
			Body:         msg.Body,
			ReceiveCount: msg.ReceiveCount,
			EnqueuedAt:   msg.EnqueuedAt,
		},
		Reason:   reason,
		FailedAt: q.opts.now(),
	})
	if err != nil {
		return err
	}
	n, err := deadLetterScript.Run(ctx, q.client,
		[]string{q.processing, q.receipts, q.counts, q.messages, q.dead},
		msg.ID, msg.Receipt, raw,
	).Int()
	return scriptSettled(n, err)
}

// Dead returns the messages parked by DeadLetter, oldest first.
func (q *RedisQueue) Dead(ctx context.Context) ([]DeadMessage, error) {
	raws, err := q.client.LRange(ctx, q.dead, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadMessage, 0, len(raws))
	for _, raw := range raws {
		d, err := decodeDead(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Len returns the approximate number of messages not yet acked (HLEN).
func (q *RedisQueue) Len() int {
	n, err := q.client.HLen(context.Background(), q.messages).Result()
	if err != nil {
		// For a Len() helper, it's better to log and return 0 than panic.
		log.Printf("RedisQueue: Len failed: %v", err)
		return 0
	}
	return int(n)
}

func scriptSettled(n int, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotInFlight
	}
	return nil
}
