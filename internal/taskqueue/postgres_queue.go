package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/petrijr/asynctask/pkg/api"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS queue_messages (
//	    seq           BIGSERIAL PRIMARY KEY,
//	    id            TEXT NOT NULL UNIQUE,
//	    queue         TEXT NOT NULL,
//	    body          TEXT NOT NULL,
//	    enqueued_at   BIGINT NOT NULL,
//	    not_before    BIGINT NOT NULL,
//	    locked_until  BIGINT NOT NULL DEFAULT 0,
//	    receipt       TEXT NOT NULL DEFAULT '',
//	    receive_count INTEGER NOT NULL DEFAULT 0
//	);
//
// Times are Unix nanoseconds taken from the queue's clock. Receivers claim a
// row with FOR UPDATE SKIP LOCKED, so several workers can share the table.
type PostgresQueue struct {
	db   *sql.DB
	url  string
	opts options
}

// NewPostgresQueue creates the required schema if needed and returns a queue serving url.
func NewPostgresQueue(db *sql.DB, url string, opts ...Option) (*PostgresQueue, error) {
	if db == nil {
		return nil, errors.New("taskqueue: nil *sql.DB")
	}
	q := &PostgresQueue{db: db, url: url, opts: buildOptions(opts)}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue and DeadLetterer.
var (
	_ Queue        = (*PostgresQueue)(nil)
	_ DeadLetterer = (*PostgresQueue)(nil)
)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_messages (
			seq           BIGSERIAL PRIMARY KEY,
			id            TEXT NOT NULL UNIQUE,
			queue         TEXT NOT NULL,
			body          TEXT NOT NULL,
			enqueued_at   BIGINT NOT NULL,
			not_before    BIGINT NOT NULL,
			locked_until  BIGINT NOT NULL DEFAULT 0,
			receipt       TEXT NOT NULL DEFAULT '',
			receive_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS queue_messages_visible
			ON queue_messages (queue, not_before, seq);
		CREATE TABLE IF NOT EXISTS queue_dead_letters (
			id            TEXT PRIMARY KEY,
			queue         TEXT NOT NULL,
			body          TEXT NOT NULL,
			enqueued_at   BIGINT NOT NULL,
			receive_count INTEGER NOT NULL,
			reason        TEXT NOT NULL,
			failed_at     BIGINT NOT NULL
		);
	`)
	return err
}

func (q *PostgresQueue) URL() string { return q.url }

// SendMessage inserts a message; a positive DelaySeconds pushes not_before out.
func (q *PostgresQueue) SendMessage(ctx context.Context, in api.SendMessageInput) error {
	if err := checkSend(q.url, in); err != nil {
		return err
	}
	now := q.opts.now()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (id, queue, body, enqueued_at, not_before)
		VALUES ($1, $2, $3, $4, $5)
	`, newMessageID(), q.url, in.MessageBody, now.UnixNano(), now.Add(delayOf(in)).UnixNano())
	return err
}

// Receive blocks (with polling) until a message is visible or ctx is cancelled.
func (q *PostgresQueue) Receive(ctx context.Context) (*Message, error) {
	p := newPoller(q.opts.pollInterval)
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.opts.now().UnixNano()
		var (
			msg        Message
			enqueuedAt int64
		)
		receipt := newReceipt()

		// Lock the oldest visible row, if any, and take its lease in one statement.
		err := q.db.QueryRowContext(ctx, `
			UPDATE queue_messages
			SET locked_until = $3, receipt = $4, receive_count = receive_count + 1
			WHERE seq = (
				SELECT seq FROM queue_messages
				WHERE queue = $1 AND not_before <= $2 AND locked_until <= $2
				ORDER BY not_before, seq
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING id, body, enqueued_at, receive_count
		`, q.url, now, now+q.opts.visibility.Nanoseconds(), receipt,
		).Scan(&msg.ID, &msg.Body, &enqueuedAt, &msg.ReceiveCount)

		if errors.Is(err, sql.ErrNoRows) {
			if err := p.wait(ctx, nil); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		msg.Receipt = receipt
		msg.EnqueuedAt = fromNanos(enqueuedAt)
		return &msg, nil
	}
}

func (q *PostgresQueue) Ack(ctx context.Context, msg *Message) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_messages
		WHERE queue = $1 AND id = $2 AND receipt = $3
	`, q.url, msg.ID, msg.Receipt)
	return settled(res, err)
}

func (q *PostgresQueue) Nack(ctx context.Context, msg *Message, delay time.Duration) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET not_before = $4, locked_until = 0, receipt = ''
		WHERE queue = $1 AND id = $2 AND receipt = $3
	`, q.url, msg.ID, msg.Receipt, q.opts.now().Add(max(delay, 0)).UnixNano())
	return settled(res, err)
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		WITH moved AS (
			DELETE FROM queue_messages
			WHERE queue = $1 AND id = $2 AND receipt = $3
			RETURNING id, queue, body, enqueued_at, receive_count
		)
		INSERT INTO queue_dead_letters (id, queue, body, enqueued_at, receive_count, reason, failed_at)
		SELECT id, queue, body, enqueued_at, receive_count, $4, $5 FROM moved
	`, q.url, msg.ID, msg.Receipt, reason, q.opts.now().UnixNano())
	return settled(res, err)
}

// Dead returns the messages parked by DeadLetter, oldest first.
func (q *PostgresQueue) Dead(ctx context.Context) ([]DeadMessage, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, body, enqueued_at, receive_count, reason, failed_at
		FROM queue_dead_letters
		WHERE queue = $1
		ORDER BY failed_at, id
	`, q.url)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDead(rows)
}

// Len returns an approximate number of messages not yet acked.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_messages WHERE queue = $1`, q.url).Scan(&n); err != nil {
		log.Printf("PostgresQueue: Len failed: %v", err)
		return 0
	}
	return n
}
