package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/asynctask/pkg/api"
)

// SQLiteQueue is a persistent Queue backed by SQLite. Several queues may
// share one database; rows are partitioned by URL.
//
// Received rows stay in the table with locked_until set; they become visible
// again when the lease runs out.
type SQLiteQueue struct {
	db   *sql.DB
	url  string
	opts options
}

// NewSQLiteQueue initializes the queue tables in db and returns a queue serving url.
func NewSQLiteQueue(db *sql.DB, url string, opts ...Option) (*SQLiteQueue, error) {
	if db == nil {
		return nil, errors.New("taskqueue: nil *sql.DB")
	}
	q := &SQLiteQueue{
		db:   db,
		url:  url,
		opts: buildOptions(opts),
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_messages (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			id            TEXT NOT NULL UNIQUE,
			queue         TEXT NOT NULL,
			body          TEXT NOT NULL,
			enqueued_at   INTEGER NOT NULL,
			not_before    INTEGER NOT NULL,
			locked_until  INTEGER NOT NULL DEFAULT 0,
			receipt       TEXT NOT NULL DEFAULT '',
			receive_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS queue_messages_visible
			ON queue_messages (queue, not_before, seq);
		CREATE TABLE IF NOT EXISTS queue_dead_letters (
			id            TEXT PRIMARY KEY,
			queue         TEXT NOT NULL,
			body          TEXT NOT NULL,
			enqueued_at   INTEGER NOT NULL,
			receive_count INTEGER NOT NULL,
			reason        TEXT NOT NULL,
			failed_at     INTEGER NOT NULL
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue and DeadLetterer.
var (
	_ Queue        = (*SQLiteQueue)(nil)
	_ DeadLetterer = (*SQLiteQueue)(nil)
)

func (q *SQLiteQueue) URL() string { return q.url }

func (q *SQLiteQueue) SendMessage(ctx context.Context, in api.SendMessageInput) error {
	if err := checkSend(q.url, in); err != nil {
		return err
	}
	now := q.opts.now()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (id, queue, body, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?)`,
		newMessageID(), q.url, in.MessageBody, now.UnixNano(), now.Add(delayOf(in)).UnixNano(),
	)
	return err
}

func (q *SQLiteQueue) Receive(ctx context.Context) (*Message, error) {
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

func (q *SQLiteQueue) tryReceive(ctx context.Context) (*Message, error) {
	now := q.opts.now().UnixNano()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq        int64
		msg        Message
		enqueuedAt int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, id, body, enqueued_at, receive_count
		FROM queue_messages
		WHERE queue = ? AND not_before <= ? AND locked_until <= ?
		ORDER BY not_before, seq
		LIMIT 1`, q.url, now, now,
	).Scan(&seq, &msg.ID, &msg.Body, &enqueuedAt, &msg.ReceiveCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msg.Receipt = newReceipt()
	msg.ReceiveCount++
	msg.EnqueuedAt = fromNanos(enqueuedAt)

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_messages
		SET locked_until = ?, receipt = ?, receive_count = ?
		WHERE seq = ?`,
		now+q.opts.visibility.Nanoseconds(), msg.Receipt, msg.ReceiveCount, seq,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, msg *Message) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_messages
		WHERE queue = ? AND id = ? AND receipt = ?`,
		q.url, msg.ID, msg.Receipt,
	)
	return settled(res, err)
}

func (q *SQLiteQueue) Nack(ctx context.Context, msg *Message, delay time.Duration) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET not_before = ?, locked_until = 0, receipt = ''
		WHERE queue = ? AND id = ? AND receipt = ?`,
		q.opts.now().Add(max(delay, 0)).UnixNano(), q.url, msg.ID, msg.Receipt,
	)
	return settled(res, err)
}

func (q *SQLiteQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO queue_dead_letters (id, queue, body, enqueued_at, receive_count, reason, failed_at)
		SELECT id, queue, body, enqueued_at, receive_count, ?, ?
		FROM queue_messages
		WHERE queue = ? AND id = ? AND receipt = ?`,
		reason, q.opts.now().UnixNano(), q.url, msg.ID, msg.Receipt,
	)
	if err := settled(res, err); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, msg.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// Dead returns the messages parked by DeadLetter, oldest first.
func (q *SQLiteQueue) Dead(ctx context.Context) ([]DeadMessage, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, body, enqueued_at, receive_count, reason, failed_at
		FROM queue_dead_letters
		WHERE queue = ?
		ORDER BY failed_at, id`, q.url)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDead(rows)
}

// Len returns the number of messages not yet acked.
func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, q.url).Scan(&n); err != nil {
		log.Printf("SQLiteQueue: Len failed: %v", err)
		return 0
	}
	return n
}

// settled maps a receipt-guarded write to ErrMessageNotInFlight when it
// touched no row.
func settled(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotInFlight
	}
	return nil
}

func scanDead(rows *sql.Rows) ([]DeadMessage, error) {
	var out []DeadMessage
	for rows.Next() {
		var (
			d                    DeadMessage
			enqueuedAt, failedAt int64
		)
		if err := rows.Scan(&d.ID, &d.Body, &enqueuedAt, &d.ReceiveCount, &d.Reason, &failedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.EnqueuedAt = fromNanos(enqueuedAt)
		d.FailedAt = fromNanos(failedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}
