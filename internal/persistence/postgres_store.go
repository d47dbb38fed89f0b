package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/asynctask/pkg/api"
)

// PostgresStore is a TaskStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore[P api.Payload] struct {
	db       *sql.DB
	taskName string
	clock    func() time.Time
}

// NewPostgresStore initializes the required schema in the given database and
// returns a store for tasks named taskName.
func NewPostgresStore[P api.Payload](db *sql.DB, taskName string, opts ...Option) (*PostgresStore[P], error) {
	if db == nil {
		return nil, ErrStoreNil
	}
	if taskName == "" {
		return nil, ErrTaskNameRequired
	}
	o := buildOptions(opts)
	s := &PostgresStore[P]{db: db, taskName: taskName, clock: o.clock}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore[P]) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS async_tasks (
			id TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			unique_key TEXT NOT NULL,
			mutex_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			payload BYTEA,
			updated_at BIGINT NOT NULL,
			UNIQUE (task_name, unique_key)
		);
		CREATE INDEX IF NOT EXISTS async_tasks_mutex_idx
			ON async_tasks (task_name, mutex_key, status);
	`)
	return err
}

func (s *PostgresStore[P]) FindByUnique(ctx context.Context, key api.Key) (*api.Task[P], error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, unique_key, mutex_key, status, payload, updated_at
		FROM async_tasks
		WHERE task_name = $1 AND unique_key = $2
	`, s.taskName, key.String())

	var r record
	if err := row.Scan(&r.ID, &r.UniqueKey, &r.MutexKey, &r.Status, &r.Payload, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return fromRecord[P](r)
}

func (s *PostgresStore[P]) FindByMutex(ctx context.Context, key api.Key, status api.Status) ([]*api.Task[P], error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, unique_key, mutex_key, status, payload, updated_at
		FROM async_tasks
		WHERE task_name = $1 AND mutex_key = $2 AND ($3::text = '' OR status = $3)
	`, s.taskName, key.String(), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.Task[P]
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.ID, &r.UniqueKey, &r.MutexKey, &r.Status, &r.Payload, &r.UpdatedAt); err != nil {
			return nil, err
		}
		t, err := fromRecord[P](r)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore[P]) Upsert(ctx context.Context, task api.Task[P]) (*api.Task[P], error) {
	r, err := toRecord(task)
	if err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO async_tasks (id, task_name, unique_key, mutex_key, status, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_name, unique_key) DO UPDATE SET
			mutex_key = EXCLUDED.mutex_key,
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			updated_at = GREATEST(EXCLUDED.updated_at, async_tasks.updated_at + 1)
		RETURNING id, updated_at
	`, r.ID, s.taskName, r.UniqueKey, r.MutexKey, r.Status, r.Payload, s.clock().UnixNano())
	if err := row.Scan(&r.ID, &r.UpdatedAt); err != nil {
		return nil, err
	}

	task.ID = r.ID
	task.UpdatedAt = fromNanos(r.UpdatedAt)
	return &task, nil
}

func (s *PostgresStore[P]) UpsertIfUnchanged(ctx context.Context, task api.Task[P], expected time.Time) (*api.Task[P], bool, error) {
	r, err := toRecord(task)
	if err != nil {
		return nil, false, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE async_tasks
		SET mutex_key = $1, status = $2, payload = $3, updated_at = GREATEST($4, updated_at + 1)
		WHERE task_name = $5 AND unique_key = $6 AND updated_at = $7
		RETURNING id, updated_at
	`, r.MutexKey, r.Status, r.Payload, s.clock().UnixNano(), s.taskName, r.UniqueKey, nanos(expected))
	if err := row.Scan(&r.ID, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	task.ID = r.ID
	task.UpdatedAt = fromNanos(r.UpdatedAt)
	return &task, true, nil
}
