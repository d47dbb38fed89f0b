package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/asynctask/pkg/api"
)

// SQLiteStore is a TaskStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Several stores may share the same database; rows are scoped by task name.
type SQLiteStore[P api.Payload] struct {
	db       *sql.DB
	taskName string
	clock    func() time.Time
}

// NewSQLiteStore initializes the required schema in the given database and
// returns a store for tasks named taskName.
func NewSQLiteStore[P api.Payload](db *sql.DB, taskName string, opts ...Option) (*SQLiteStore[P], error) {
	if db == nil {
		return nil, ErrStoreNil
	}
	if taskName == "" {
		return nil, ErrTaskNameRequired
	}
	o := buildOptions(opts)
	s := &SQLiteStore[P]{db: db, taskName: taskName, clock: o.clock}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore[P]) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS async_tasks (
			id TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			unique_key TEXT NOT NULL,
			mutex_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			payload BLOB,
			updated_at INTEGER NOT NULL,
			UNIQUE (task_name, unique_key)
		);`,
	); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS async_tasks_mutex_idx
		ON async_tasks (task_name, mutex_key, status);`,
	)
	return err
}

func (s *SQLiteStore[P]) FindByUnique(ctx context.Context, key api.Key) (*api.Task[P], error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, unique_key, mutex_key, status, payload, updated_at
		FROM async_tasks
		WHERE task_name = ? AND unique_key = ?`,
		s.taskName, key.String(),
	)

	var r record
	if err := row.Scan(&r.ID, &r.UniqueKey, &r.MutexKey, &r.Status, &r.Payload, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return fromRecord[P](r)
}

func (s *SQLiteStore[P]) FindByMutex(ctx context.Context, key api.Key, status api.Status) ([]*api.Task[P], error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, unique_key, mutex_key, status, payload, updated_at
		FROM async_tasks
		WHERE task_name = ? AND mutex_key = ? AND (? = '' OR status = ?)`,
		s.taskName, key.String(), string(status), string(status),
	)
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

func (s *SQLiteStore[P]) Upsert(ctx context.Context, task api.Task[P]) (*api.Task[P], error) {
	r, err := toRecord(task)
	if err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO async_tasks (id, task_name, unique_key, mutex_key, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_name, unique_key) DO UPDATE SET
			mutex_key = excluded.mutex_key,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = MAX(excluded.updated_at, async_tasks.updated_at + 1)
		RETURNING id, updated_at`,
		r.ID, s.taskName, r.UniqueKey, r.MutexKey, r.Status, r.Payload, s.clock().UnixNano(),
	)
	if err := row.Scan(&r.ID, &r.UpdatedAt); err != nil {
		return nil, err
	}

	task.ID = r.ID
	task.UpdatedAt = fromNanos(r.UpdatedAt)
	return &task, nil
}

// UpsertIfUnchanged updates the task only while its stored updated_at still
// equals expected. No row is inserted when the task does not exist.
func (s *SQLiteStore[P]) UpsertIfUnchanged(ctx context.Context, task api.Task[P], expected time.Time) (*api.Task[P], bool, error) {
	r, err := toRecord(task)
	if err != nil {
		return nil, false, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE async_tasks
		SET mutex_key = ?, status = ?, payload = ?, updated_at = MAX(?, updated_at + 1)
		WHERE task_name = ? AND unique_key = ? AND updated_at = ?
		RETURNING id, updated_at`,
		r.MutexKey, r.Status, r.Payload, s.clock().UnixNano(),
		s.taskName, r.UniqueKey, nanos(expected),
	)
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
