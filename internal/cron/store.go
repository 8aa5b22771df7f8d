// Package cron schedules recurring agent tasks. Tasks persist in a local
// sqlite database so schedules survive restarts; the scheduler wakes every
// 30 seconds and emits cron.trigger for whatever is due.
package cron

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/vargoshq/vargos/pkg/wire"
)

// Task is one scheduled job. Schedule is either a five-field cron
// expression or "@every <duration>".
type Task struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Schedule   string              `json:"schedule"`
	Task       string              `json:"task"`
	SessionKey string              `json:"sessionKey"`
	Notify     []wire.NotifyTarget `json:"notify,omitempty"`
	Enabled    bool                `json:"enabled"`
	CreatedAt  time.Time           `json:"createdAt"`
	LastRunAt  *time.Time          `json:"lastRunAt,omitempty"`
}

// Store persists tasks in sqlite. A single connection serializes writers,
// which sidesteps SQLITE_BUSY under concurrent method calls.
type Store struct {
	db *sql.DB
}

// OpenStore opens the task database at path, creating the schema on first
// use.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cron db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS cron_tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		schedule TEXT NOT NULL,
		task TEXT NOT NULL,
		session_key TEXT NOT NULL,
		notify TEXT NOT NULL DEFAULT 'null',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		last_run_at INTEGER
	)`)
	if err != nil {
		return fmt.Errorf("create cron schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func errTaskNotFound(id string) error {
	return wire.Errorf(wire.CodeNotFound, "cron task %s not found", id)
}

const taskCols = "id, name, schedule, task, session_key, notify, enabled, created_at, last_run_at"

// Put inserts a new task.
func (s *Store) Put(ctx context.Context, t *Task) error {
	notify, err := json.Marshal(t.Notify)
	if err != nil {
		return fmt.Errorf("encode notify targets: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO cron_tasks (`+taskCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Schedule, t.Task, t.SessionKey, string(notify),
		t.Enabled, t.CreatedAt.UnixMilli(), msOrNull(t.LastRunAt))
	if err != nil {
		return fmt.Errorf("insert cron task: %w", err)
	}
	return nil
}

// Get returns the task with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM cron_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errTaskNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read cron task: %w", err)
	}
	return t, nil
}

// List returns all tasks, oldest first.
func (s *Store) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM cron_tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list cron tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("read cron task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Update rewrites every mutable column of the task.
func (s *Store) Update(ctx context.Context, t *Task) error {
	notify, err := json.Marshal(t.Notify)
	if err != nil {
		return fmt.Errorf("encode notify targets: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE cron_tasks
		SET name = ?, schedule = ?, task = ?, session_key = ?, notify = ?, enabled = ?, last_run_at = ?
		WHERE id = ?`,
		t.Name, t.Schedule, t.Task, t.SessionKey, string(notify),
		t.Enabled, msOrNull(t.LastRunAt), t.ID)
	if err != nil {
		return fmt.Errorf("update cron task: %w", err)
	}
	return noneUpdated(res, t.ID)
}

// Delete removes the task.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cron task: %w", err)
	}
	return noneUpdated(res, id)
}

// MarkRun records at as the task's last firing time.
func (s *Store) MarkRun(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cron_tasks SET last_run_at = ? WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark cron run: %w", err)
	}
	return noneUpdated(res, id)
}

func noneUpdated(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errTaskNotFound(id)
	}
	return nil
}

func msOrNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t       Task
		notify  string
		created int64
		last    sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.Name, &t.Schedule, &t.Task, &t.SessionKey,
		&notify, &t.Enabled, &created, &last)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(notify), &t.Notify); err != nil {
		return nil, fmt.Errorf("decode notify targets: %w", err)
	}
	t.CreatedAt = time.UnixMilli(created)
	if last.Valid {
		at := time.UnixMilli(last.Int64)
		t.LastRunAt = &at
	}
	return &t, nil
}
