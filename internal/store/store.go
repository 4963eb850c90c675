// Package store provides the SQLite-backed task store for taskwell.
//
// The database runs embedded (ncruces/go-sqlite3, no cgo) with WAL mode so
// concurrent sync sessions can read during writes. Tasks are soft-deleted:
// a deleted row keeps its record with deleted_at set (a tombstone), which is
// what allows the change feed to tell disconnected clients about deletions.
//
// Timestamps are stored as fixed-width UTC text with nanosecond precision,
// so lexicographic comparison in SQL matches chronological order and two
// writes never share an updated_at tick (see stampAfter).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/taskwell/taskwell/internal/clock"
)

// ErrNotFound is returned when an operation targets a task id that does not
// exist or has been soft-deleted.
var ErrNotFound = errors.New("task not found")

// timeLayout is a fixed-width RFC 3339 layout with a nine-digit fraction.
// Unlike time.RFC3339Nano it never trims trailing zeros, so stored values
// sort lexicographically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Task is the unit of synchronization.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// Deleted reports whether the task is a tombstone.
func (t *Task) Deleted() bool {
	return t.DeletedAt != nil
}

// Fields holds the mutable task fields for Update. Nil pointers leave the
// stored value untouched; set pointers overwrite it unconditionally
// (last-write-wins, no version check).
type Fields struct {
	Title       *string
	Description *string
	Completed   *bool
}

// Store wraps the SQLite connection holding the authoritative task set.
type Store struct {
	conn     *sql.DB
	path     string
	clock    clock.Clock
	readOnly bool
}

// Open creates or opens the task database at the given path.
//
// The database is opened in embedded mode with WAL for concurrent reads and
// the schema is created if missing. Timestamps come from clk; pass
// clock.System() outside of tests. The caller must Close when done.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.System()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, clock: clk}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// OpenReadOnly opens an existing task database without taking a writable
// connection. No schema is created and no pragmas that write are applied;
// mutation methods fail. Used by inspection commands running next to a live
// server.
func OpenReadOnly(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{conn: conn, path: path, clock: clock.System(), readOnly: true}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to apply busy_timeout: %w", err)
	}

	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if !s.readOnly {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// initSchema creates the tasks table and indexes. Idempotent.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	-- Live listing is ordered newest-first.
	CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC)
	    WHERE deleted_at IS NULL;

	-- The change feed scans updated_at > checkpoint, tombstones included.
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// stampAfter returns the current clock time, bumped forward if needed so it
// is strictly after prev. This keeps updated_at strictly increasing per task
// even when the clock resolution is coarser than the write rate, which the
// change feed's strictly-greater-than comparison depends on.
func (s *Store) stampAfter(prev time.Time) time.Time {
	now := s.clock.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

// Create inserts a new task with a server-assigned id.
//
// Any id proposed by the caller is never accepted; the store always mints a
// fresh UUID. New tasks start incomplete with created_at == updated_at.
func (s *Store) Create(ctx context.Context, title, description string) (*Task, error) {
	now := s.clock.Now().UTC()
	task := &Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Completed:   false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := `
	INSERT INTO tasks (id, title, description, completed, created_at, updated_at, deleted_at)
	VALUES (?, ?, ?, 0, ?, ?, NULL)
	`

	_, err := s.conn.ExecContext(ctx, query,
		task.ID,
		task.Title,
		task.Description,
		task.CreatedAt.Format(timeLayout),
		task.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	return task, nil
}

// Get retrieves a single live task by id. Tombstoned tasks are treated as
// not found.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	return s.get(ctx, s.conn, id, false)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, id string, includeDeleted bool) (*Task, error) {
	query := `
	SELECT id, title, description, completed, created_at, updated_at, deleted_at
	FROM tasks
	WHERE id = ?
	`
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}

	task, err := scanTask(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// Update overwrites the provided fields on a live task and advances
// updated_at. There is no version check: concurrent updates race under
// last-write-wins and the loser is silently superseded.
func (s *Store) Update(ctx context.Context, id string, fields Fields) (*Task, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := s.get(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}

	if fields.Title != nil {
		task.Title = *fields.Title
	}
	if fields.Description != nil {
		task.Description = *fields.Description
	}
	if fields.Completed != nil {
		task.Completed = *fields.Completed
	}
	task.UpdatedAt = s.stampAfter(task.UpdatedAt)

	query := `
	UPDATE tasks SET title = ?, description = ?, completed = ?, updated_at = ?
	WHERE id = ?
	`
	_, err = tx.ExecContext(ctx, query,
		task.Title,
		task.Description,
		task.Completed,
		task.UpdatedAt.Format(timeLayout),
		task.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return task, nil
}

// Toggle flips the completed flag on a live task.
func (s *Store) Toggle(ctx context.Context, id string) (*Task, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := s.get(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}

	task.Completed = !task.Completed
	task.UpdatedAt = s.stampAfter(task.UpdatedAt)

	query := `UPDATE tasks SET completed = ?, updated_at = ? WHERE id = ?`
	_, err = tx.ExecContext(ctx, query,
		task.Completed,
		task.UpdatedAt.Format(timeLayout),
		task.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to toggle task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return task, nil
}

// SoftDelete marks a live task as deleted. The row is retained as a
// tombstone so the change feed can report the deletion to other clients.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := s.get(ctx, tx, id, false)
	if err != nil {
		return err
	}

	now := s.stampAfter(task.UpdatedAt)

	query := `UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE id = ?`
	_, err = tx.ExecContext(ctx, query,
		now.Format(timeLayout),
		now.Format(timeLayout),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ListLive returns all non-tombstoned tasks, newest first.
func (s *Store) ListLive(ctx context.Context) ([]*Task, error) {
	query := `
	SELECT id, title, description, completed, created_at, updated_at, deleted_at
	FROM tasks
	WHERE deleted_at IS NULL
	ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ChangesSince returns every task, tombstoned or not, whose updated_at is
// strictly greater than t. This is the change feed the sync engine uses to
// compute the server-side delta for a client checkpoint.
func (s *Store) ChangesSince(ctx context.Context, t time.Time) ([]*Task, error) {
	query := `
	SELECT id, title, description, completed, created_at, updated_at, deleted_at
	FROM tasks
	WHERE updated_at > ?
	ORDER BY updated_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, t.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// TaskCount returns the total number of rows, tombstones included.
func (s *Store) TaskCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get task count: %w", err)
	}
	return count, nil
}

// LiveCount returns the number of non-tombstoned tasks.
func (s *Store) LiveCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE deleted_at IS NULL").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get live count: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var task Task
	var createdAt, updatedAt string
	var deletedAt sql.NullString

	err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Completed,
		&createdAt,
		&updatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	task.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	task.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if deletedAt.Valid {
		t, err := time.Parse(timeLayout, deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse deleted_at: %w", err)
		}
		task.DeletedAt = &t
	}

	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}
