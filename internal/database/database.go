// Package database is the SQLite-backed local task store.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskbridge/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// ErrTaskNotFound is returned when no task matches a lookup.
var ErrTaskNotFound = errors.New("task not found")

// LoadOptions controls LoadTasks.
type LoadOptions struct {
	// ForceRefresh bypasses the in-memory snapshot.
	ForceRefresh bool
}

// TaskStore persists tasks and keeps a snapshot of the last full load.
type TaskStore struct {
	*sql.DB
	path   string
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	snapshot []models.Task
	fresh    bool
}

func NewTaskStore(path string, logger *zerolog.Logger) (*TaskStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "task_store").Logger()
	}
	base.Info().Str("path", path).Msg("task store initialized")

	return &TaskStore{DB: db, path: path, logger: base, now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
            id TEXT PRIMARY KEY,
            remote_id TEXT NOT NULL DEFAULT '',
            title TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'todo',
            priority TEXT NOT NULL DEFAULT '',
            updated_at INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_remote_id ON tasks(remote_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *TaskStore) Path() string { return s.path }

// SaveTask inserts or replaces a task. An empty RemoteID keeps the stored one.
func (s *TaskStore) SaveTask(ctx context.Context, task *models.Task) error {
	if task == nil || task.ID == "" {
		return errors.New("task id is required")
	}
	if task.Status == "" {
		task.Status = models.StatusTodo
	}
	if !models.ValidStatus(task.Status) {
		return fmt.Errorf("invalid task status %q", task.Status)
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = s.now()
	}

	query := `INSERT INTO tasks (id, remote_id, title, description, status, priority, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                remote_id = CASE WHEN excluded.remote_id <> '' THEN excluded.remote_id ELSE tasks.remote_id END,
                title = excluded.title,
                description = excluded.description,
                status = excluded.status,
                priority = excluded.priority,
                updated_at = excluded.updated_at`
	_, err := s.ExecContext(ctx, query,
		task.ID,
		task.RemoteID,
		task.Title,
		task.Description,
		task.Status,
		task.Priority,
		task.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	s.invalidate()
	return nil
}

func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := s.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	s.invalidate()
	return nil
}

// SetRemoteID records the remote id assigned to a task after its first push.
func (s *TaskStore) SetRemoteID(ctx context.Context, taskID, remoteID string) error {
	res, err := s.ExecContext(ctx, `UPDATE tasks SET remote_id = ? WHERE id = ?`, remoteID, taskID)
	if err != nil {
		return fmt.Errorf("failed to set remote id for %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	s.invalidate()
	return nil
}

// LoadTasks returns all tasks ordered by id, served from the snapshot
// unless it is stale or ForceRefresh is set.
func (s *TaskStore) LoadTasks(ctx context.Context, opts LoadOptions) ([]models.Task, error) {
	if !opts.ForceRefresh {
		s.mu.RLock()
		if s.fresh {
			out := append([]models.Task(nil), s.snapshot...)
			s.mu.RUnlock()
			return out, nil
		}
		s.mu.RUnlock()
	}

	rows, err := s.QueryContext(ctx, `SELECT id, remote_id, title, description, status, priority, updated_at
              FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	s.mu.Lock()
	s.snapshot = tasks
	s.fresh = true
	s.mu.Unlock()

	return append([]models.Task(nil), tasks...), nil
}

func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.QueryRowContext(ctx, `SELECT id, remote_id, title, description, status, priority, updated_at
              FROM tasks WHERE id = ?`, taskID)
	return scanTask(row)
}

// FindByRemoteID resolves a remote item id to its local task.
func (s *TaskStore) FindByRemoteID(ctx context.Context, remoteID string) (*models.Task, error) {
	if remoteID == "" {
		return nil, ErrTaskNotFound
	}
	row := s.QueryRowContext(ctx, `SELECT id, remote_id, title, description, status, priority, updated_at
              FROM tasks WHERE remote_id = ? LIMIT 1`, remoteID)
	return scanTask(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var (
		t         models.Task
		updatedAt int64
	)
	err := row.Scan(&t.ID, &t.RemoteID, &t.Title, &t.Description, &t.Status, &t.Priority, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

func (s *TaskStore) invalidate() {
	s.mu.Lock()
	s.fresh = false
	s.snapshot = nil
	s.mu.Unlock()
}
