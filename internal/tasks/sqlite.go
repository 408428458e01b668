package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver, registered as "sqlite3"
	_ "modernc.org/sqlite"          // Pure-Go SQLite driver, registered as "sqlite"
)

const (
	// DriverCGO selects github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"

	// DriverPureGo selects modernc.org/sqlite.
	DriverPureGo = "sqlite"
)

// SQLiteConfig holds configuration for the SQLite task store.
type SQLiteConfig struct {
	// Path is the database file. Parent directories are created.
	Path string

	// Driver is DriverPureGo (default) or DriverCGO.
	Driver string

	// BusyTimeout bounds how long a writer waits on a locked database.
	// Defaults to 5 seconds.
	BusyTimeout time.Duration

	// MaxOpenConns defaults to 1; SQLite serializes writers anyway.
	MaxOpenConns int
}

// DefaultSQLiteConfig returns default configuration for path.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:         path,
		Driver:       DriverPureGo,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
	}
}

// SQLiteStore implements Store on a WAL-mode SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the task database.
func NewSQLiteStore(ctx context.Context, config SQLiteConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(config.Path) == "" {
		return nil, fmt.Errorf("path is required")
	}
	if config.Driver == "" {
		config.Driver = DriverPureGo
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 1
	}

	if dir := filepath.Dir(config.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn, err := sqliteDSN(config)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreFromDB wraps an open database. The schema must exist.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// sqliteDSN builds a connection string enabling WAL and a busy timeout in
// the syntax each driver understands.
func sqliteDSN(config SQLiteConfig) (string, error) {
	busy := config.BusyTimeout.Milliseconds()
	switch config.Driver {
	case DriverCGO:
		return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", config.Path, busy), nil
	case DriverPureGo:
		return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", config.Path, busy), nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", config.Driver)
	}
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			description TEXT NOT NULL,
			execute_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			origin_message_id TEXT
		)`,
		"CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_status_execute ON scheduled_tasks(status, execute_at)",
		"CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_user_status ON scheduled_tasks(user_id, status)",
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, channel_id, user_id, description, execute_at, created_at, status, origin_message_id`

// Add stores a new pending task. CreatedAt defaults to the current time.
func (s *SQLiteStore) Add(ctx context.Context, task *ScheduledTask) (int64, error) {
	if task == nil {
		return 0, fmt.Errorf("task is required")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Status = StatusPending

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (channel_id, user_id, description, execute_at, created_at, status, origin_message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		task.ChannelID,
		task.UserID,
		task.Description,
		toMillis(task.ExecuteAt),
		toMillis(task.CreatedAt),
		string(StatusPending),
		nullableString(task.OriginMessageID),
	)
	if err != nil {
		return 0, fmt.Errorf("add task: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("add task: last insert id: %w", err)
	}
	task.ID = id
	return id, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// DueTasks returns pending tasks due at now.
func (s *SQLiteStore) DueTasks(ctx context.Context, now time.Time) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = ? AND execute_at <= ?
		ORDER BY execute_at ASC, id ASC
	`, string(StatusPending), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	return collectTasks(rows)
}

// Claim moves a pending task to running.
func (s *SQLiteStore) Claim(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), id, string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task: rows affected: %w", err)
	}
	return affected > 0, nil
}

// FailInterrupted marks every running task as failed.
func (s *SQLiteStore) FailInterrupted(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ? WHERE status = ?`,
		string(StatusFailed), string(StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted tasks: %w", err)
	}
	return result.RowsAffected()
}

// SetStatus moves a pending or running task to status.
func (s *SQLiteStore) SetStatus(ctx context.Context, id int64, status Status) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ? WHERE id = ? AND status IN (?, ?)`,
		string(status), id, string(StatusPending), string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set task status: rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// Cancel cancels a pending task, optionally restricted to its owner.
func (s *SQLiteStore) Cancel(ctx context.Context, id int64, userID *string) (bool, error) {
	query := `UPDATE scheduled_tasks SET status = ? WHERE id = ? AND status = ?`
	args := []any{string(StatusCancelled), id, string(StatusPending)}
	if userID != nil {
		query += ` AND user_id = ?`
		args = append(args, *userID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel task: rows affected: %w", err)
	}
	return affected > 0, nil
}

// TasksForUser returns a user's pending tasks.
func (s *SQLiteStore) TasksForUser(ctx context.Context, userID string, limit int) ([]*ScheduledTask, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE user_id = ? AND status = ?
		ORDER BY execute_at ASC, id ASC
		LIMIT ?
	`, userID, string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("user tasks: %w", err)
	}
	return collectTasks(rows)
}

// CountPendingForUser counts a user's pending tasks.
func (s *SQLiteStore) CountPendingForUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_tasks WHERE user_id = ? AND status = ?`,
		userID, string(StatusPending),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count user tasks: %w", err)
	}
	return count, nil
}

// AllTasks returns the most recently created tasks.
func (s *SQLiteStore) AllTasks(ctx context.Context, limit int) ([]*ScheduledTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("all tasks: %w", err)
	}
	return collectTasks(rows)
}

// PurgeTerminalOlderThan deletes old terminal tasks.
func (s *SQLiteStore) PurgeTerminalOlderThan(ctx context.Context, days int, now time.Time) (int64, error) {
	cutoff := purgeCutoff(days, now)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_tasks
		WHERE status IN (?, ?, ?) AND created_at < ?
	`, string(StatusCompleted), string(StatusFailed), string(StatusCancelled), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge tasks: rows affected: %w", err)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var (
		task      ScheduledTask
		status    string
		executeAt int64
		createdAt int64
		origin    sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.ChannelID,
		&task.UserID,
		&task.Description,
		&executeAt,
		&createdAt,
		&status,
		&origin,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.ExecuteAt = fromMillis(executeAt)
	task.CreatedAt = fromMillis(createdAt)
	if origin.Valid {
		task.OriginMessageID = origin.String
	}
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*ScheduledTask, error) {
	defer rows.Close()
	var out []*ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
