// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/jobcrawl/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "crawl_tasks"

// TaskStoreConfig controls the Postgres connection pool used for task rows.
type TaskStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// TaskStore implements store.TaskRepository using Postgres.
type TaskStore struct {
	pool  querier
	table string
}

// NewTaskStore connects to Postgres using cfg.
func NewTaskStore(ctx context.Context, cfg TaskStoreConfig) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewTaskStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(pool querier, table string) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TaskStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertTask records a newly registered task.
func (s *TaskStore) InsertTask(ctx context.Context, rec store.TaskRecord) error {
	status := rec.Status
	if status == "" {
		status = store.TaskPending
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, platform, task_type, status, created_at, items_total)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, rec.ID, rec.Platform, rec.Type, status, rec.CreatedAt, rec.ItemsTotal); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// MarkStarted moves a task to running.
func (s *TaskStore) MarkStarted(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1, started_at = $2 WHERE id = $3`, s.table)
	return s.execOne(ctx, "mark task started", id, query, store.TaskRunning, at, id)
}

// UpdateProgress stores the latest counters.
func (s *TaskStore) UpdateProgress(ctx context.Context, id string, progress float64, processed, total int) error {
	query := fmt.Sprintf(`
UPDATE %s SET progress = $1, items_processed = $2, items_total = $3
WHERE id = $4`, s.table)
	return s.execOne(ctx, "update task progress", id, query, progress, processed, total, id)
}

// FinishTask stores the terminal status and optional error.
func (s *TaskStore) FinishTask(
	ctx context.Context,
	id string,
	status store.TaskStatus,
	finishedAt time.Time,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, finished_at = $2, error_message = $3,
	progress = CASE WHEN $1 = 'completed' THEN 100 ELSE progress END
WHERE id = $4`, s.table)
	return s.execOne(ctx, "finish task", id, query, status, finishedAt, errMsg, id)
}

// GetTask loads one task.
func (s *TaskStore) GetTask(ctx context.Context, id string) (store.TaskRecord, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1`, taskColumns, s.table)
	rec, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TaskRecord{}, fmt.Errorf("%w: task %s", store.ErrNotFound, id)
		}
		return store.TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

// ListTasks returns matching tasks newest first.
func (s *TaskStore) ListTasks(ctx context.Context, f store.TaskFilter) ([]store.TaskRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var platform, status *string
	if f.Platform != "" {
		platform = &f.Platform
	}
	if f.Status != "" {
		st := string(f.Status)
		status = &st
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE ($1::text IS NULL OR platform = $1)
  AND ($2::text IS NULL OR status = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4`, taskColumns, s.table)
	rows, err := s.pool.Query(ctx, query, platform, status, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []store.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *TaskStore) execOne(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w: task %s", op, store.ErrNotFound, id)
	}
	return nil
}

const taskColumns = `id, platform, task_type, status, created_at, started_at, finished_at,
	progress, items_processed, items_total, error_message`

func scanTask(row pgx.Row) (store.TaskRecord, error) {
	var rec store.TaskRecord
	err := row.Scan(
		&rec.ID,
		&rec.Platform,
		&rec.Type,
		&rec.Status,
		&rec.CreatedAt,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.Progress,
		&rec.ItemsProcessed,
		&rec.ItemsTotal,
		&rec.ErrorMessage,
	)
	return rec, err
}
