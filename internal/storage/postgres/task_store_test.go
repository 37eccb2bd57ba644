package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobcrawl/internal/store"
)

func newMockStore(t *testing.T) (*TaskStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewTaskStoreWithPool(mock, "")
	require.NoError(t, err)
	return s, mock
}

func TestNewTaskStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewTaskStoreWithPool(mock, "tasks; DROP TABLE x")
	require.Error(t, err)
	_, err = NewTaskStoreWithPool(nil, "")
	require.Error(t, err)
}

func TestInsertTask(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO crawl_tasks").
		WithArgs("task-1", "wanted", "search", store.TaskPending, now, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.InsertTask(context.Background(), store.TaskRecord{
		ID: "task-1", Platform: "wanted", Type: "search", CreatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLifecycleUpdates(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	msg := "HTTP 503"

	mock.ExpectExec("UPDATE crawl_tasks SET status").
		WithArgs(store.TaskRunning, now, "task-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_tasks SET progress").
		WithArgs(50.0, 5, 10, "task-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_tasks").
		WithArgs(store.TaskFailed, now, &msg, "task-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkStarted(ctx, "task-1", now))
	require.NoError(t, s.UpdateProgress(ctx, "task-1", 50, 5, 10))
	require.NoError(t, s.FinishTask(ctx, "task-1", store.TaskFailed, now, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissingTask(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE crawl_tasks SET status").
		WithArgs(store.TaskRunning, pgxmock.AnyArg(), "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkStarted(context.Background(), "ghost", time.Now())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO crawl_tasks").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := s.InsertTask(context.Background(), store.TaskRecord{ID: "x"})
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	started := created.Add(time.Second)
	rows := pgxmock.NewRows([]string{
		"id", "platform", "task_type", "status", "created_at", "started_at", "finished_at",
		"progress", "items_processed", "items_total", "error_message",
	}).AddRow("task-1", "saramin", "search", store.TaskRunning, created, &started, (*time.Time)(nil),
		25.0, 1, 4, (*string)(nil))
	mock.ExpectQuery("SELECT id, platform").WithArgs("task-1").WillReturnRows(rows)
	mock.ExpectQuery("SELECT id, platform").WithArgs("ghost").WillReturnError(pgx.ErrNoRows)

	rec, err := s.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, "saramin", rec.Platform)
	require.Equal(t, store.TaskRunning, rec.Status)
	require.Equal(t, started, *rec.StartedAt)
	require.Nil(t, rec.FinishedAt)

	_, err = s.GetTask(context.Background(), "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	platform := "wanted"
	rows := pgxmock.NewRows([]string{
		"id", "platform", "task_type", "status", "created_at", "started_at", "finished_at",
		"progress", "items_processed", "items_total", "error_message",
	}).
		AddRow("b", "wanted", "search", store.TaskCompleted, created.Add(time.Second), &created, &created, 100.0, 3, 3, (*string)(nil)).
		AddRow("a", "wanted", "search", store.TaskPending, created, (*time.Time)(nil), (*time.Time)(nil), 0.0, 0, 0, (*string)(nil))
	mock.ExpectQuery("SELECT id, platform").
		WithArgs(&platform, (*string)(nil), 100, 0).
		WillReturnRows(rows)

	out, err := s.ListTasks(context.Background(), store.TaskFilter{Platform: platform})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "b", out[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
