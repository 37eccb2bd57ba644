package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/orchestrator"
	"github.com/JakeFAU/jobcrawl/internal/progress"
)

func newTestTracker(t *testing.T) (*progress.Tracker, []string) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0).UTC()
	n := 0
	tracker := progress.NewTracker(progress.TrackerConfig{
		Now: func() time.Time { return now },
		NewID: func() string {
			n++
			return fmt.Sprintf("task-%d", n)
		},
	})
	ids := []string{
		tracker.AddTask("wanted", "search", progress.TaskOptions{}),
		tracker.AddTask("saramin", "search", progress.TaskOptions{}),
		tracker.AddTask("jumpit", "search", progress.TaskOptions{}),
	}
	require.NoError(t, tracker.StartTask(ids[0]))
	require.NoError(t, tracker.CompleteTask(ids[0], nil))
	require.NoError(t, tracker.StartTask(ids[1]))
	require.NoError(t, tracker.FailTask(ids[1], errors.New("blocked")))
	return tracker, ids
}

func TestProgressHandlerOverview(t *testing.T) {
	t.Parallel()

	tracker, _ := newTestTracker(t)
	handler := NewProgressHandler(tracker, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.Overview(rec, httptest.NewRequest(http.MethodGet, "/v1/progress", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Overall   progress.Overall                    `json:"overall"`
		Platforms map[string]progress.PlatformSummary `json:"platforms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Overall.TotalTasks)
	require.Equal(t, 1, body.Platforms["saramin"].Failed)
	require.Equal(t, 1, body.Platforms["jumpit"].Pending)
}

func TestProgressHandlerListTasks(t *testing.T) {
	t.Parallel()

	tracker, ids := newTestTracker(t)
	server := NewServer(NewProgressHandler(tracker, nil, zap.NewNop()), zap.NewNop())

	tests := []struct {
		name  string
		query string
		code  int
		ids   []string
		total int
	}{
		{name: "all", query: "", code: http.StatusOK, ids: ids, total: 3},
		{name: "by status", query: "?status=failed", code: http.StatusOK, ids: ids[1:2], total: 1},
		{name: "status alias", query: "?status=error", code: http.StatusOK, ids: ids[1:2], total: 1},
		{name: "by platform", query: "?platform=Jumpit", code: http.StatusOK, ids: ids[2:], total: 1},
		{name: "paged", query: "?limit=1&offset=1", code: http.StatusOK, ids: ids[1:2], total: 3},
		{name: "offset past end", query: "?offset=10", code: http.StatusOK, ids: []string{}, total: 3},
		{name: "bad status", query: "?status=done", code: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=-1", code: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks"+tc.query, nil))
			require.Equal(t, tc.code, rec.Code)
			if tc.code != http.StatusOK {
				return
			}
			var body struct {
				Tasks []progress.Task `json:"tasks"`
				Total int             `json:"total"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			got := make([]string, 0, len(body.Tasks))
			for _, task := range body.Tasks {
				got = append(got, task.ID)
			}
			require.Equal(t, tc.ids, got)
			require.Equal(t, tc.total, body.Total)
		})
	}
}

func TestProgressHandlerGetTask(t *testing.T) {
	t.Parallel()

	tracker, ids := newTestTracker(t)
	handler := NewProgressHandler(tracker, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.GetTask(rec, withTaskIDParam(httptest.NewRequest(http.MethodGet, "/v1/tasks/"+ids[1], nil), ids[1]))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Task progress.Task `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, progress.StatusFailed, body.Task.Status)
	require.Equal(t, "blocked", body.Task.Error)

	rec = httptest.NewRecorder()
	handler.GetTask(rec, withTaskIDParam(httptest.NewRequest(http.MethodGet, "/v1/tasks/nope", nil), "nope"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressHandlerStats(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(nil, func() orchestrator.Metrics {
		return orchestrator.Metrics{Progress: progress.Overall{TotalTasks: 4}}
	}, nil)
	rec := httptest.NewRecorder()
	handler.Stats(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body orchestrator.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 4, body.Progress.TotalTasks)
	require.Nil(t, body.Pool)
}

type panickingSource struct{}

func (panickingSource) Task(string) (progress.Task, error) {
	panic("boom")
}

func (panickingSource) List(progress.Filter) []progress.Task {
	panic("boom")
}

func (panickingSource) Summary() map[string]progress.PlatformSummary {
	panic("boom")
}

func (panickingSource) Overall() progress.Overall {
	panic("boom")
}

func withTaskIDParam(r *http.Request, id string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("task_id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
