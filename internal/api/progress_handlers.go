package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/logging"
	"github.com/JakeFAU/jobcrawl/internal/orchestrator"
	"github.com/JakeFAU/jobcrawl/internal/progress"
)

const (
	defaultTaskLimit = 100
	maxTaskLimit     = 1000
)

// ProgressSource is the read side of the progress tracker.
type ProgressSource interface {
	Task(id string) (progress.Task, error)
	List(f progress.Filter) []progress.Task
	Summary() map[string]progress.PlatformSummary
	Overall() progress.Overall
}

// ProgressHandler exposes read-only progress endpoints.
type ProgressHandler struct {
	src    ProgressSource
	stats  func() orchestrator.Metrics
	logger *zap.Logger
}

// NewProgressHandler wires the tracker, an optional metrics snapshot func and
// the logger.
func NewProgressHandler(src ProgressSource, stats func() orchestrator.Metrics, logger *zap.Logger) *ProgressHandler {
	return &ProgressHandler{src: src, stats: stats, logger: logging.OrNop(logger)}
}

// Overview handles GET /v1/progress. It returns {"overall": {...},
// "platforms": {...}} or 503 when no tracker is wired.
func (h *ProgressHandler) Overview(w http.ResponseWriter, _ *http.Request) {
	if h.src == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracker unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"overall":   h.src.Overall(),
		"platforms": h.src.Summary(),
	})
}

// ListTasks handles GET /v1/tasks?platform=&status=&type=&limit=&offset=.
// It returns {"tasks": [...], "total": n}, or 400 for invalid filters.
func (h *ProgressHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if h.src == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracker unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := progress.Filter{
		Platform: strings.ToLower(strings.TrimSpace(q.Get("platform"))),
		Type:     strings.TrimSpace(q.Get("type")),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := parseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}

	tasks := h.src.List(filter)
	total := len(tasks)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks[start:end],
		"total": total,
	})
}

// GetTask handles GET /v1/tasks/{task_id}. It returns {"task": {...}} or 404.
func (h *ProgressHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	if h.src == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracker unavailable")
		return
	}
	id := chi.URLParam(r, "task_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	task, err := h.src.Task(id)
	if err != nil {
		if errors.Is(err, progress.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("get task failed", zap.String("task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// Stats handles GET /v1/stats with the orchestrator's metrics snapshot.
func (h *ProgressHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.stats())
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (progress.Status, error) {
	switch s := progress.Status(strings.ToLower(input)); s {
	case progress.StatusPending, progress.StatusRunning, progress.StatusCompleted,
		progress.StatusFailed, progress.StatusCancelled:
		return s, nil
	case "canceled":
		return progress.StatusCancelled, nil
	case "error", "failure":
		return progress.StatusFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}
