package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/progress"
)

// ExampleProgressHandler_ListTasks shows how to serve the /v1/tasks endpoint.
func ExampleProgressHandler_ListTasks() {
	tracker := progress.NewTracker(progress.TrackerConfig{})
	id := tracker.AddTask("wanted", "search", progress.TaskOptions{})
	_ = tracker.StartTask(id)
	tracker.AddTask("saramin", "search", progress.TaskOptions{})

	handler := NewProgressHandler(tracker, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks?status=running", nil)
	rec := httptest.NewRecorder()
	handler.ListTasks(rec, req)

	var payload struct {
		Tasks []progress.Task `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("running tasks: %d (%s)\n", len(payload.Tasks), payload.Tasks[0].Platform)
	// Output:
	// running tasks: 1 (wanted)
}
