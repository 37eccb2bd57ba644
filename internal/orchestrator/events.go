package orchestrator

import (
	"sync"
	"time"

	"github.com/JakeFAU/jobcrawl/internal/platform"
	"github.com/JakeFAU/jobcrawl/internal/progress"
)

// EventType identifies an orchestrator notification.
type EventType string

// Orchestrator notifications. EventProgress and EventComplete forward the
// tracker's batch events.
const (
	EventPlatformStart    EventType = "platform_start"
	EventPlatformComplete EventType = "platform_complete"
	EventPlatformError    EventType = "platform_error"
	EventWarning          EventType = "warning"
	EventProgress         EventType = "progress"
	EventComplete         EventType = "complete"
)

// Event is delivered synchronously to listeners from worker goroutines.
type Event struct {
	Type     EventType
	Platform platform.Platform
	TaskID   string
	JobCount int
	Duration time.Duration
	Err      error
	// Message and Ignored are set on EventWarning.
	Message string
	Ignored []string
	// Overall is set on EventProgress and EventComplete.
	Overall *progress.Overall
}

// Listener receives orchestrator events.
type Listener func(Event)

// Subscribe registers fn and returns a function that removes it.
func (o *Orchestrator) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	o.lmu.Lock()
	defer o.lmu.Unlock()
	id := o.nextLID
	o.nextLID++
	o.listeners[id] = fn
	return func() {
		o.lmu.Lock()
		delete(o.listeners, id)
		o.lmu.Unlock()
	}
}

func (o *Orchestrator) emit(evt Event) {
	o.lmu.RLock()
	fns := make([]Listener, 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.lmu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}

func (o *Orchestrator) forward(evt progress.Event) {
	switch evt.Type {
	case progress.EventBatchProgress:
		o.emit(Event{Type: EventProgress, Overall: evt.Overall})
	case progress.EventBatchComplete:
		o.emit(Event{Type: EventComplete, Overall: evt.Overall})
	}
}

type listenerSet struct {
	lmu       sync.RWMutex
	nextLID   int
	listeners map[int]Listener
}
