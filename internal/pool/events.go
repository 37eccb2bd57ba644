package pool

import "sync"

// EventType identifies a pool lifecycle notification.
type EventType string

// Pool notifications.
const (
	EventCreate      EventType = "create"
	EventAcquire     EventType = "acquire"
	EventRelease     EventType = "release"
	EventDestroy     EventType = "destroy"
	EventError       EventType = "error"
	EventHealthCheck EventType = "health_check"
	EventDrain       EventType = "drain"
)

// Event is delivered synchronously to subscribers. Listeners must not call
// back into the pool's blocking methods.
type Event struct {
	Type       EventType
	ResourceID string
	// Op names the failing callback for EventError ("create" or "destroy").
	Op  string
	Err error
	// Evicted is set on EventHealthCheck.
	Evicted int
	// Forced is set on EventDrain when resources had to be force-destroyed.
	Forced int
}

// Listener receives pool events.
type Listener func(Event)

// Subscribe registers fn and returns a function that removes it.
func (p *Pool[T]) Subscribe(fn Listener) func() {
	return p.listeners.add(fn)
}

func (p *Pool[T]) emit(evt Event) {
	p.listeners.emit(evt)
}

type listenerRegistry struct {
	mu     sync.RWMutex
	nextID int
	fns    map[int]Listener
}

func (r *listenerRegistry) add(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fns == nil {
		r.fns = make(map[int]Listener)
	}
	id := r.nextID
	r.nextID++
	r.fns[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.fns, id)
		r.mu.Unlock()
	}
}

func (r *listenerRegistry) emit(evt Event) {
	r.mu.RLock()
	fns := make([]Listener, 0, len(r.fns))
	for _, fn := range r.fns {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}
