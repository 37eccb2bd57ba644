// Package pool implements a bounded pool of reusable, expensive resources such
// as headless browser sessions. Acquisition is FIFO-fair, idle resources are
// validated before reuse, and a background loop evicts stale entries.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/id/uuid"
)

var (
	// ErrAcquireTimeout is returned when no resource became available in time.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")
	// ErrDraining is returned by Acquire once Drain has started.
	ErrDraining = errors.New("pool: draining")
	// ErrUnknownResource is returned when releasing a value the pool does not track.
	ErrUnknownResource = errors.New("pool: unknown resource")
)

const (
	defaultMaxSize             = 5
	defaultAcquireTimeout      = 30 * time.Second
	defaultIdleTimeout         = 5 * time.Minute
	defaultMaxAge              = 10 * time.Minute
	defaultHealthCheckInterval = time.Minute
	drainPollInterval          = 100 * time.Millisecond
)

// Factory creates a new resource.
type Factory[T any] func(ctx context.Context) (T, error)

// Destructor releases a resource's underlying handles.
type Destructor[T any] func(ctx context.Context, value T) error

// Validator reports whether a resource is still usable.
type Validator[T any] func(ctx context.Context, value T) bool

// Config controls pool sizing and lifecycle.
//   - Create is required; Destroy and Validate are optional.
//   - MaxSize defaults to 5; MinSize is preserved by idle eviction.
//   - AcquireTimeout defaults to 30s, IdleTimeout to 5m, MaxAge to 10m.
//   - HealthCheckInterval defaults to 1m; a negative value disables the loop.
type Config[T any] struct {
	Create              Factory[T]
	Destroy             Destructor[T]
	Validate            Validator[T]
	MaxSize             int
	MinSize             int
	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	MaxAge              time.Duration
	HealthCheckInterval time.Duration
	Logger              *zap.Logger
}

// State is the lifecycle state of a pooled resource.
type State string

// Resource states.
const (
	StateIdle      State = "idle"
	StateInUse     State = "in_use"
	StateDestroyed State = "destroyed"
)

// Resource describes one pooled value.
type Resource[T any] struct {
	ID         string
	Value      T
	CreatedAt  time.Time
	LastUsedAt time.Time
	UseCount   int
	State      State
}

// Metrics is a point-in-time view of pool bookkeeping.
type Metrics struct {
	Size      int  `json:"size"`
	Idle      int  `json:"idle"`
	InUse     int  `json:"in_use"`
	Pending   int  `json:"pending"`
	Waiting   int  `json:"waiting"`
	MaxSize   int  `json:"max_size"`
	Created   int  `json:"created"`
	Destroyed int  `json:"destroyed"`
	Acquired  int  `json:"acquired"`
	Released  int  `json:"released"`
	Timeouts  int  `json:"timeouts"`
	Errors    int  `json:"errors"`
	Draining  bool `json:"draining"`
}

type result[T any] struct {
	res *Resource[T]
	err error
}

type waiter[T any] struct {
	ch       chan result[T]
	assigned bool
	canceled bool
}

// Pool is a bounded pool of resources of type T. It is safe for concurrent use.
type Pool[T comparable] struct {
	cfg    Config[T]
	logger *zap.Logger
	ids    *uuid.Generator
	now    func() time.Time

	mu       sync.Mutex
	idle     []*Resource[T]
	inUse    map[T]*Resource[T]
	pending  int
	waiters  []*waiter[T]
	draining bool
	stats    Metrics

	listeners listenerRegistry

	stopOnce   sync.Once
	stopHealth chan struct{}
	healthDone chan struct{}
}

// New validates cfg, applies defaults, and starts the health-check loop.
func New[T comparable](cfg Config[T]) (*Pool[T], error) {
	if cfg.Create == nil {
		return nil, fmt.Errorf("pool: create factory is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.MinSize < 0 {
		return nil, fmt.Errorf("pool: min size must be >= 0")
	}
	if cfg.MinSize > cfg.MaxSize {
		return nil, fmt.Errorf("pool: min size %d exceeds max size %d", cfg.MinSize, cfg.MaxSize)
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool[T]{
		cfg:        cfg,
		logger:     logger,
		ids:        uuid.NewPrefixed("res"),
		now:        time.Now,
		inUse:      make(map[T]*Resource[T]),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	p.stats.MaxSize = cfg.MaxSize
	if cfg.HealthCheckInterval > 0 {
		go p.healthLoop()
	} else {
		close(p.healthDone)
	}
	return p, nil
}

// Acquire returns an idle resource, creates one when under capacity, or waits
// in FIFO order until one is released. It fails with ErrAcquireTimeout after
// the configured timeout, or with ctx's error when ctx ends first.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return zero, ErrDraining
		}
		if n := len(p.idle); n > 0 {
			res := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.pending++
			p.mu.Unlock()

			if value, ok := p.checkout(ctx, res); ok {
				return value, nil
			}
			continue
		}
		if p.sizeLocked() < p.cfg.MaxSize {
			p.pending++
			p.mu.Unlock()
			return p.createForCaller(ctx)
		}
		w := &waiter[T]{ch: make(chan result[T], 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()
		return p.wait(ctx, w)
	}
}

// checkout validates a popped idle resource. The caller has already counted
// it as pending.
func (p *Pool[T]) checkout(ctx context.Context, res *Resource[T]) (T, bool) {
	var zero T
	reason := ""
	switch {
	case p.expired(res):
		reason = "max age exceeded"
	case p.cfg.Validate != nil && !p.cfg.Validate(ctx, res.Value):
		reason = "validation failed"
	}
	if reason != "" {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		p.logger.Debug("discarding idle resource", zap.String("resource_id", res.ID), zap.String("reason", reason))
		p.destroyResource(res)
		p.fillWaiters()
		return zero, false
	}

	p.mu.Lock()
	p.pending--
	if p.draining {
		p.mu.Unlock()
		p.destroyResource(res)
		return zero, false
	}
	p.markInUseLocked(res)
	p.mu.Unlock()
	p.emit(Event{Type: EventAcquire, ResourceID: res.ID})
	return res.Value, true
}

func (p *Pool[T]) createForCaller(ctx context.Context) (T, error) {
	var zero T
	res, err := p.create(ctx)
	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		p.fillWaiters()
		return zero, err
	}
	if p.draining {
		p.mu.Unlock()
		p.destroyResource(res)
		return zero, ErrDraining
	}
	p.markInUseLocked(res)
	p.mu.Unlock()
	p.emit(Event{Type: EventAcquire, ResourceID: res.ID})
	return res.Value, nil
}

func (p *Pool[T]) wait(ctx context.Context, w *waiter[T]) (T, error) {
	var zero T
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	var waitErr error
	select {
	case r := <-w.ch:
		return p.resolve(r)
	case <-timer.C:
		waitErr = ErrAcquireTimeout
	case <-ctx.Done():
		waitErr = fmt.Errorf("pool acquire: %w", ctx.Err())
	}

	p.mu.Lock()
	if w.assigned {
		// Handed off concurrently with the timeout; the result is already buffered.
		p.mu.Unlock()
		return p.resolve(<-w.ch)
	}
	w.canceled = true
	p.removeWaiterLocked(w)
	if errors.Is(waitErr, ErrAcquireTimeout) {
		p.stats.Timeouts++
	}
	p.mu.Unlock()
	return zero, waitErr
}

func (p *Pool[T]) resolve(r result[T]) (T, error) {
	var zero T
	if r.err != nil {
		return zero, r.err
	}
	p.emit(Event{Type: EventAcquire, ResourceID: r.res.ID})
	return r.res.Value, nil
}

// Release returns value to the pool. It is handed straight to the oldest
// waiter when one exists, destroyed when the pool is draining or the resource
// is too old, and otherwise parked on the idle list.
func (p *Pool[T]) Release(value T) error {
	p.mu.Lock()
	res, ok := p.inUse[value]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownResource
	}
	delete(p.inUse, value)
	res.LastUsedAt = p.now()
	p.stats.Released++

	if p.draining || p.expired(res) {
		p.mu.Unlock()
		p.emit(Event{Type: EventRelease, ResourceID: res.ID})
		p.destroyResource(res)
		p.fillWaiters()
		return nil
	}
	if p.deliverLocked(res) {
		p.mu.Unlock()
		p.emit(Event{Type: EventRelease, ResourceID: res.ID})
		return nil
	}
	res.State = StateIdle
	p.idle = append(p.idle, res)
	p.mu.Unlock()
	p.emit(Event{Type: EventRelease, ResourceID: res.ID})
	return nil
}

// Destroy force-evicts value. When callers are waiting and the pool has room,
// a replacement is created for them.
func (p *Pool[T]) Destroy(value T) error {
	p.mu.Lock()
	res, ok := p.inUse[value]
	if ok {
		delete(p.inUse, value)
	} else {
		for i, idle := range p.idle {
			if idle.Value == value {
				res = idle
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				ok = true
				break
			}
		}
	}
	p.mu.Unlock()
	if !ok {
		return ErrUnknownResource
	}
	p.destroyResource(res)
	p.fillWaiters()
	return nil
}

// Drain stops new acquisitions, rejects queued waiters, destroys idle
// resources, and waits for in-use resources to be released. When ctx ends
// first the remaining resources are force-destroyed and an error is returned.
func (p *Pool[T]) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.stats.Draining = true
	for _, w := range p.waiters {
		if w.canceled {
			continue
		}
		w.assigned = true
		w.ch <- result[T]{err: ErrDraining}
	}
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopHealth) })
	<-p.healthDone

	for _, res := range idle {
		p.destroyResource(res)
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		outstanding := len(p.inUse) + p.pending
		p.mu.Unlock()
		if outstanding == 0 {
			p.emit(Event{Type: EventDrain})
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			p.mu.Lock()
			forced := make([]*Resource[T], 0, len(p.inUse))
			for key, res := range p.inUse {
				forced = append(forced, res)
				delete(p.inUse, key)
			}
			p.mu.Unlock()
			for _, res := range forced {
				p.destroyResource(res)
			}
			p.emit(Event{Type: EventDrain, Forced: len(forced)})
			p.logger.Warn("pool drain timed out; force-destroyed resources", zap.Int("forced", len(forced)))
			return fmt.Errorf("pool drain: %d resources force-destroyed: %w", len(forced), ctx.Err())
		}
	}
}

// Size returns the number of live resources, including ones being created.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeLocked()
}

// Metrics returns a snapshot of pool counters.
func (p *Pool[T]) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.stats
	m.Idle = len(p.idle)
	m.InUse = len(p.inUse)
	m.Pending = p.pending
	m.Size = p.sizeLocked()
	for _, w := range p.waiters {
		if !w.canceled {
			m.Waiting++
		}
	}
	return m
}

func (p *Pool[T]) sizeLocked() int {
	return len(p.idle) + len(p.inUse) + p.pending
}

func (p *Pool[T]) expired(res *Resource[T]) bool {
	return p.now().Sub(res.CreatedAt) > p.cfg.MaxAge
}

func (p *Pool[T]) markInUseLocked(res *Resource[T]) {
	res.State = StateInUse
	res.UseCount++
	res.LastUsedAt = p.now()
	p.inUse[res.Value] = res
	p.stats.Acquired++
}

// deliverLocked hands res to the oldest live waiter.
func (p *Pool[T]) deliverLocked(res *Resource[T]) bool {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.canceled {
			continue
		}
		w.assigned = true
		p.markInUseLocked(res)
		w.ch <- result[T]{res: res}
		return true
	}
	return false
}

func (p *Pool[T]) removeWaiterLocked(target *waiter[T]) {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// fillWaiters creates replacements for queued callers while there is capacity.
func (p *Pool[T]) fillWaiters() {
	p.mu.Lock()
	live := 0
	for _, w := range p.waiters {
		if !w.canceled {
			live++
		}
	}
	spawn := 0
	for !p.draining && spawn < live && p.sizeLocked() < p.cfg.MaxSize {
		p.pending++
		spawn++
	}
	p.mu.Unlock()

	for i := 0; i < spawn; i++ {
		go func() {
			res, err := p.create(context.Background())
			p.mu.Lock()
			p.pending--
			if err != nil {
				p.mu.Unlock()
				return
			}
			if p.draining {
				p.mu.Unlock()
				p.destroyResource(res)
				return
			}
			if !p.deliverLocked(res) {
				res.State = StateIdle
				p.idle = append(p.idle, res)
			}
			p.mu.Unlock()
		}()
	}
}

func (p *Pool[T]) create(ctx context.Context) (*Resource[T], error) {
	value, err := p.cfg.Create(ctx)
	if err != nil {
		p.mu.Lock()
		p.stats.Errors++
		p.mu.Unlock()
		p.logger.Warn("pool resource creation failed", zap.Error(err))
		p.emit(Event{Type: EventError, Op: "create", Err: err})
		return nil, fmt.Errorf("pool create: %w", err)
	}
	now := p.now()
	res := &Resource[T]{
		ID:         p.ids.MustNewID(),
		Value:      value,
		CreatedAt:  now,
		LastUsedAt: now,
		State:      StateIdle,
	}
	p.mu.Lock()
	p.stats.Created++
	p.mu.Unlock()
	p.emit(Event{Type: EventCreate, ResourceID: res.ID})
	return res, nil
}

func (p *Pool[T]) destroyResource(res *Resource[T]) {
	res.State = StateDestroyed
	p.mu.Lock()
	p.stats.Destroyed++
	p.mu.Unlock()
	if p.cfg.Destroy != nil {
		if err := p.cfg.Destroy(context.Background(), res.Value); err != nil {
			p.mu.Lock()
			p.stats.Errors++
			p.mu.Unlock()
			p.logger.Warn("pool resource destroy failed", zap.String("resource_id", res.ID), zap.Error(err))
			p.emit(Event{Type: EventError, Op: "destroy", ResourceID: res.ID, Err: err})
		}
	}
	p.emit(Event{Type: EventDestroy, ResourceID: res.ID})
}
