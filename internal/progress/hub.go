package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Config controls how a Hub queues and batches events.
type Config struct {
	// BufferSize is the queue length past which progress updates are shed.
	// Lifecycle events are always queued.
	BufferSize int
	// MaxBatchEvents flushes as soon as this many events are queued.
	MaxBatchEvents int
	// MaxBatchWait bounds how long the first queued event waits for company.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink's Consume call.
	SinkTimeout time.Duration
	// BaseContext parents every sink call. Defaults to context.Background().
	BaseContext context.Context
	Logger      *zap.Logger
}

// Stats reports what a Hub has done since it started.
type Stats struct {
	Queued     int
	Delivered  int64
	Dropped    int64
	SinkErrors int64
}

// Hub queues tracker events in order and delivers them to sinks in batches.
// Emit never blocks. When the queue is over BufferSize a progress update
// overwrites the queued update for the same task, or is dropped when none is
// queued; task transitions and batch completion always reach the sinks, and
// batch completion is flushed without waiting.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	mu     sync.Mutex
	queue  []Event
	urgent bool
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closeCtx  context.Context

	delivered   atomic.Int64
	dropped     atomic.Int64
	sinkErrors  atomic.Int64
	lastDropLog atomic.Int64
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  live,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

// sheddable reports whether a later event of the same kind makes evt
// redundant.
func sheddable(t EventType) bool {
	return t == EventTaskProgress || t == EventBatchProgress
}

// Emit queues evt. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if len(h.queue) >= h.cfg.BufferSize && sheddable(evt.Type) {
		if i := h.lastLocked(evt); i >= 0 {
			h.queue[i] = evt
		}
		h.mu.Unlock()
		h.shed(evt)
		return
	}
	h.queue = append(h.queue, evt)
	if evt.Type == EventBatchComplete {
		h.urgent = true
	}
	h.mu.Unlock()

	h.signal()
}

// lastLocked returns the index of the newest queued event with evt's type and
// task, or -1.
func (h *Hub) lastLocked(evt Event) int {
	for i := len(h.queue) - 1; i >= 0; i-- {
		if q := h.queue[i]; q.Type == evt.Type && q.TaskID == evt.TaskID {
			return i
		}
	}
	return -1
}

func (h *Hub) shed(evt Event) {
	n := h.dropped.Add(1)
	now := time.Now().UnixNano()
	last := h.lastDropLog.Load()
	if now-last < dropLogInterval.Nanoseconds() || !h.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("progress queue full; shedding progress updates",
		zap.String("type", string(evt.Type)),
		zap.Int64("dropped_total", n),
	)
}

func (h *Hub) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Stats returns delivery counters and the current queue length.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	h.mu.Lock()
	queued := len(h.queue)
	h.mu.Unlock()
	return Stats{
		Queued:     queued,
		Delivered:  h.delivered.Load(),
		Dropped:    h.dropped.Load(),
		SinkErrors: h.sinkErrors.Load(),
	}
}

// Close stops accepting events, delivers everything queued, closes the
// sinks and waits for that to finish or ctx to end. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	var deadline <-chan time.Time
	for {
		select {
		case <-h.wake:
			if !h.full() {
				if deadline == nil && h.pending() > 0 {
					deadline = time.After(h.cfg.MaxBatchWait)
				}
				continue
			}
		case <-deadline:
		case <-h.stop:
			for batch := h.take(); len(batch) > 0; batch = h.take() {
				h.deliver(batch)
			}
			h.closeSinks()
			return
		}
		deadline = nil
		h.deliver(h.take())
		if h.pending() > 0 {
			h.signal()
		}
	}
}

// full reports whether a batch should go out now.
func (h *Hub) full() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.urgent || len(h.queue) >= h.cfg.MaxBatchEvents
}

func (h *Hub) pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// take removes up to MaxBatchEvents events from the head of the queue.
func (h *Hub) take() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := min(len(h.queue), h.cfg.MaxBatchEvents)
	if n == 0 {
		return nil
	}
	batch := make([]Event, n)
	copy(batch, h.queue)
	h.queue = append(h.queue[:0], h.queue[n:]...)
	if len(h.queue) == 0 {
		h.urgent = false
	}
	return batch
}

// deliver hands batch to every sink concurrently. Sinks must treat batch as
// read-only.
func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, s := range h.sinks {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			defer cancel()
			if err := s.Consume(ctx, batch); err != nil {
				h.sinkErrors.Add(1)
				h.logger.Warn("progress sink consume failed",
					zap.String("sink", fmt.Sprintf("%T", s)),
					zap.Int("events", len(batch)),
					zap.Error(err),
				)
			}
		})
	}
	wg.Wait()
	h.delivered.Add(int64(len(batch)))
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, s := range h.sinks {
		if err := s.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", s)), zap.Error(err))
		}
	}
}
