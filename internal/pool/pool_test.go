package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobcrawl/internal/clock/fake"
)

type fakeResource struct {
	id     int
	closed atomic.Bool
	broken atomic.Bool
}

type factory struct {
	mu        sync.Mutex
	next      int
	created   []*fakeResource
	destroyed []*fakeResource
	failNext  atomic.Bool
}

func (f *factory) create(context.Context) (*fakeResource, error) {
	if f.failNext.CompareAndSwap(true, false) {
		return nil, errors.New("browser launch failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	r := &fakeResource{id: f.next}
	f.created = append(f.created, r)
	return r, nil
}

func (f *factory) destroy(_ context.Context, r *fakeResource) error {
	r.closed.Store(true)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, r)
	return nil
}

func (f *factory) validate(_ context.Context, r *fakeResource) bool {
	return !r.closed.Load() && !r.broken.Load()
}

func (f *factory) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), len(f.destroyed)
}

func newTestPool(t *testing.T, f *factory, mutate func(*Config[*fakeResource])) *Pool[*fakeResource] {
	t.Helper()
	cfg := Config[*fakeResource]{
		Create:              f.create,
		Destroy:             f.destroy,
		Validate:            f.validate,
		MaxSize:             2,
		AcquireTimeout:      time.Second,
		HealthCheckInterval: -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_ = p.Drain(ctx)
	})
	return p
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config[*fakeResource]{})
	require.Error(t, err)

	f := &factory{}
	_, err = New(Config[*fakeResource]{Create: f.create, MaxSize: 1, MinSize: 2})
	require.Error(t, err)
}

func TestPoolNeverExceedsMaxSize(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := newTestPool(t, f, nil)
	ctx := context.Background()

	var maxSeen atomic.Int64
	stop := p.Subscribe(func(Event) {
		if s := int64(p.Metrics().Created - p.Metrics().Destroyed); s > maxSeen.Load() {
			maxSeen.Store(s)
		}
	})
	defer stop()

	const callers = 6
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := p.Acquire(ctx)
			if err != nil {
				errs <- err
				return
			}
			time.Sleep(10 * time.Millisecond)
			errs <- p.Release(r)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	created, _ := f.counts()
	require.Equal(t, 2, created)
	require.LessOrEqual(t, maxSeen.Load(), int64(2))
	m := p.Metrics()
	require.Equal(t, 2, m.Idle)
	require.Equal(t, 0, m.InUse)
	require.Equal(t, callers, m.Acquired)
	require.Equal(t, callers, m.Released)
}

func TestPoolServesWaitersFIFO(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := newTestPool(t, f, func(c *Config[*fakeResource]) { c.MaxSize = 1 })
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	const waiters = 4
	order := make(chan int, waiters)
	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			r, err := p.Acquire(ctx)
			if err != nil {
				order <- -1
				return
			}
			order <- i
			time.Sleep(5 * time.Millisecond)
			_ = p.Release(r)
		}()
		require.Eventually(t, func() bool {
			return p.Metrics().Waiting == i+1
		}, time.Second, time.Millisecond)
	}

	require.NoError(t, p.Release(held))
	for want := 0; want < waiters; want++ {
		select {
		case got := <-order:
			require.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never served", want)
		}
	}
	created, _ := f.counts()
	require.Equal(t, 1, created)
}

func TestPoolAcquireTimeout(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := newTestPool(t, f, func(c *Config[*fakeResource]) {
		c.MaxSize = 1
		c.AcquireTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrAcquireTimeout)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Equal(t, 1, p.Metrics().Timeouts)
	require.Equal(t, 0, p.Metrics().Waiting)

	// The timed-out caller must not swallow the next release.
	require.NoError(t, p.Release(held))
	require.Equal(t, 1, p.Metrics().Idle)
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := newTestPool(t, f, func(c *Config[*fakeResource]) { c.MaxSize = 1 })
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrAcquireTimeout)
}

func TestPoolReplacesInvalidIdleResource(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := newTestPool(t, f, nil)
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(first))
	first.broken.Store(true)

	second, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.True(t, first.closed.Load(), "invalid resource should be destroyed")
	created, destroyed := f.counts()
	require.Equal(t, 2, created)
	require.Equal(t, 1, destroyed)
}

func TestPoolDestroysExpiredOnRelease(t *testing.T) {
	t.Parallel()

	f := &factory{}
	clk := fake.New(time.Unix(1_700_000_000, 0))
	p := newTestPool(t, f, func(c *Config[*fakeResource]) { c.MaxAge = time.Minute })
	p.now = clk.Now

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	require.NoError(t, p.Release(r))

	require.True(t, r.closed.Load())
	require.Equal(t, 0, p.Size())
}

func TestPoolDestroyCreatesReplacementForWaiter(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := newTestPool(t, f, func(c *Config[*fakeResource]) { c.MaxSize = 1 })
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *fakeResource, 1)
	go func() {
		r, err := p.Acquire(ctx)
		if err == nil {
			got <- r
		}
	}()
	require.Eventually(t, func() bool { return p.Metrics().Waiting == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Destroy(held))
	select {
	case r := <-got:
		require.NotSame(t, held, r)
		require.Equal(t, 1, p.Size())
	case <-time.After(time.Second):
		t.Fatal("waiter did not receive a replacement")
	}
	require.ErrorIs(t, p.Destroy(held), ErrUnknownResource)
}

func TestPoolFactoryErrorEmitsEvent(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := newTestPool(t, f, nil)
	var events []Event
	var mu sync.Mutex
	p.Subscribe(func(evt Event) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	})

	f.failNext.Store(true)
	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	require.Equal(t, 0, p.Size())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	require.Equal(t, EventError, events[0].Type)
	require.Equal(t, "create", events[0].Op)
}

func TestPoolReleaseUnknown(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &factory{}, nil)
	require.ErrorIs(t, p.Release(&fakeResource{}), ErrUnknownResource)
}

func TestPoolCheckHealthEvictsIdleAboveMinSize(t *testing.T) {
	t.Parallel()

	f := &factory{}
	clk := fake.New(time.Unix(1_700_000_000, 0))
	p := newTestPool(t, f, func(c *Config[*fakeResource]) {
		c.MaxSize = 3
		c.MinSize = 1
		c.IdleTimeout = time.Minute
		c.MaxAge = time.Hour
	})
	p.now = clk.Now
	ctx := context.Background()

	var held []*fakeResource
	for i := 0; i < 3; i++ {
		r, err := p.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, r)
	}
	for _, r := range held {
		require.NoError(t, p.Release(r))
	}

	clk.Advance(2 * time.Minute)
	evicted := p.CheckHealth(ctx)
	require.Equal(t, 2, evicted)
	require.Equal(t, 1, p.Size())
	require.Equal(t, 1, p.Metrics().Idle)
}

func TestPoolCheckHealthTopsUpMinSize(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := newTestPool(t, f, func(c *Config[*fakeResource]) { c.MinSize = 2 })
	p.CheckHealth(context.Background())
	require.Equal(t, 2, p.Metrics().Idle)
}

func TestPoolDrain(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := newTestPool(t, f, func(c *Config[*fakeResource]) { c.MaxSize = 2 })
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	second, err := p.Acquire(ctx)
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		waiterErr <- err
	}()
	require.Eventually(t, func() bool { return p.Metrics().Waiting == 1 }, time.Second, time.Millisecond)

	drainCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	err = p.Drain(drainCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, <-waiterErr, ErrDraining)
	require.True(t, first.closed.Load())
	require.True(t, second.closed.Load())
	require.Equal(t, 0, p.Size())

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrDraining)
	require.ErrorIs(t, p.Release(first), ErrUnknownResource)
}

func TestPoolDrainWaitsForRelease(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := newTestPool(t, f, nil)
	ctx := context.Background()
	busy, err := p.Acquire(ctx)
	require.NoError(t, err)
	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(idle))

	released := make(chan struct{})
	go func() {
		defer close(released)
		assert.Eventually(t, func() bool { return idle.closed.Load() }, time.Second, time.Millisecond)
		_ = p.Release(busy)
	}()

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(drainCtx))
	<-released
	require.True(t, busy.closed.Load())
	require.True(t, p.Metrics().Draining)
}
