package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobcrawl/internal/clock/fake"
	"github.com/JakeFAU/jobcrawl/internal/fetcher"
	"github.com/JakeFAU/jobcrawl/internal/platform"
	"github.com/JakeFAU/jobcrawl/internal/platform/listing"
	"github.com/JakeFAU/jobcrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/jobcrawl/internal/pool"
	"github.com/JakeFAU/jobcrawl/internal/progress"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

func jobsFor(p platform.Platform, n int) []platform.Job {
	out := make([]platform.Job, n)
	for i := range out {
		out[i] = platform.Job{
			Platform: p,
			Position: fmt.Sprintf("Engineer %d", i),
			Company:  fmt.Sprintf("%s-co", p),
		}
	}
	return out
}

func returning(jobs []platform.Job, err error) platform.Adapter {
	return platform.AdapterFunc(func(context.Context, string, platform.SearchOptions) ([]platform.Job, error) {
		return jobs, err
	})
}

func newTestOrchestrator(t *testing.T, adapters map[platform.Platform]platform.Adapter, opts ...Option) *Orchestrator {
	t.Helper()
	reg := platform.NewRegistry()
	for p, a := range adapters {
		require.NoError(t, reg.Register(p, a))
	}
	limiter := ratelimit.New(ratelimit.Config{Clock: fake.New(epoch)})
	return New(reg, append([]Option{WithLimiter(limiter)}, opts...)...)
}

func TestCrawlScenarioPartialFailure(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, map[platform.Platform]platform.Adapter{
		platform.Wanted:  returning(jobsFor(platform.Wanted, 5), nil),
		platform.Saramin: returning(nil, errors.New("selector changed")),
	})

	res, err := o.Crawl(context.Background(), []string{"wanted", "saramin"}, SearchParams{Keywords: "DevOps"}, Concurrency(2))
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalJobs)
	assert.Len(t, res.Jobs, 5)
	assert.Equal(t, StatusSuccess, res.Platforms[platform.Wanted].Status)
	assert.Equal(t, 5, res.Platforms[platform.Wanted].JobCount)
	assert.Equal(t, StatusError, res.Platforms[platform.Saramin].Status)
	assert.True(t, res.HasErrors)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ErrorInfo{
		Platform: platform.Saramin,
		Message:  "selector changed",
		Code:     http.StatusInternalServerError,
		Kind:     CodePlatformError,
	}, res.Errors[0])
	assert.Equal(t, 2, res.Metrics.Progress.TotalTasks)
	assert.Equal(t, 1, res.Metrics.Progress.Counters.Failed)
}

func TestCrawlIsolatesFailingPlatform(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, map[platform.Platform]platform.Adapter{
		platform.Wanted:   returning(jobsFor(platform.Wanted, 2), nil),
		platform.JobKorea: returning(nil, errors.New("boom")),
		platform.Jumpit:   returning(jobsFor(platform.Jumpit, 3), nil),
	})

	for _, workers := range []int{1, 3} {
		res, err := o.Crawl(context.Background(), []string{"wanted", "jobkorea", "jumpit"}, SearchParams{Keywords: "go"}, Concurrency(workers))
		require.NoError(t, err)
		assert.Equal(t, 5, res.TotalJobs, "concurrency %d", workers)
		assert.Equal(t, StatusSuccess, res.Platforms[platform.Wanted].Status)
		assert.Equal(t, StatusSuccess, res.Platforms[platform.Jumpit].Status)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, platform.JobKorea, res.Errors[0].Platform)
	}
}

func TestCrawlDeduplicates(t *testing.T) {
	t.Parallel()

	same := platform.Job{Company: "Acme", Position: "Backend Engineer"}
	shouty := platform.Job{Company: "ACME", Position: "backend engineer"}

	tests := []struct {
		name  string
		dedup bool
		want  int
	}{
		{name: "enabled", dedup: true, want: 1},
		{name: "disabled", dedup: false, want: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			o := newTestOrchestrator(t, map[platform.Platform]platform.Adapter{
				platform.Wanted:  returning([]platform.Job{same}, nil),
				platform.Saramin: returning([]platform.Job{shouty}, nil),
			})
			res, err := o.Crawl(context.Background(), []string{"wanted", "saramin"}, SearchParams{Keywords: "go"}, Deduplicate(tc.dedup))
			require.NoError(t, err)
			require.Equal(t, tc.want, res.TotalJobs)
			require.Equal(t, "Acme", res.Jobs[0].Company, "first requested platform wins")
		})
	}
}

func TestCrawlInvalidInput(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, nil)
	var warnings []Event
	o.Subscribe(func(e Event) {
		if e.Type == EventWarning {
			warnings = append(warnings, e)
		}
	})

	_, err := o.Crawl(context.Background(), nil, SearchParams{})
	require.ErrorIs(t, err, &Error{Code: CodeInvalidInput})

	_, err = o.Crawl(context.Background(), []string{"monster", "indeed"}, SearchParams{})
	require.ErrorIs(t, err, &Error{Code: CodeInvalidInput})
	require.Equal(t, CodeInvalidInput, CodeOf(err))
	require.Len(t, warnings, 1)
	require.Equal(t, []string{"monster", "indeed"}, warnings[0].Ignored)
	require.Empty(t, o.Tracker().List(progress.Filter{}), "no tasks registered for invalid input")
}

func TestCrawlNormalizesPlatforms(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	o := newTestOrchestrator(t, map[platform.Platform]platform.Adapter{
		platform.Wanted: platform.AdapterFunc(func(context.Context, string, platform.SearchOptions) ([]platform.Job, error) {
			calls.Add(1)
			return nil, nil
		}),
	})
	var warned []string
	o.Subscribe(func(e Event) {
		if e.Type == EventWarning {
			warned = e.Ignored
		}
	})

	res, err := o.Crawl(context.Background(), []string{" Wanted ", "WANTED", "dice"}, SearchParams{Keywords: "go"})
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Len(t, res.Platforms, 1)
	require.Equal(t, []string{"dice"}, warned)
	require.NotNil(t, res.Jobs)
	require.Zero(t, res.TotalJobs)
}

func TestCrawlMissingAdapterFailsPlatform(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, nil)
	res, err := o.Crawl(context.Background(), []string{"rallit"}, SearchParams{Keywords: "go"})
	require.NoError(t, err)
	require.Equal(t, StatusError, res.Platforms[platform.Rallit].Status)
	require.Equal(t, CodePlatformError, res.Errors[0].Kind)
}

func TestCrawlRetryAfterPausesLimiter(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, map[platform.Platform]platform.Adapter{
		platform.Saramin: returning(nil, &platform.Error{
			Platform:   platform.Saramin,
			StatusCode: http.StatusTooManyRequests,
			RetryAfter: 30 * time.Second,
			Err:        errors.New("slow down"),
		}),
	})

	res, err := o.Crawl(context.Background(), []string{"saramin"}, SearchParams{Keywords: "go"})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, http.StatusTooManyRequests, res.Errors[0].Code)
	assert.Equal(t, CodeRateLimited, res.Errors[0].Kind)
	assert.True(t, o.Limiter().IsPaused("saramin"))
	assert.Equal(t, 30*time.Second, o.Limiter().WaitTime("saramin"))
	assert.True(t, res.Metrics.RateLimiter["saramin"].Paused)
}

type pageFetcherFunc func(ctx context.Context, req fetcher.Request) (fetcher.Response, error)

func (f pageFetcherFunc) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	return f(ctx, req)
}

func TestCrawlLaterPageRateLimitPausesLimiter(t *testing.T) {
	t.Parallel()

	const card = `<html><body><div class="job"><h2>Backend Engineer</h2><span class="co">Acme</span></div></body></html>`
	pages := pageFetcherFunc(func(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
		if req.URL == "https://saramin.test/s?q=go&p=2" {
			return fetcher.Response{}, &platform.Error{
				Platform:   platform.Saramin,
				StatusCode: http.StatusTooManyRequests,
				RetryAfter: 30 * time.Second,
			}
		}
		return fetcher.Response{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(card)}, nil
	})
	adapter, err := listing.New(listing.Config{
		Platform:     platform.Saramin,
		SearchURL:    "https://saramin.test/s?q={keywords}&p={page}",
		MaxPages:     3,
		ItemSelector: "div.job",
		Fields:       listing.Fields{Position: "h2", Company: ".co"},
		Render:       listing.RenderNever,
	}, pages)
	require.NoError(t, err)
	o := newTestOrchestrator(t, map[platform.Platform]platform.Adapter{platform.Saramin: adapter})

	res, err := o.Crawl(context.Background(), []string{"saramin"}, SearchParams{Keywords: "go"})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CodeRateLimited, res.Errors[0].Kind)
	assert.Equal(t, StatusError, res.Platforms[platform.Saramin].Status)
	assert.True(t, o.Limiter().IsPaused("saramin"))
	assert.Equal(t, 30*time.Second, o.Limiter().WaitTime("saramin"))
}

func TestCrawlConcurrencyCap(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	adapter := platform.AdapterFunc(func(context.Context, string, platform.SearchOptions) ([]platform.Job, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	})
	adapters := make(map[platform.Platform]platform.Adapter, len(platform.All))
	for _, p := range platform.All {
		adapters[p] = adapter
	}
	o := newTestOrchestrator(t, adapters)

	res, err := o.Crawl(context.Background(), platform.Names(), SearchParams{Keywords: "go"}, Concurrency(3))
	require.NoError(t, err)
	require.Len(t, res.Platforms, len(platform.All))
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.True(t, o.Tracker().IsComplete())
}

func TestCrawlFillsEveryWorkerSlot(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	full := make(chan struct{})
	var once sync.Once
	adapter := platform.AdapterFunc(func(context.Context, string, platform.SearchOptions) ([]platform.Job, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		if n == 2 {
			once.Do(func() { close(full) })
		}
		select {
		case <-full:
		case <-time.After(5 * time.Second):
			return nil, errors.New("second worker never started")
		}
		return jobsFor(platform.Wanted, 1), nil
	})
	adapters := map[platform.Platform]platform.Adapter{
		platform.Wanted:   adapter,
		platform.Saramin:  adapter,
		platform.JobKorea: adapter,
		platform.Jumpit:   adapter,
	}
	o := newTestOrchestrator(t, adapters)

	res, err := o.Crawl(context.Background(), []string{"wanted", "saramin", "jobkorea", "jumpit"}, SearchParams{Keywords: "go"}, Concurrency(2))
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Len(t, res.Platforms, 4)
	assert.Equal(t, int32(2), peak.Load())
}

func TestCancelStopsUnstartedPlatforms(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	unblock := make(chan struct{})
	var laterCalls atomic.Int32
	o := newTestOrchestrator(t, map[platform.Platform]platform.Adapter{
		platform.Wanted: platform.AdapterFunc(func(context.Context, string, platform.SearchOptions) ([]platform.Job, error) {
			close(started)
			<-unblock
			return jobsFor(platform.Wanted, 2), nil
		}),
		platform.Saramin: platform.AdapterFunc(func(context.Context, string, platform.SearchOptions) ([]platform.Job, error) {
			laterCalls.Add(1)
			return nil, nil
		}),
		platform.Jumpit: platform.AdapterFunc(func(context.Context, string, platform.SearchOptions) ([]platform.Job, error) {
			laterCalls.Add(1)
			return nil, nil
		}),
	})

	done := make(chan Result, 1)
	go func() {
		res, err := o.Crawl(context.Background(), []string{"wanted", "saramin", "jumpit"}, SearchParams{Keywords: "go"}, Concurrency(1))
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	o.Cancel()
	close(unblock)
	res := <-done

	assert.Equal(t, StatusSuccess, res.Platforms[platform.Wanted].Status, "in-flight crawl runs to completion")
	assert.Equal(t, StatusCancelled, res.Platforms[platform.Saramin].Status)
	assert.Equal(t, StatusCancelled, res.Platforms[platform.Jumpit].Status)
	assert.Equal(t, int32(0), laterCalls.Load())
	assert.Equal(t, 2, res.TotalJobs)
	assert.False(t, res.HasErrors)
	assert.Equal(t, 2, res.Metrics.Progress.Counters.Cancelled)
	assert.True(t, o.Tracker().IsComplete())
}

func TestParentContextCancelsBatch(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	o := newTestOrchestrator(t, map[platform.Platform]platform.Adapter{
		platform.Wanted: platform.AdapterFunc(func(context.Context, string, platform.SearchOptions) ([]platform.Job, error) {
			calls.Add(1)
			return nil, nil
		}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Crawl(ctx, []string{"wanted", "linkedin"}, SearchParams{Keywords: "go"})
	require.NoError(t, err)
	require.Zero(t, calls.Load())
	for _, s := range res.Platforms {
		require.Equal(t, StatusCancelled, s.Status)
	}
	tasks := o.Tracker().List(progress.Filter{Status: progress.StatusCancelled})
	require.Len(t, tasks, 2)
}

func TestCancelInterruptsRateLimitWait(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	reg := platform.NewRegistry()
	require.NoError(t, reg.Register(platform.Saramin, platform.AdapterFunc(func(context.Context, string, platform.SearchOptions) ([]platform.Job, error) {
		calls.Add(1)
		return nil, nil
	})))
	limiter := ratelimit.New(ratelimit.Config{})
	limiter.Pause("saramin", time.Hour)
	o := New(reg, WithLimiter(limiter))

	done := make(chan Result, 1)
	go func() {
		res, err := o.Crawl(context.Background(), []string{"saramin"}, SearchParams{Keywords: "go"})
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return len(o.Tracker().List(progress.Filter{Status: progress.StatusRunning})) == 1
	}, time.Second, 5*time.Millisecond)
	o.Cancel()

	select {
	case res := <-done:
		assert.Equal(t, StatusCancelled, res.Platforms[platform.Saramin].Status)
		assert.False(t, res.HasErrors)
	case <-time.After(2 * time.Second):
		t.Fatal("crawl still waiting on the paused limiter")
	}
	assert.Zero(t, calls.Load())
}

type session struct{ id int }

func newSessionPool(t *testing.T, size int, timeout time.Duration) *pool.Pool[*session] {
	t.Helper()
	var n atomic.Int32
	p, err := pool.New(pool.Config[*session]{
		Create: func(context.Context) (*session, error) {
			return &session{id: int(n.Add(1))}, nil
		},
		MaxSize:             size,
		AcquireTimeout:      timeout,
		HealthCheckInterval: -1,
	})
	require.NoError(t, err)
	return p
}

func TestCrawlLeasesPooledResource(t *testing.T) {
	t.Parallel()

	p := newSessionPool(t, 1, time.Second)
	var got atomic.Pointer[session]
	o := newTestOrchestrator(t, map[platform.Platform]platform.Adapter{
		platform.Remember: platform.AdapterFunc(func(ctx context.Context, _ string, _ platform.SearchOptions) ([]platform.Job, error) {
			s, ok := pool.FromContext[*session](ctx)
			if !ok {
				return nil, errors.New("no session leased")
			}
			got.Store(s)
			return nil, nil
		}),
	}, WithPool(p))

	res, err := o.Crawl(context.Background(), []string{"remember"}, SearchParams{Keywords: "go"})
	require.NoError(t, err)
	require.False(t, res.HasErrors)
	require.NotNil(t, got.Load())
	require.NotNil(t, res.Metrics.Pool)
	require.Equal(t, 1, res.Metrics.Pool.Idle, "lease is returned after the crawl")
	require.Equal(t, 1, res.Metrics.Pool.Acquired)
}

func TestCrawlAcquireTimeout(t *testing.T) {
	t.Parallel()

	p := newSessionPool(t, 1, 20*time.Millisecond)
	failed := make(chan struct{})
	var once sync.Once
	holder := platform.AdapterFunc(func(context.Context, string, platform.SearchOptions) ([]platform.Job, error) {
		select {
		case <-failed:
		case <-time.After(2 * time.Second):
		}
		return nil, nil
	})
	o := newTestOrchestrator(t, map[platform.Platform]platform.Adapter{
		platform.Wanted:  holder,
		platform.Saramin: holder,
	}, WithPool(p))
	o.Subscribe(func(e Event) {
		if e.Type == EventPlatformError {
			once.Do(func() { close(failed) })
		}
	})

	res, err := o.Crawl(context.Background(), []string{"wanted", "saramin"}, SearchParams{Keywords: "go"}, Concurrency(2))
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.Equal(t, CodeAcquireTimeout, res.Errors[0].Kind)
	require.Equal(t, 1, res.Metrics.Pool.Timeouts)
	loser := res.Errors[0].Platform
	require.False(t, o.Limiter().IsPaused(string(loser)), "pool timeouts are not platform responses")
}

func TestCrawlEmitsEvents(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, map[platform.Platform]platform.Adapter{
		platform.Wanted:  returning(jobsFor(platform.Wanted, 1), nil),
		platform.Saramin: returning(nil, errors.New("down")),
	})
	var mu sync.Mutex
	counts := map[EventType]int{}
	var final *progress.Overall
	o.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		counts[e.Type]++
		if e.Type == EventComplete {
			final = e.Overall
		}
	})

	_, err := o.Crawl(context.Background(), []string{"wanted", "saramin"}, SearchParams{Keywords: "go"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, counts[EventPlatformStart])
	assert.Equal(t, 1, counts[EventPlatformComplete])
	assert.Equal(t, 1, counts[EventPlatformError])
	assert.Equal(t, 2, counts[EventProgress])
	assert.Equal(t, 1, counts[EventComplete])
	require.NotNil(t, final)
	assert.Equal(t, 2, final.TotalTasks)
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	p := newSessionPool(t, 2, time.Second)
	o := newTestOrchestrator(t, map[platform.Platform]platform.Adapter{
		platform.Wanted: returning(nil, nil),
	}, WithPool(p))

	_, err := o.Crawl(context.Background(), []string{"wanted"}, SearchParams{Keywords: "go"})
	require.NoError(t, err)

	require.NoError(t, o.Shutdown(time.Second))
	require.NoError(t, o.Shutdown(time.Second), "second shutdown is a no-op")
	require.True(t, o.Metrics().Pool.Draining)
	require.Zero(t, o.Metrics().Pool.Size)

	_, err = o.Crawl(context.Background(), []string{"wanted"}, SearchParams{Keywords: "go"})
	require.ErrorIs(t, err, ErrShutdown)
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want Code
	}{
		{nil, ""},
		{&Error{Code: CodeCancelled}, CodeCancelled},
		{fmt.Errorf("lease: %w", pool.ErrAcquireTimeout), CodeAcquireTimeout},
		{pool.ErrDraining, CodeCancelled},
		{context.Canceled, CodeCancelled},
		{&platform.Error{StatusCode: http.StatusTooManyRequests}, CodeRateLimited},
		{&platform.Error{StatusCode: http.StatusForbidden, Err: platform.ErrBlocked}, CodePlatformError},
		{errors.New("x"), CodePlatformError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CodeOf(tc.err), "%v", tc.err)
	}
}
