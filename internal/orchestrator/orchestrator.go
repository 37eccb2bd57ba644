// Package orchestrator runs one crawl task per requested platform under a
// global concurrency cap. It composes the rate limiter, the progress tracker
// and an optional resource pool, isolates per-platform failures and
// aggregates the surviving results.
//
// Cancellation is cooperative: Cancel (or cancelling the context passed to
// Crawl) stops platforms that have not started yet. Crawls already in flight
// run to completion; Shutdown bounds them through the pool drain timeout.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jobcrawl/internal/metrics"
	"github.com/JakeFAU/jobcrawl/internal/platform"
	"github.com/JakeFAU/jobcrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/jobcrawl/internal/pool"
	"github.com/JakeFAU/jobcrawl/internal/progress"
)

// TaskType labels tracker tasks created by Crawl.
const TaskType = "search"

// errCancelled is the cause recorded when Cancel fires.
var errCancelled = errors.New("crawl cancelled")

// ResourcePool leases a pooled resource for the duration of one platform crawl.
// *pool.Pool satisfies it.
type ResourcePool interface {
	Lease(ctx context.Context) (context.Context, func(), error)
	Drain(ctx context.Context) error
	Metrics() pool.Metrics
}

// Config holds orchestrator defaults; Crawl options override them per run.
type Config struct {
	Concurrency int  `mapstructure:"concurrency"`
	Deduplicate bool `mapstructure:"deduplicate"`
}

// DefaultConfig is used when New receives a zero Concurrency.
var DefaultConfig = Config{Concurrency: 3, Deduplicate: true}

// SearchParams are forwarded to every adapter.
type SearchParams struct {
	Keywords   string            `json:"keywords"`
	Location   string            `json:"location,omitempty"`
	Experience string            `json:"experience,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

func (p SearchParams) options() platform.SearchOptions {
	return platform.SearchOptions{
		Location:   p.Location,
		Experience: p.Experience,
		Limit:      p.Limit,
		Extra:      p.Extra,
	}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithLimiter sets the rate limiter. One with default profiles is created otherwise.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithTracker sets the progress tracker. A private one is created otherwise.
func WithTracker(t *progress.Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithPool leases one resource per platform crawl.
func WithPool(p ResourcePool) Option {
	return func(o *Orchestrator) { o.pool = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithNow overrides the clock used for durations.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// CrawlOption overrides Config for a single Crawl.
type CrawlOption func(*Config)

// Concurrency caps the number of platforms crawled at once.
func Concurrency(n int) CrawlOption {
	return func(c *Config) { c.Concurrency = n }
}

// Deduplicate toggles company|position deduplication.
func Deduplicate(on bool) CrawlOption {
	return func(c *Config) { c.Deduplicate = on }
}

// Orchestrator runs crawl batches. It is safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	adapters *platform.Registry
	limiter  *ratelimit.Limiter
	tracker  *progress.Tracker
	pool     ResourcePool
	logger   *zap.Logger
	now      func() time.Time
	tracer   trace.Tracer

	listenerSet
	unsubscribe func()

	mu       sync.Mutex
	nextRun  int
	cancels  map[int]context.CancelCauseFunc
	shutdown atomic.Bool
}

// New builds an Orchestrator over the adapters in reg.
func New(reg *platform.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      DefaultConfig,
		adapters: reg,
		logger:   zap.NewNop(),
		now:      time.Now,
		cancels:  make(map[int]context.CancelCauseFunc),
	}
	o.listeners = make(map[int]Listener)
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.Concurrency <= 0 {
		o.cfg.Concurrency = DefaultConfig.Concurrency
	}
	if o.adapters == nil {
		o.adapters = platform.NewRegistry()
	}
	if o.limiter == nil {
		o.limiter = ratelimit.New(ratelimit.Config{Logger: o.logger.Named("ratelimit")})
	}
	if o.tracker == nil {
		o.tracker = progress.NewTracker(progress.TrackerConfig{Logger: o.logger.Named("progress")})
	}
	if o.tracer == nil {
		o.tracer = defaultTracer()
	}
	o.unsubscribe = o.tracker.Subscribe(o.forward)
	return o
}

// Limiter returns the rate limiter shared by all batches.
func (o *Orchestrator) Limiter() *ratelimit.Limiter { return o.limiter }

// Tracker returns the progress tracker shared by all batches.
func (o *Orchestrator) Tracker() *progress.Tracker { return o.tracker }

// Crawl runs every valid platform in platforms and aggregates the outcome.
// Per-platform failures are reported in the Result, never as an error; the
// only errors are INVALID_INPUT and ErrShutdown.
func (o *Orchestrator) Crawl(ctx context.Context, platforms []string, params SearchParams, opts ...CrawlOption) (Result, error) {
	if o.shutdown.Load() {
		return Result{}, ErrShutdown
	}
	cfg := o.cfg
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	valid, err := o.validate(platforms)
	if err != nil {
		return Result{}, err
	}

	workers := min(cfg.Concurrency, len(valid))
	ctx, span := o.startBatch(ctx, valid, params, workers)
	batchCtx, done := o.register(ctx)
	defer done()

	taskIDs := make([]string, len(valid))
	for i, p := range valid {
		taskIDs[i] = o.tracker.AddTask(string(p), TaskType, progress.TaskOptions{
			Metadata: map[string]any{"keywords": params.Keywords, "platform": string(p)},
		})
	}

	outcomes := make([]outcome, len(valid))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, p := range valid {
		g.Go(func() error {
			outcomes[i] = o.tracedCrawl(batchCtx, p, taskIDs[i], params)
			return nil
		})
	}
	// Platform failures land in outcomes; the group only bounds concurrency.
	_ = g.Wait()

	res := o.aggregate(outcomes, cfg.Deduplicate)
	endBatch(span, res)
	return res, nil
}

// Cancel stops every running batch from starting further platforms. Platforms
// still waiting on the rate limiter are cancelled too; admitted crawls finish.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, cancel := range o.cancels {
		cancel(errCancelled)
	}
}

// Shutdown rejects new batches, cancels running ones and drains the pool
// within timeout.
func (o *Orchestrator) Shutdown(timeout time.Duration) error {
	if o.shutdown.Swap(true) {
		return nil
	}
	o.Cancel()
	o.unsubscribe()
	if o.pool == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.pool.Drain(ctx); err != nil {
		return fmt.Errorf("drain pool: %w", err)
	}
	return nil
}

// Metrics snapshots the limiter, tracker and pool.
func (o *Orchestrator) Metrics() Metrics {
	m := Metrics{
		RateLimiter: o.limiter.Metrics(),
		Progress:    o.tracker.Overall(),
	}
	if o.pool != nil {
		pm := o.pool.Metrics()
		m.Pool = &pm
	}
	return m
}

// register derives the batch context. Cancelling ctx cancels the batch.
func (o *Orchestrator) register(ctx context.Context) (context.Context, func()) {
	batchCtx, cancel := context.WithCancelCause(ctx)
	o.mu.Lock()
	id := o.nextRun
	o.nextRun++
	o.cancels[id] = cancel
	o.mu.Unlock()
	return batchCtx, func() {
		o.mu.Lock()
		delete(o.cancels, id)
		o.mu.Unlock()
		cancel(nil)
	}
}

// validate normalizes names, drops unknown and repeated platforms, and warns
// about the unknown ones.
func (o *Orchestrator) validate(names []string) ([]platform.Platform, error) {
	if len(names) == 0 {
		return nil, &Error{Code: CodeInvalidInput, Message: "at least one platform must be specified"}
	}
	valid := make([]platform.Platform, 0, len(names))
	seen := make(map[platform.Platform]bool, len(names))
	var ignored []string
	for _, name := range names {
		p, ok := platform.Parse(name)
		if !ok {
			ignored = append(ignored, name)
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		valid = append(valid, p)
	}
	if len(ignored) > 0 {
		msg := "unknown platforms ignored: " + strings.Join(ignored, ", ")
		o.logger.Warn(msg, zap.Strings("platforms", ignored))
		o.emit(Event{Type: EventWarning, Message: msg, Ignored: ignored})
	}
	if len(valid) == 0 {
		return nil, &Error{
			Code:    CodeInvalidInput,
			Message: "no valid platforms provided; supported: " + strings.Join(platform.Names(), ", "),
		}
	}
	return valid, nil
}

func (o *Orchestrator) crawlPlatform(ctx context.Context, p platform.Platform, taskID string, params SearchParams) outcome {
	start := o.now()
	logger := o.logger.With(zap.String("platform", string(p)), zap.String("task_id", taskID))
	if err := o.tracker.StartTask(taskID); err != nil {
		logger.Warn("start task", zap.Error(err))
	}
	o.emit(Event{Type: EventPlatformStart, Platform: p, TaskID: taskID})

	if ctx.Err() != nil {
		return o.skip(logger, p, taskID, 0)
	}

	jobs, err := o.run(ctx, p, params)
	dur := o.now().Sub(start)
	if err != nil {
		if CodeOf(err) == CodeCancelled && ctx.Err() != nil {
			return o.skip(logger, p, taskID, dur)
		}
		return o.fail(logger, p, taskID, err, dur)
	}

	o.limiter.RecordResponse(string(p), ratelimit.Response{StatusCode: 200})
	n := len(jobs)
	pct := 100.0
	if err := o.tracker.UpdateProgress(taskID, progress.Update{ItemsProcessed: &n, ItemsTotal: &n, Percent: &pct}); err != nil {
		logger.Warn("update progress", zap.Error(err))
	}
	if err := o.tracker.CompleteTask(taskID, map[string]any{"job_count": n, "duration_ms": dur.Milliseconds()}); err != nil {
		logger.Warn("complete task", zap.Error(err))
	}
	metrics.ObservePlatformCrawl(string(p), string(StatusSuccess), n, dur)
	logger.Info("platform crawl complete", zap.Int("jobs", n), zap.Duration("duration", dur))
	o.emit(Event{Type: EventPlatformComplete, Platform: p, TaskID: taskID, JobCount: n, Duration: dur})
	return outcome{platform: p, status: StatusSuccess, jobs: jobs, duration: dur}
}

// skip records a platform that never reached its adapter because the batch
// was cancelled.
func (o *Orchestrator) skip(logger *zap.Logger, p platform.Platform, taskID string, dur time.Duration) outcome {
	if err := o.tracker.CancelTask(taskID); err != nil {
		logger.Warn("cancel task", zap.Error(err))
	}
	metrics.ObservePlatformCrawl(string(p), string(StatusCancelled), 0, dur)
	logger.Info("platform skipped after cancellation")
	return outcome{platform: p, status: StatusCancelled, duration: dur}
}

// run waits for rate limit admission, leases a pooled resource when a pool
// is configured, and calls the adapter. Only the admission wait observes
// cancellation; once admitted the crawl runs to completion.
func (o *Orchestrator) run(ctx context.Context, p platform.Platform, params SearchParams) ([]platform.Job, error) {
	adapter, ok := o.adapters.Adapter(p)
	if !ok {
		return nil, &Error{Code: CodePlatformError, Platform: p, Message: "no adapter registered"}
	}
	if err := o.limiter.Acquire(ctx, string(p)); err != nil {
		return nil, &Error{Code: CodeCancelled, Platform: p, Err: err}
	}
	ctx = context.WithoutCancel(ctx)
	if o.pool != nil {
		leased, release, err := o.pool.Lease(ctx)
		if err != nil {
			return nil, &Error{Code: CodeOf(err), Platform: p, Message: "acquire resource", Err: err}
		}
		defer release()
		ctx = leased
	}
	jobs, err := adapter.Search(ctx, params.Keywords, params.options())
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []platform.Job{}
	}
	return jobs, nil
}

func (o *Orchestrator) fail(logger *zap.Logger, p platform.Platform, taskID string, err error, dur time.Duration) outcome {
	code := CodeOf(err)
	status := platform.StatusCode(err)
	// Only adapter outcomes are responses from the platform.
	if code != CodeAcquireTimeout && code != CodeCancelled {
		o.limiter.RecordResponse(string(p), ratelimit.Response{
			StatusCode: status,
			RetryAfter: platform.RetryAfter(err),
		})
	}
	if ferr := o.tracker.FailTask(taskID, err); ferr != nil {
		logger.Warn("fail task", zap.Error(ferr))
	}
	metrics.ObservePlatformCrawl(string(p), string(StatusError), 0, dur)
	logger.Warn("platform crawl failed", zap.String("code", string(code)), zap.Int("status", status), zap.Error(err))
	o.emit(Event{Type: EventPlatformError, Platform: p, TaskID: taskID, Duration: dur, Err: err})
	return outcome{
		platform: p,
		status:   StatusError,
		duration: dur,
		err:      &ErrorInfo{Platform: p, Message: err.Error(), Code: status, Kind: code},
	}
}
