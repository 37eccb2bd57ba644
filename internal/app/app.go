// Package app builds the long-lived crawl services from configuration and
// owns their shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/jobcrawl/internal/api"
	"github.com/JakeFAU/jobcrawl/internal/browser"
	"github.com/JakeFAU/jobcrawl/internal/config"
	"github.com/JakeFAU/jobcrawl/internal/fetcher"
	"github.com/JakeFAU/jobcrawl/internal/logging"
	"github.com/JakeFAU/jobcrawl/internal/metrics"
	"github.com/JakeFAU/jobcrawl/internal/orchestrator"
	"github.com/JakeFAU/jobcrawl/internal/platform"
	"github.com/JakeFAU/jobcrawl/internal/platform/listing"
	"github.com/JakeFAU/jobcrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/jobcrawl/internal/pool"
	"github.com/JakeFAU/jobcrawl/internal/progress"
	"github.com/JakeFAU/jobcrawl/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/jobcrawl/internal/publisher/pubsub"
	"github.com/JakeFAU/jobcrawl/internal/session"
	"github.com/JakeFAU/jobcrawl/internal/stealth"
	"github.com/JakeFAU/jobcrawl/internal/storage/gcs"
	"github.com/JakeFAU/jobcrawl/internal/storage/local"
	"github.com/JakeFAU/jobcrawl/internal/storage/memory"
	"github.com/JakeFAU/jobcrawl/internal/storage/postgres"
	"github.com/JakeFAU/jobcrawl/internal/store"
	"github.com/JakeFAU/jobcrawl/internal/telemetry"
)

// NotificationCaptcha is the notification type published when a platform
// serves a challenge page.
const NotificationCaptcha = "captcha_detected"

// Option overrides a backend New would otherwise build from configuration.
type Option func(*options)

type options struct {
	registry   *platform.Registry
	blobs      store.BlobStore
	tasks      store.TaskRepository
	publisher  sinks.Publisher
	registerer prometheus.Registerer
	transport  http.RoundTripper
	spans      []sdktrace.SpanProcessor
}

// WithRegistry replaces the adapters built from cfg.Platforms.
func WithRegistry(r *platform.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithBlobStore replaces the configured session snapshot backend.
func WithBlobStore(b store.BlobStore) Option {
	return func(o *options) { o.blobs = b }
}

// WithTaskRepository replaces the configured task table.
func WithTaskRepository(r store.TaskRepository) Option {
	return func(o *options) { o.tasks = r }
}

// WithPublisher replaces the configured Pub/Sub publisher.
func WithPublisher(p sinks.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithRegisterer sets where the progress collectors register. Defaults to
// prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithTransport sets the base HTTP transport of every page fetcher.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithSpanProcessors adds span processors to the tracer provider built when
// telemetry is enabled.
func WithSpanProcessors(sp ...sdktrace.SpanProcessor) Option {
	return func(o *options) { o.spans = append(o.spans, sp...) }
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds the shared services for one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	limiter  *ratelimit.Limiter
	tracker  *progress.Tracker
	hub      *progress.Hub
	jar      *stealth.CookieJar
	proxies  *stealth.ProxyRotator
	captchas map[platform.Platform]*stealth.CaptchaDetector
	sessions *session.Store
	browsers *pool.Pool[*browser.Session]
	orch     *orchestrator.Orchestrator
	server   *api.Server
	tracer   *sdktrace.TracerProvider

	closers []closer
}

// New wires every service described by cfg. It fails fast when a backend
// cannot be reached; anything already opened is closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	logger = logging.OrNop(logger)
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{
		cfg:      cfg,
		logger:   logger,
		captchas: make(map[platform.Platform]*stealth.CaptchaDetector),
	}
	if err := a.build(ctx, o); err != nil {
		if a.browsers != nil {
			_ = a.browsers.Drain(context.Background())
		}
		_ = a.closeAll(context.Background())
		return nil, err
	}
	logger.Info("application services initialized",
		zap.Strings("platforms", platformNames(a.captchas)),
		zap.Bool("browser_pool", a.browsers != nil),
		zap.String("session_backend", cfg.Storage.Backend),
		zap.Bool("tracing", a.tracer != nil),
	)
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	if a.cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Telemetry, o.spans...)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.tracer = tp
		a.onClose("tracer provider", tp.Shutdown)
	}

	a.limiter = ratelimit.New(ratelimit.Config{
		Profiles: a.cfg.RateLimit.Profiles,
		Logger:   a.logger.Named("ratelimit"),
	})

	tasks, err := a.taskRepository(ctx, o.tasks)
	if err != nil {
		return err
	}
	pub, err := a.publisher(ctx, o.publisher)
	if err != nil {
		return err
	}
	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return fmt.Errorf("register progress collectors: %w", err)
	}
	hubSinks := []progress.Sink{
		sinks.NewLogSink(a.logger.Named("progress")),
		promSink,
		sinks.NewStoreSink(tasks, a.logger.Named("tasks")),
	}
	if pub != nil {
		hubSinks = append(hubSinks, sinks.NewPublisherSink(pub, a.cfg.PubSub.TopicName, a.logger.Named("notify")))
	}
	a.hub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("hub"),
	}, hubSinks...)
	a.onClose("progress hub", a.hub.Close)
	a.tracker = progress.NewTracker(progress.TrackerConfig{Emitter: a.hub, Logger: a.logger.Named("tracker")})

	a.jar = stealth.NewCookieJar()
	a.proxies = stealth.NewProxyRotator(stealth.RotatorConfig{
		Proxies: a.cfg.Stealth.Proxies,
		Logger:  a.logger.Named("proxy"),
	})
	blobs, err := a.blobStore(ctx, o.blobs)
	if err != nil {
		return err
	}
	a.sessions = session.New(blobs, session.Config{Prefix: a.cfg.Storage.Prefix, Logger: a.logger.Named("session")})

	var renderer listing.PageRenderer
	if a.cfg.Pool.Enabled {
		if err := a.browserPool(); err != nil {
			return err
		}
		renderer = browser.NewRenderer(a.browsers, a.logger.Named("browser"))
	}

	reg := o.registry
	if reg == nil {
		if reg, err = a.adapters(pub, renderer, o.transport); err != nil {
			return err
		}
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithConfig(a.cfg.Orchestrator.Config),
		orchestrator.WithLimiter(a.limiter),
		orchestrator.WithTracker(a.tracker),
		orchestrator.WithLogger(a.logger.Named("orchestrator")),
	}
	if a.browsers != nil {
		orchOpts = append(orchOpts, orchestrator.WithPool(a.browsers))
	}
	if a.tracer != nil {
		orchOpts = append(orchOpts, orchestrator.WithTracerProvider(a.tracer))
	}
	a.orch = orchestrator.New(reg, orchOpts...)

	if a.cfg.Server.Enabled {
		handler := api.NewProgressHandler(a.tracker, a.orch.Metrics, a.logger.Named("api"))
		a.server = api.NewServer(handler, a.logger.Named("http"), a.readinessChecks()...)
	}
	return nil
}

func (a *App) taskRepository(ctx context.Context, override store.TaskRepository) (store.TaskRepository, error) {
	if override != nil {
		return override, nil
	}
	if a.cfg.DB.DSN == "" {
		a.logger.Info("no database configured; task history kept in memory")
		return memory.NewTaskStore(), nil
	}
	ts, err := postgres.NewTaskStore(ctx, postgres.TaskStoreConfig{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init task store: %w", err)
	}
	a.onClose("task store", func(context.Context) error {
		ts.Close()
		return nil
	})
	return ts, nil
}

func (a *App) publisher(ctx context.Context, override sinks.Publisher) (sinks.Publisher, error) {
	if override != nil {
		return override, nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		return nil, nil
	}
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	a.onClose("pubsub client", func(context.Context) error { return client.Close() })
	pub := pubsubpublisher.New(client, a.cfg.PubSub.TopicName)
	a.onClose("pubsub publisher", func(context.Context) error {
		pub.Stop()
		return nil
	})
	a.logger.Info("publishing progress notifications", zap.String("topic", a.cfg.PubSub.TopicName))
	return pub, nil
}

func (a *App) blobStore(ctx context.Context, override store.BlobStore) (store.BlobStore, error) {
	if override != nil {
		return override, nil
	}
	switch a.cfg.Storage.Backend {
	case config.BackendLocal:
		bs, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local session store: %w", err)
		}
		return bs, nil
	case config.BackendGCS:
		var clientOpts []option.ClientOption
		if a.cfg.Storage.GCSEndpoint != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(a.cfg.Storage.GCSEndpoint), option.WithoutAuthentication())
		}
		client, err := gstorage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.onClose("gcs client", func(context.Context) error { return client.Close() })
		bs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs session store: %w", err)
		}
		return bs, nil
	default:
		return memory.NewBlobStore(), nil
	}
}

func (a *App) browserPool() error {
	launcher := browser.NewLauncher(browser.Config{
		UserAgent:         a.userAgents()[0],
		NavigationTimeout: a.cfg.Browser.NavigationTimeout,
		ExecPath:          a.cfg.Browser.ExecPath,
		ShowWindow:        a.cfg.Browser.ShowWindow,
		NoSandbox:         a.cfg.Browser.NoSandbox,
		ProxyRegion:       a.cfg.Stealth.ProxyRegion,
	},
		browser.WithCookieJar(a.jar),
		browser.WithProxies(a.proxies),
		browser.WithLogger(a.logger.Named("browser")),
	)
	pc := a.cfg.Pool
	p, err := pool.New(launcher.PoolConfig(pool.Config[*browser.Session]{
		MaxSize:             pc.MaxSize,
		MinSize:             pc.MinSize,
		AcquireTimeout:      pc.AcquireTimeout,
		IdleTimeout:         pc.IdleTimeout,
		MaxAge:              pc.MaxAge,
		HealthCheckInterval: pc.HealthCheckInterval,
		Logger:              a.logger.Named("pool"),
	}))
	if err != nil {
		return fmt.Errorf("init browser pool: %w", err)
	}
	p.Subscribe(func(evt pool.Event) {
		metrics.ObservePoolEvent(string(evt.Type))
		m := p.Metrics()
		metrics.SetPoolResources(m.Idle, m.InUse, m.Waiting)
	})
	a.browsers = p
	return nil
}

// adapters builds one listing adapter per configured platform. Each platform
// gets its own captcha breaker and pacing timer; the cookie jar and proxies
// are shared.
func (a *App) adapters(pub sinks.Publisher, renderer listing.PageRenderer, transport http.RoundTripper) (*platform.Registry, error) {
	reg := platform.NewRegistry()
	names := make([]string, 0, len(a.cfg.Platforms))
	for name := range a.cfg.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)

	sc := a.cfg.Stealth
	for _, name := range names {
		pc := a.cfg.Platforms[name]
		p := pc.Platform
		log := a.logger.With(zap.String("platform", string(p)))

		detector := stealth.NewCaptchaDetector(stealth.CaptchaConfig{
			Threshold:     sc.Captcha.Threshold,
			Window:        sc.Captcha.Window,
			PauseDuration: sc.Captcha.PauseDuration,
			Alert:         captchaAlert(pub, a.cfg.PubSub.TopicName, p),
			Logger:        log.Named("captcha"),
		})
		a.captchas[p] = detector
		timer := stealth.NewHumanizedTimer(sc.Timer)

		fetchOpts := []fetcher.Option{
			fetcher.WithCookieJar(a.jar),
			fetcher.WithProxies(a.proxies),
			fetcher.WithCaptchaDetector(detector),
			fetcher.WithTimer(timer),
			fetcher.WithLogger(log.Named("fetcher")),
		}
		if transport != nil {
			fetchOpts = append(fetchOpts, fetcher.WithTransport(transport))
		}
		f := fetcher.New(fetcher.Config{
			Platform:       p,
			UserAgents:     a.userAgents(),
			AcceptLanguage: sc.AcceptLanguage,
			Timeout:        sc.FetchTimeout,
			ProxyRegion:    sc.ProxyRegion,
		}, fetchOpts...)

		listOpts := []listing.Option{
			listing.WithTimer(timer),
			listing.WithCaptchaDetector(detector),
			listing.WithLogger(log.Named("listing")),
		}
		if renderer != nil {
			listOpts = append(listOpts, listing.WithRenderer(renderer))
		}
		adapter, err := listing.New(pc, f, listOpts...)
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", name, err)
		}
		if err := reg.Register(p, adapter); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// captchaAlert publishes detections so operators hear about a blocked
// platform before the breaker trips.
func captchaAlert(pub sinks.Publisher, topic string, p platform.Platform) stealth.AlertFunc {
	if pub == nil {
		return nil
	}
	return func(ctx context.Context, d stealth.Detection) error {
		_, err := pub.Publish(ctx, topic, sinks.Notification{
			Type:     NotificationCaptcha,
			TS:       d.At,
			Platform: string(p),
			Error:    fmt.Sprintf("%s challenge at %s", d.Type, d.URL),
		})
		return err
	}
}

func (a *App) readinessChecks() []api.Check {
	checks := []api.Check{{
		Name: "captcha",
		Fn: func(context.Context) error {
			var blocked []string
			for p, d := range a.captchas {
				if d.ShouldPause() {
					blocked = append(blocked, string(p))
				}
			}
			if len(blocked) > 0 {
				sort.Strings(blocked)
				return fmt.Errorf("captcha breaker open for %v", blocked)
			}
			return nil
		},
	}}
	if a.browsers != nil {
		checks = append(checks, api.Check{
			Name: "browser_pool",
			Fn: func(context.Context) error {
				if a.browsers.Metrics().Draining {
					return pool.ErrDraining
				}
				return nil
			},
		})
	}
	return checks
}

func (a *App) userAgents() []string {
	if len(a.cfg.Stealth.UserAgents) > 0 {
		return a.cfg.Stealth.UserAgents
	}
	return fetcher.DefaultUserAgents
}

// Orchestrator returns the crawl orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Tracker returns the shared progress tracker.
func (a *App) Tracker() *progress.Tracker { return a.tracker }

// Jar returns the cookie jar shared by fetchers and browsers.
func (a *App) Jar() *stealth.CookieJar { return a.jar }

// Handler returns the ops HTTP handler, or nil when the server is disabled.
// Requests are traced when telemetry is enabled.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	if a.tracer != nil {
		return telemetry.Middleware("ops", a.server.Handler())
	}
	return a.server.Handler()
}

// RestoreSession loads the configured cookie snapshot into the jar.
func (a *App) RestoreSession(ctx context.Context) (int, error) {
	n, err := a.sessions.Load(ctx, a.cfg.Storage.Session, a.jar)
	if err != nil {
		return 0, fmt.Errorf("restore session: %w", err)
	}
	return n, nil
}

// SaveSession persists the jar under the configured snapshot name.
func (a *App) SaveSession(ctx context.Context) (string, error) {
	uri, err := a.sessions.Save(ctx, a.cfg.Storage.Session, a.jar)
	if err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return uri, nil
}

// Close shuts the orchestrator down, draining the browser pool within the
// configured timeout, then flushes the progress hub and closes backends in
// reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.orch != nil {
		timeout := a.cfg.Orchestrator.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = min(timeout, time.Until(deadline))
		}
		if err := a.orch.Shutdown(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range a.captchas {
		d.WaitAlerts()
	}
	if err := a.closeAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func platformNames(m map[platform.Platform]*stealth.CaptchaDetector) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}
