package browser

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/pool"
	"github.com/JakeFAU/jobcrawl/internal/stealth"
)

// Config controls how browsers are launched.
type Config struct {
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// ExecPath overrides Chrome discovery.
	ExecPath    string `mapstructure:"exec_path"`
	ShowWindow  bool   `mapstructure:"show_window"`
	NoSandbox   bool   `mapstructure:"no_sandbox"`
	ProxyRegion string `mapstructure:"proxy_region"`
}

// LauncherOption customizes a Launcher.
type LauncherOption func(*Launcher)

// WithCookieJar syncs every session's cookies with jar.
func WithCookieJar(jar *stealth.CookieJar) LauncherOption {
	return func(l *Launcher) { l.jar = jar }
}

// WithProxies launches each browser behind a proxy drawn from r.
func WithProxies(r *stealth.ProxyRotator) LauncherOption {
	return func(l *Launcher) { l.proxies = r }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) LauncherOption {
	return func(l *Launcher) { l.logger = logger }
}

// Launcher creates, validates and destroys sessions. Its methods match the
// pool's Factory, Validator and Destructor signatures.
type Launcher struct {
	cfg     Config
	jar     *stealth.CookieJar
	proxies *stealth.ProxyRotator
	logger  *zap.Logger

	mu        sync.Mutex
	lastProxy string
}

// NewLauncher builds a Launcher.
func NewLauncher(cfg Config, opts ...LauncherOption) *Launcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	l := &Launcher{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PoolConfig fills the lifecycle callbacks of base with the launcher's.
func (l *Launcher) PoolConfig(base pool.Config[*Session]) pool.Config[*Session] {
	base.Create = l.Create
	base.Validate = l.Validate
	base.Destroy = l.Destroy
	if base.Logger == nil {
		base.Logger = l.logger
	}
	return base
}

// Create starts a browser and opens its tab.
func (l *Launcher) Create(ctx context.Context) (*Session, error) {
	proxy := l.pickProxy()
	s := &Session{
		proxy:     proxy,
		userAgent: l.cfg.UserAgent,
		timeout:   l.cfg.NavigationTimeout,
		jar:       l.jar,
		proxies:   l.proxies,
		logger:    l.logger,
		meta:      newResponseMeta(),
	}

	// The browser outlives the acquiring caller, so it hangs off Background.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions(proxy)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	s.allocCancel, s.browserCtx, s.browserCancel = allocCancel, browserCtx, browserCancel
	chromedp.ListenTarget(browserCtx, s.meta.captureEvent)

	startCtx, cancel := s.taskContext(ctx, l.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		_ = s.Close()
		if proxy != "" && l.proxies != nil {
			l.proxies.MarkFailure(proxy, err)
		}
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	l.logger.Debug("browser launched", zap.String("proxy", s.Proxy()))
	return s, nil
}

// Validate reports whether s still answers a trivial script.
func (l *Launcher) Validate(ctx context.Context, s *Session) bool {
	if s == nil || s.Closed() || s.browserCtx == nil || s.browserCtx.Err() != nil {
		return false
	}
	runCtx, cancel := s.taskContext(ctx, validateTimeout)
	defer cancel()
	var n int
	if err := chromedp.Run(runCtx, chromedp.Evaluate(`1`, &n)); err != nil || n != 1 {
		l.logger.Debug("browser failed validation", zap.Error(err))
		return false
	}
	return true
}

// Destroy closes s.
func (l *Launcher) Destroy(_ context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	return s.Close()
}

func (l *Launcher) pickProxy() string {
	if l.proxies == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.proxies.Next(stealth.NextOptions{Region: l.cfg.ProxyRegion, ExcludeRecent: l.lastProxy})
	if !ok {
		return ""
	}
	l.lastProxy = u
	return u
}

// allocatorFlags lists the Chrome switches applied on top of chromedp's defaults.
func (l *Launcher) allocatorFlags(proxy string) map[string]any {
	flags := map[string]any{
		"disable-gpu":                         true,
		"hide-scrollbars":                     true,
		"enable-automation":                   false,
		"disable-blink-features":              "AutomationControlled",
		"disable-features":                    "Translate,OptimizationHints",
		"window-size":                         "1366,768",
		"disable-background-timer-throttling": true,
	}
	if l.cfg.ShowWindow {
		flags["headless"] = false
	} else {
		flags["headless"] = "new"
	}
	if l.cfg.NoSandbox {
		flags["no-sandbox"] = true
	}
	if l.cfg.UserAgent != "" {
		flags["user-agent"] = l.cfg.UserAgent
	}
	if proxy != "" {
		if u, err := url.Parse(proxy); err == nil {
			// Chrome ignores credentials in --proxy-server.
			flags["proxy-server"] = u.Scheme + "://" + u.Host
		}
	}
	return flags
}

func (l *Launcher) allocatorOptions(proxy string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range l.allocatorFlags(proxy) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}
