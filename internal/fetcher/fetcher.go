// Package fetcher performs single page fetches with colly while threading
// every request through the stealth services: a shared cookie jar, rotating
// proxies, humanized pacing and captcha detection.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/platform"
	"github.com/JakeFAU/jobcrawl/internal/stealth"
)

const defaultTimeout = 15 * time.Second

// DefaultUserAgents is a small pool of current desktop Chrome strings.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.6778.109 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.6778.139 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.6723.116 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.6668.101 Safari/537.36",
}

// Config controls collector behavior.
type Config struct {
	// Platform labels errors so limiter feedback reaches the right key.
	Platform       platform.Platform `mapstructure:"-"`
	UserAgents     []string          `mapstructure:"user_agents"`
	AcceptLanguage string            `mapstructure:"accept_language"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	ProxyRegion    string            `mapstructure:"proxy_region"`
}

// Request is one page to fetch.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is a fetched page.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	// Proxy is the redacted proxy the request went through, if any.
	Proxy    string
	Rendered bool
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithCookieJar shares jar across every fetch.
func WithCookieJar(jar *stealth.CookieJar) Option {
	return func(f *Fetcher) { f.jar = jar }
}

// WithProxies routes requests through r.
func WithProxies(r *stealth.ProxyRotator) Option {
	return func(f *Fetcher) { f.proxies = r }
}

// WithCaptchaDetector inspects every response with d.
func WithCaptchaDetector(d *stealth.CaptchaDetector) Option {
	return func(f *Fetcher) { f.captcha = d }
}

// WithTimer paces fetches with t.
func WithTimer(t *stealth.HumanizedTimer) Option {
	return func(f *Fetcher) { f.timer = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithTransport replaces the base transport. Proxied requests clone it when
// it is an *http.Transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.base = rt }
}

// Fetcher issues GET requests with colly.
type Fetcher struct {
	cfg     Config
	jar     *stealth.CookieJar
	proxies *stealth.ProxyRotator
	captcha *stealth.CaptchaDetector
	timer   *stealth.HumanizedTimer
	logger  *zap.Logger
	base    http.RoundTripper
	now     func() time.Time

	mu         sync.Mutex
	rng        *rand.Rand
	transports map[string]http.RoundTripper
	lastProxy  string
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	f := &Fetcher{
		cfg:        cfg,
		logger:     zap.NewNop(),
		now:        time.Now,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		transports: make(map[string]http.RoundTripper),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.base == nil {
		f.base = newHTTPTransport()
	}
	return f
}

// Captcha returns the detector the fetcher reports to, or nil.
func (f *Fetcher) Captcha() *stealth.CaptchaDetector { return f.captcha }

// Fetch executes a single GET. Non-2xx statuses and challenge pages come back
// as *platform.Error alongside the response so callers can feed the limiter.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	if f.captcha != nil && f.captcha.ShouldPause() {
		return Response{}, &platform.Error{
			Platform:   f.cfg.Platform,
			StatusCode: http.StatusTooManyRequests,
			RetryAfter: f.captcha.PauseDuration(),
			Err:        platform.ErrBlocked,
		}
	}
	if f.timer != nil {
		if err := f.timer.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("pacing: %w", err)
		}
	}

	proxyURL := f.pickProxy()
	var (
		result   Response
		fetchErr error
	)
	start := f.now()
	collector := f.buildCollector(ctx, proxyURL, req, start, &result, &fetchErr)
	// On cancellation the collector may still be writing result.
	if err := runCollector(ctx, collector, req.URL, &fetchErr); err != nil {
		f.reportProxy(proxyURL, Response{}, err)
		return Response{}, err
	}
	f.reportProxy(proxyURL, result, nil)
	if proxyURL != "" {
		result.Proxy = redact(proxyURL)
	}
	return result, f.inspect(result)
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	proxyURL string,
	req Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) *colly.Collector {
	c := colly.NewCollector(colly.AllowURLRevisit(), colly.StdlibContext(ctx))
	c.UserAgent = f.userAgent()
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	c.SetRequestTimeout(f.cfg.Timeout)
	c.WithTransport(f.transportFor(proxyURL))
	if f.jar != nil {
		c.SetCookieJar(f.jar)
	}

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	c.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   f.now().Sub(start),
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
	return c
}

func runCollector(ctx context.Context, c *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", target, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("fetch %s: %w", target, *fetchErr)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("fetch canceled: %w", err)
		}
		return nil
	}
}

// inspect turns challenge pages and error statuses into platform errors.
func (f *Fetcher) inspect(resp Response) error {
	if f.captcha != nil {
		_, blocked := f.captcha.DetectResponse(resp.StatusCode, resp.Headers, resp.URL)
		if !blocked {
			_, blocked = f.captcha.DetectHTML(string(resp.Body), resp.URL)
		}
		if blocked {
			status := resp.StatusCode
			if status < http.StatusBadRequest {
				status = http.StatusForbidden
			}
			return &platform.Error{Platform: f.cfg.Platform, StatusCode: status, Err: platform.ErrBlocked}
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &platform.Error{
			Platform:   f.cfg.Platform,
			StatusCode: resp.StatusCode,
			RetryAfter: platform.ParseRetryAfter(resp.Headers.Get("Retry-After"), f.now()),
			Err:        fmt.Errorf("GET %s", resp.URL),
		}
	}
	return nil
}

func (f *Fetcher) pickProxy() string {
	if f.proxies == nil {
		return ""
	}
	f.mu.Lock()
	last := f.lastProxy
	f.mu.Unlock()
	u, ok := f.proxies.Next(stealth.NextOptions{Region: f.cfg.ProxyRegion, ExcludeRecent: last})
	if !ok {
		return ""
	}
	f.mu.Lock()
	f.lastProxy = u
	f.mu.Unlock()
	return u
}

func (f *Fetcher) reportProxy(proxyURL string, resp Response, err error) {
	if proxyURL == "" || f.proxies == nil {
		return
	}
	switch {
	case err != nil:
		f.proxies.MarkFailure(proxyURL, err)
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusProxyAuthRequired,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		f.proxies.MarkFailure(proxyURL, fmt.Errorf("status %d", resp.StatusCode))
	default:
		f.proxies.MarkSuccess(proxyURL, resp.Duration)
	}
}

// transportFor returns a transport routed through proxyURL, cached per proxy
// so connections are reused.
func (f *Fetcher) transportFor(proxyURL string) http.RoundTripper {
	if proxyURL == "" {
		return f.base
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if rt, ok := f.transports[proxyURL]; ok {
		return rt
	}
	base, ok := f.base.(*http.Transport)
	if !ok {
		f.logger.Warn("base transport cannot be proxied; sending direct")
		return f.base
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		f.logger.Warn("invalid proxy url", zap.String("proxy", redact(proxyURL)), zap.Error(err))
		return f.base
	}
	t := base.Clone()
	t.Proxy = http.ProxyURL(u)
	f.transports[proxyURL] = t
	return t
}

func (f *Fetcher) userAgent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.UserAgents[f.rng.IntN(len(f.cfg.UserAgents))]
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}

// IsBlocked reports whether err came from a challenge page or a tripped
// captcha breaker.
func IsBlocked(err error) bool {
	return errors.Is(err, platform.ErrBlocked)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
