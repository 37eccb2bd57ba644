// Package browser manages headless Chrome sessions for the resource pool.
// Each Session owns one browser process and one long-lived tab; the pool
// creates, validates and destroys them through a Launcher.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/fetcher"
	"github.com/JakeFAU/jobcrawl/internal/stealth"
)

// ErrClosed is returned when a destroyed session is used.
var ErrClosed = errors.New("browser session closed")

const (
	defaultNavigationTimeout = 45 * time.Second
	validateTimeout          = 5 * time.Second
)

// Session is one pooled browser.
type Session struct {
	proxy     string
	userAgent string
	timeout   time.Duration
	jar       *stealth.CookieJar
	proxies   *stealth.ProxyRotator
	logger    *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closed        atomic.Bool

	// mu serializes navigation on the single tab.
	mu      sync.Mutex
	meta    *responseMeta
	lastURL string
}

// Proxy returns the redacted proxy this browser was launched with.
func (s *Session) Proxy() string {
	if s.proxy == "" {
		return ""
	}
	u, err := url.Parse(s.proxy)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}

// URL returns the last navigated URL.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastURL
}

// HTML returns the current DOM of the session's tab.
func (s *Session) HTML(ctx context.Context) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	runCtx, cancel := s.taskContext(ctx, validateTimeout)
	defer cancel()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page html: %w", err)
	}
	return html, nil
}

// Fetch navigates the tab to req.URL and returns the rendered DOM. Cookies
// flow both ways between the tab and the shared jar.
func (s *Session) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	if s.closed.Load() {
		return fetcher.Response{}, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	runCtx, cancel := s.taskContext(ctx, s.timeout)
	defer cancel()

	s.meta.reset()
	start := time.Now()
	var html, finalURL string
	actions := chromedp.Tasks{
		s.setupAction(req),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		s.harvestCookies(req.URL),
	}
	err := chromedp.Run(runCtx, actions)
	s.reportProxy(err, time.Since(start))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fetcher.Response{}, fmt.Errorf("render canceled: %w", ctxErr)
		}
		return fetcher.Response{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, headers, respURL := s.meta.snapshotWithFallbacks(req.URL, finalURL)
	s.lastURL = respURL
	return fetcher.Response{
		URL:        respURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Proxy:      s.Proxy(),
		Rendered:   true,
	}, nil
}

// Close terminates the browser process. It is safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.browserCtx != nil {
		err = chromedp.Cancel(s.browserCtx)
	}
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool { return s.closed.Load() }

// taskContext derives a bounded context on the session's tab that also ends
// when the caller's ctx does.
func (s *Session) taskContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) setupAction(req fetcher.Request) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.userAgent != "" {
			if err := emulation.SetUserAgentOverride(s.userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(req.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(req.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		if s.jar != nil {
			if params := cookieParams(s.jar.CookiesFor(req.URL), req.URL); len(params) > 0 {
				if err := network.SetCookies(params).Do(ctx); err != nil {
					return fmt.Errorf("seed cookies: %w", err)
				}
			}
		}
		return nil
	})
}

func (s *Session) harvestCookies(rawURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if s.jar == nil {
			return nil
		}
		cookies, err := network.GetCookies().WithURLs([]string{rawURL}).Do(ctx)
		if err != nil {
			s.logger.Debug("read browser cookies", zap.Error(err))
			return nil
		}
		s.jar.Import(fromNetworkCookies(cookies))
		return nil
	})
}

func (s *Session) reportProxy(err error, rt time.Duration) {
	if s.proxies == nil || s.proxy == "" {
		return
	}
	if err != nil {
		s.proxies.MarkFailure(s.proxy, err)
		return
	}
	status, _, _ := s.meta.snapshot()
	if status == http.StatusForbidden || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		s.proxies.MarkFailure(s.proxy, fmt.Errorf("status %d", status))
		return
	}
	s.proxies.MarkSuccess(s.proxy, rt)
}
