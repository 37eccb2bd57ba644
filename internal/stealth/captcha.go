package stealth

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/metrics"
)

// CaptchaType names a recognised challenge family.
type CaptchaType string

// Recognised challenge families.
const (
	CaptchaRecaptcha  CaptchaType = "recaptcha"
	CaptchaHCaptcha   CaptchaType = "hcaptcha"
	CaptchaCloudflare CaptchaType = "cloudflare"
)

// Captcha detector defaults.
const (
	DefaultCaptchaThreshold = 3
	DefaultCaptchaWindow    = 5 * time.Minute
	DefaultCaptchaPause     = 60 * time.Second
	defaultAlertTimeout     = 10 * time.Second
)

var siteKeyPattern = regexp.MustCompile(`data-sitekey="([^"]+)"`)

type captchaSignature struct {
	typ      CaptchaType
	patterns []string
	siteKey  bool
}

var captchaSignatures = []captchaSignature{
	{typ: CaptchaRecaptcha, patterns: []string{"google.com/recaptcha", "g-recaptcha", "grecaptcha"}, siteKey: true},
	{typ: CaptchaHCaptcha, patterns: []string{"hcaptcha.com", "h-captcha"}, siteKey: true},
	{typ: CaptchaCloudflare, patterns: []string{"cf-challenge", "cf_chl_opt", "challenges.cloudflare.com", "just a moment"}},
}

// Detection records one observed challenge.
type Detection struct {
	Type    CaptchaType `json:"type"`
	URL     string      `json:"url"`
	At      time.Time   `json:"at"`
	SiteKey string      `json:"site_key,omitempty"`
}

// AlertFunc is an optional external notification hook. Its errors are logged
// and never interrupt crawling.
type AlertFunc func(ctx context.Context, d Detection) error

// PageSource is the minimal view of a rendered page the detector needs.
type PageSource interface {
	URL() string
	HTML(ctx context.Context) (string, error)
}

// CaptchaConfig configures a CaptchaDetector. Zero values take the defaults.
type CaptchaConfig struct {
	Threshold     int           `mapstructure:"threshold"`
	Window        time.Duration `mapstructure:"window"`
	PauseDuration time.Duration `mapstructure:"pause_duration"`
	Alert         AlertFunc     `mapstructure:"-"`
	Now           func() time.Time
	Logger        *zap.Logger
}

// CaptchaDetector scans pages and responses for challenges and keeps an
// append-only history used as a circuit breaker.
type CaptchaDetector struct {
	cfg    CaptchaConfig
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	history []Detection

	lmu       sync.RWMutex
	nextLID   int
	listeners map[int]func(Detection)

	alerts sync.WaitGroup
}

// NewCaptchaDetector builds a detector.
func NewCaptchaDetector(cfg CaptchaConfig) *CaptchaDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultCaptchaThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultCaptchaWindow
	}
	if cfg.PauseDuration <= 0 {
		cfg.PauseDuration = DefaultCaptchaPause
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptchaDetector{
		cfg:       cfg,
		now:       now,
		logger:    logger,
		listeners: make(map[int]func(Detection)),
	}
}

// DetectHTML scans html for known challenge signatures.
func (d *CaptchaDetector) DetectHTML(html, pageURL string) (Detection, bool) {
	if html == "" {
		return Detection{}, false
	}
	lower := strings.ToLower(html)
	for _, sig := range captchaSignatures {
		if !containsAny(lower, sig.patterns) {
			continue
		}
		det := Detection{Type: sig.typ, URL: pageURL, At: d.now()}
		if sig.siteKey {
			if m := siteKeyPattern.FindStringSubmatch(html); m != nil {
				det.SiteKey = m[1]
			}
		}
		d.record(det)
		return det, true
	}
	return Detection{}, false
}

// DetectResponse flags 403/503 responses that carry challenge headers.
func (d *CaptchaDetector) DetectResponse(statusCode int, header http.Header, pageURL string) (Detection, bool) {
	if statusCode != http.StatusForbidden && statusCode != http.StatusServiceUnavailable {
		return Detection{}, false
	}
	if header == nil {
		return Detection{}, false
	}
	challenged := header.Get("Cf-Mitigated") != "" ||
		header.Get("Cf-Chl-Bypass") != "" ||
		strings.EqualFold(header.Get("Server"), "cloudflare")
	if !challenged {
		return Detection{}, false
	}
	det := Detection{Type: CaptchaCloudflare, URL: pageURL, At: d.now()}
	d.record(det)
	return det, true
}

// DetectFromPage reads the page's HTML and scans it.
func (d *CaptchaDetector) DetectFromPage(ctx context.Context, page PageSource) (Detection, bool, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return Detection{}, false, fmt.Errorf("read page content: %w", err)
	}
	det, ok := d.DetectHTML(html, page.URL())
	return det, ok, nil
}

// ShouldPause reports whether detections inside the rolling window reached
// the threshold.
func (d *CaptchaDetector) ShouldPause() bool {
	return d.RecentDetectionCount() >= d.cfg.Threshold
}

// PauseDuration is how long a caller should back off once ShouldPause trips.
func (d *CaptchaDetector) PauseDuration() time.Duration {
	return d.cfg.PauseDuration
}

// RecentDetectionCount counts detections inside the rolling window.
func (d *CaptchaDetector) RecentDetectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := d.now().Add(-d.cfg.Window)
	n := 0
	for _, det := range d.history {
		if det.At.After(start) {
			n++
		}
	}
	return n
}

// DetectionCount is the total number of recorded detections.
func (d *CaptchaDetector) DetectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}

// History returns a copy of every detection.
func (d *CaptchaDetector) History() []Detection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Detection(nil), d.history...)
}

// ClearHistory forgets every detection.
func (d *CaptchaDetector) ClearHistory() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = nil
}

// Subscribe registers fn for every detection and returns a function that removes it.
func (d *CaptchaDetector) Subscribe(fn func(Detection)) func() {
	if fn == nil {
		return func() {}
	}
	d.lmu.Lock()
	defer d.lmu.Unlock()
	id := d.nextLID
	d.nextLID++
	d.listeners[id] = fn
	return func() {
		d.lmu.Lock()
		delete(d.listeners, id)
		d.lmu.Unlock()
	}
}

// WaitAlerts blocks until in-flight alert callbacks return.
func (d *CaptchaDetector) WaitAlerts() {
	d.alerts.Wait()
}

func (d *CaptchaDetector) record(det Detection) {
	d.mu.Lock()
	d.history = append(d.history, det)
	d.mu.Unlock()

	metrics.ObserveCaptcha(string(det.Type))
	d.logger.Warn("captcha detected",
		zap.String("type", string(det.Type)),
		zap.String("url", det.URL),
		zap.Bool("site_key", det.SiteKey != ""),
	)

	d.lmu.RLock()
	fns := make([]func(Detection), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.lmu.RUnlock()
	for _, fn := range fns {
		fn(det)
	}

	if d.cfg.Alert != nil {
		d.alerts.Add(1)
		go func() {
			defer d.alerts.Done()
			ctx, cancel := context.WithTimeout(context.Background(), defaultAlertTimeout)
			defer cancel()
			if err := d.cfg.Alert(ctx, det); err != nil {
				d.logger.Warn("captcha alert failed", zap.Error(err))
			}
		}()
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
