package stealth

import (
	"errors"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/metrics"
)

const (
	// HealthWindow is how many recent outcomes decide a proxy's health.
	HealthWindow = 10
	// unhealthyWeight scales an unhealthy proxy's weight so it is still tried occasionally.
	unhealthyWeight = 0.1
	minHealthSamples = 2
)

// ErrNoProxy is returned by ProxyFunc when no proxy is configured.
var ErrNoProxy = errors.New("no proxy available")

// Proxy is one configured upstream proxy.
type Proxy struct {
	URL    string  `mapstructure:"url" json:"url"`
	Region string  `mapstructure:"region" json:"region,omitempty"`
	Weight float64 `mapstructure:"weight" json:"weight,omitempty"`
}

// ProxyHealth summarizes a proxy's recent behaviour.
type ProxyHealth struct {
	SuccessCount    int           `json:"success_count"`
	FailureCount    int           `json:"failure_count"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	LastUsed        time.Time     `json:"last_used,omitzero"`
	Healthy         bool          `json:"healthy"`
}

// NextOptions narrows proxy selection.
type NextOptions struct {
	// Region prefers proxies in this region; ignored when none match.
	Region string
	// ExcludeRecent skips this proxy URL when another candidate exists.
	ExcludeRecent string
}

type proxyState struct {
	cfg    Proxy
	health ProxyHealth
	window []bool
}

// RotatorConfig configures a ProxyRotator.
type RotatorConfig struct {
	Proxies []Proxy
	// Rand defaults to a randomly seeded PCG source.
	Rand   *rand.Rand
	Now    func() time.Time
	Logger *zap.Logger
}

// ProxyRotator picks proxies by weighted random selection, scaling down the
// weight of proxies that failed half or more of their recent requests.
type ProxyRotator struct {
	mu      sync.Mutex
	order   []string
	proxies map[string]*proxyState
	rng     *rand.Rand
	now     func() time.Time
	logger  *zap.Logger
}

// NewProxyRotator builds a rotator. An empty rotator is valid; Next then
// reports no proxy.
func NewProxyRotator(cfg RotatorConfig) *ProxyRotator {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ProxyRotator{
		proxies: make(map[string]*proxyState),
		rng:     rng,
		now:     now,
		logger:  logger,
	}
	for _, p := range cfg.Proxies {
		r.Add(p)
	}
	return r
}

// Add registers p with fresh health. Re-adding a URL resets its health.
func (r *ProxyRotator) Add(p Proxy) {
	if p.URL == "" {
		return
	}
	if p.Weight <= 0 {
		p.Weight = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.proxies[p.URL]; !exists {
		r.order = append(r.order, p.URL)
	}
	r.proxies[p.URL] = &proxyState{cfg: p, health: ProxyHealth{Healthy: true}}
}

// Remove forgets the proxy with proxyURL.
func (r *ProxyRotator) Remove(proxyURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.proxies[proxyURL]; !ok {
		return false
	}
	delete(r.proxies, proxyURL)
	for i, u := range r.order {
		if u == proxyURL {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Next selects a proxy URL. It returns false when no proxy is configured.
func (r *ProxyRotator) Next(opts NextOptions) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return "", false
	}

	candidates := make([]*proxyState, 0, len(r.order))
	for _, u := range r.order {
		candidates = append(candidates, r.proxies[u])
	}
	if opts.Region != "" {
		var regional []*proxyState
		for _, p := range candidates {
			if p.cfg.Region == opts.Region {
				regional = append(regional, p)
			}
		}
		if len(regional) > 0 {
			candidates = regional
		}
	}
	if opts.ExcludeRecent != "" && len(candidates) > 1 {
		kept := candidates[:0:0]
		for _, p := range candidates {
			if p.cfg.URL != opts.ExcludeRecent {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			candidates = kept
		}
	}

	total := 0.0
	weights := make([]float64, len(candidates))
	for i, p := range candidates {
		w := p.cfg.Weight
		if !p.health.Healthy {
			w *= unhealthyWeight
		}
		weights[i] = w
		total += w
	}

	pick := candidates[len(candidates)-1]
	roll := r.rng.Float64() * total
	for i, p := range candidates {
		roll -= weights[i]
		if roll < 0 {
			pick = p
			break
		}
	}
	pick.health.LastUsed = r.now()
	return pick.cfg.URL, true
}

// ProxyFunc adapts the rotator to http.Transport.Proxy and colly's
// SetProxyFunc. Each request draws a fresh proxy.
func (r *ProxyRotator) ProxyFunc(opts NextOptions) func(*http.Request) (*url.URL, error) {
	return func(*http.Request) (*url.URL, error) {
		raw, ok := r.Next(opts)
		if !ok {
			return nil, ErrNoProxy
		}
		return url.Parse(raw)
	}
}

// MarkSuccess records a successful request through proxyURL.
func (r *ProxyRotator) MarkSuccess(proxyURL string, responseTime time.Duration) {
	r.record(proxyURL, true, responseTime, nil)
}

// MarkFailure records a failed request through proxyURL.
func (r *ProxyRotator) MarkFailure(proxyURL string, cause error) {
	r.record(proxyURL, false, 0, cause)
}

func (r *ProxyRotator) record(proxyURL string, ok bool, rt time.Duration, cause error) {
	r.mu.Lock()
	p, found := r.proxies[proxyURL]
	if !found {
		r.mu.Unlock()
		return
	}
	if ok {
		p.health.SuccessCount++
		n := time.Duration(p.health.SuccessCount)
		p.health.AvgResponseTime = (p.health.AvgResponseTime*(n-1) + rt) / n
	} else {
		p.health.FailureCount++
	}
	p.window = append(p.window, ok)
	if len(p.window) > HealthWindow {
		p.window = p.window[len(p.window)-HealthWindow:]
	}
	was := p.health.Healthy
	p.health.Healthy = evaluateHealth(p.window, was)
	now := p.health.Healthy
	r.mu.Unlock()

	metrics.ObserveProxy(ok)
	if was && !now {
		r.logger.Warn("proxy marked unhealthy", zap.String("proxy", redactProxy(proxyURL)), zap.Error(cause))
	} else if !was && now {
		r.logger.Info("proxy recovered", zap.String("proxy", redactProxy(proxyURL)))
	}
}

func evaluateHealth(window []bool, current bool) bool {
	if len(window) < minHealthSamples {
		return current
	}
	failures := 0
	for _, ok := range window {
		if !ok {
			failures++
		}
	}
	return failures*2 < len(window)
}

// HealthyCount reports how many proxies are currently healthy.
func (r *ProxyRotator) HealthyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.proxies {
		if p.health.Healthy {
			n++
		}
	}
	return n
}

// TotalCount reports how many proxies are configured.
func (r *ProxyRotator) TotalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

// HealthReport returns a copy of every proxy's health keyed by URL.
func (r *ProxyRotator) HealthReport() map[string]ProxyHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ProxyHealth, len(r.proxies))
	for u, p := range r.proxies {
		out[u] = p.health
	}
	return out
}

func redactProxy(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
