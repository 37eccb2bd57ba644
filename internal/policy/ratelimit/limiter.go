// Package ratelimit implements per-platform admission control combining a token
// bucket, a 60-second sliding window, a minimum cooldown between requests, and
// an explicit pause gate driven by 429 responses.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/jobcrawl/internal/clock/system"
	"github.com/JakeFAU/jobcrawl/internal/metrics"
)

const windowSize = time.Minute

// Clock abstracts time so admission can be tested deterministically.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Config holds rate limiter configuration.
//   - Profiles override DefaultProfiles per key.
//   - Fallback applies to keys without a profile (defaults to FallbackProfile).
//   - Clock defaults to the system clock.
type Config struct {
	Profiles map[string]Profile
	Fallback *Profile
	Clock    Clock
	Logger   *zap.Logger
}

// Response is the outcome of one request against a key.
type Response struct {
	StatusCode int
	// RetryAfter is the server's hint; zero means none was given.
	RetryAfter time.Duration
}

// KeyMetrics describes one bucket at a point in time.
type KeyMetrics struct {
	RequestsInWindow int           `json:"requests_in_window"`
	TokensAvailable  int           `json:"tokens_available"`
	Paused           bool          `json:"paused"`
	WaitTime         time.Duration `json:"wait_time"`
}

type bucket struct {
	profile     Profile
	tokens      *rate.Limiter
	window      []time.Time
	lastRequest time.Time
	paused      bool
	pausedUntil time.Time
}

// Limiter manages per-key rate limits. It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	// sems serialize Acquire per key and outlive Reset.
	sems     map[string]chan struct{}
	profiles map[string]Profile
	fallback Profile
	clock    Clock
	logger   *zap.Logger
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	profiles := make(map[string]Profile, len(DefaultProfiles)+len(cfg.Profiles))
	for key, p := range DefaultProfiles {
		profiles[key] = p
	}
	for key, p := range cfg.Profiles {
		profiles[key] = p.withDefaults()
	}
	fallback := FallbackProfile
	if cfg.Fallback != nil {
		fallback = cfg.Fallback.withDefaults()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		sems:     make(map[string]chan struct{}),
		profiles: profiles,
		fallback: fallback,
		clock:    clock,
		logger:   logger,
	}
}

// Profile returns the limits applied to key.
func (l *Limiter) Profile(key string) Profile {
	if p, ok := l.profiles[key]; ok {
		return p
	}
	return l.fallback
}

// Acquire blocks until key may issue a request, then consumes one unit of
// capacity. Concurrent callers for the same key are admitted one at a time.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	sem := l.semFor(key)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	}
	defer func() { <-sem }()

	var waited time.Duration
	for {
		l.mu.Lock()
		// Looked up each pass so a Reset during the wait takes effect.
		b := l.bucketLocked(key)
		now := l.clock.Now()
		wait := l.waitLocked(b, now)
		if wait <= 0 {
			b.tokens.AllowN(now, 1)
			b.window = append(b.window, now)
			b.lastRequest = now
			l.mu.Unlock()
			if waited > 0 {
				metrics.ObserveRateLimitDelay(key, waited)
			}
			return nil
		}
		l.mu.Unlock()

		l.logger.Debug("rate limit wait", zap.String("key", key), zap.Duration("wait", wait))
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		waited += wait
	}
}

// WaitTime reports how long Acquire would currently wait for key without
// consuming capacity.
func (l *Limiter) WaitTime(key string) time.Duration {
	b := l.bucketFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitLocked(b, l.clock.Now())
}

// RecordResponse feeds a request outcome back into the limiter. A 429 pauses
// the key for the server's RetryAfter, or the profile's DefaultPause when no
// hint was given. A 5xx pauses only when a hint is present or the profile sets
// PauseOnServerError.
func (l *Limiter) RecordResponse(key string, resp Response) {
	profile := l.Profile(key)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
	case resp.StatusCode >= 500 && resp.StatusCode < 600:
		if resp.RetryAfter <= 0 && !profile.PauseOnServerError {
			return
		}
	default:
		return
	}
	d := resp.RetryAfter
	if d <= 0 {
		d = profile.DefaultPause
	}
	l.logger.Info("pausing rate limit key",
		zap.String("key", key),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", d),
	)
	l.Pause(key, d)
}

// Pause blocks admission for key for d and empties its token bucket.
func (l *Limiter) Pause(key string, d time.Duration) {
	b := l.bucketFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	b.paused = true
	b.pausedUntil = now.Add(d)
	b.tokens = emptyBucket(b.profile, now)
}

// Resume lifts a pause on key immediately.
func (l *Limiter) Resume(key string) {
	b := l.bucketFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	b.paused = false
	b.pausedUntil = time.Time{}
}

// IsPaused reports whether key is paused right now.
func (l *Limiter) IsPaused(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return false
	}
	return b.paused && l.clock.Now().Before(b.pausedUntil)
}

// Metrics returns per-key state for every bucket created so far.
func (l *Limiter) Metrics() map[string]KeyMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	out := make(map[string]KeyMetrics, len(l.buckets))
	for key, b := range l.buckets {
		wait := l.waitLocked(b, now)
		out[key] = KeyMetrics{
			RequestsInWindow: len(b.window),
			TokensAvailable:  int(math.Floor(b.tokens.TokensAt(now))),
			Paused:           b.paused,
			WaitTime:         wait,
		}
	}
	return out
}

// Keys returns the keys with state, sorted.
func (l *Limiter) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.buckets))
	for key := range l.buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Reset discards state for the given keys, or for every key when none are
// given. A caller already waiting in Acquire continues against the fresh state
// and still holds the key's turn.
func (l *Limiter) Reset(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(keys) == 0 {
		l.buckets = make(map[string]*bucket)
		return
	}
	for _, key := range keys {
		delete(l.buckets, key)
	}
}

func (l *Limiter) semFor(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[key]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[key] = sem
	}
	return sem
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucketLocked(key)
}

func (l *Limiter) bucketLocked(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		profile := l.Profile(key)
		b = &bucket{
			profile: profile,
			tokens:  rate.NewLimiter(profile.refillRate(), profile.BurstSize),
		}
		l.buckets[key] = b
	}
	return b
}

// waitLocked applies the admission rules in order: pause, sliding window,
// token bucket, cooldown.
func (l *Limiter) waitLocked(b *bucket, now time.Time) time.Duration {
	if b.paused {
		if remaining := b.pausedUntil.Sub(now); remaining > 0 {
			return remaining
		}
		b.paused = false
		b.pausedUntil = time.Time{}
	}

	cutoff := 0
	for cutoff < len(b.window) && now.Sub(b.window[cutoff]) >= windowSize {
		cutoff++
	}
	b.window = b.window[cutoff:]

	if rpm := b.profile.RequestsPerMinute; rpm > 0 && len(b.window) >= rpm {
		return b.window[0].Add(windowSize).Sub(now)
	}

	if tokens := b.tokens.TokensAt(now); tokens < 1 {
		perSecond := float64(b.profile.refillRate())
		if perSecond <= 0 {
			return windowSize
		}
		return time.Duration(math.Ceil((1 - tokens) / perSecond * float64(time.Second)))
	}

	if !b.lastRequest.IsZero() {
		if since := now.Sub(b.lastRequest); since < b.profile.Cooldown {
			return b.profile.Cooldown - since
		}
	}
	return 0
}

func emptyBucket(p Profile, now time.Time) *rate.Limiter {
	lim := rate.NewLimiter(p.refillRate(), p.BurstSize)
	lim.AllowN(now, p.BurstSize)
	return lim
}
