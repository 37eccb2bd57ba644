package stealth

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/JakeFAU/jobcrawl/internal/clock/system"
)

// TimerConfig shapes the humanized delay distribution.
type TimerConfig struct {
	MinDelay             time.Duration `mapstructure:"min_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	BurstProbability     float64       `mapstructure:"burst_probability"`
	BurstMinDelay        time.Duration `mapstructure:"burst_min_delay"`
	BurstMaxDelay        time.Duration `mapstructure:"burst_max_delay"`
	LongPauseProbability float64       `mapstructure:"long_pause_probability"`
	LongPauseMin         time.Duration `mapstructure:"long_pause_min"`
	LongPauseMax         time.Duration `mapstructure:"long_pause_max"`
}

// DefaultTimerConfig mimics casual browsing.
var DefaultTimerConfig = TimerConfig{
	MinDelay:             800 * time.Millisecond,
	MaxDelay:             3 * time.Second,
	BurstProbability:     0.15,
	BurstMinDelay:        200 * time.Millisecond,
	BurstMaxDelay:        500 * time.Millisecond,
	LongPauseProbability: 0.08,
	LongPauseMin:         5 * time.Second,
	LongPauseMax:         15 * time.Second,
}

func (c TimerConfig) withDefaults() TimerConfig {
	d := DefaultTimerConfig
	if c.MinDelay > 0 {
		d.MinDelay = c.MinDelay
	}
	if c.MaxDelay > 0 {
		d.MaxDelay = c.MaxDelay
	}
	if d.MaxDelay < d.MinDelay {
		d.MaxDelay = d.MinDelay
	}
	if c.BurstProbability > 0 {
		d.BurstProbability = c.BurstProbability
	}
	if c.BurstMinDelay > 0 {
		d.BurstMinDelay = c.BurstMinDelay
	}
	if c.BurstMaxDelay > 0 {
		d.BurstMaxDelay = c.BurstMaxDelay
	}
	if c.LongPauseProbability > 0 {
		d.LongPauseProbability = c.LongPauseProbability
	}
	if c.LongPauseMin > 0 {
		d.LongPauseMin = c.LongPauseMin
	}
	if c.LongPauseMax > 0 {
		d.LongPauseMax = c.LongPauseMax
	}
	return d
}

// Sleeper pauses for d or until ctx ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerOption customizes a HumanizedTimer.
type TimerOption func(*HumanizedTimer)

// WithRand sets the random source.
func WithRand(r *rand.Rand) TimerOption {
	return func(t *HumanizedTimer) { t.rng = r }
}

// WithSleeper replaces the system clock's Sleep.
func WithSleeper(s Sleeper) TimerOption {
	return func(t *HumanizedTimer) { t.sleeper = s }
}

// HumanizedTimer draws irregular delays: mostly bell-shaped around the middle
// of [MinDelay, MaxDelay], occasionally a short burst or a long reading pause.
type HumanizedTimer struct {
	cfg     TimerConfig
	sleeper Sleeper

	mu   sync.Mutex
	rng  *rand.Rand
	last time.Duration
}

// NewHumanizedTimer builds a timer. Zero config fields take DefaultTimerConfig values.
func NewHumanizedTimer(cfg TimerConfig, opts ...TimerOption) *HumanizedTimer {
	t := &HumanizedTimer{cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(t)
	}
	if t.rng == nil {
		t.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if t.sleeper == nil {
		t.sleeper = system.New()
	}
	return t
}

// Wait sleeps for the next humanized delay.
func (t *HumanizedTimer) Wait(ctx context.Context) error {
	return t.sleeper.Sleep(ctx, t.NextDelay())
}

// WaitBetweenPages sleeps for a page-navigation delay.
func (t *HumanizedTimer) WaitBetweenPages(ctx context.Context) error {
	return t.sleeper.Sleep(ctx, t.NextPageDelay())
}

// RandomDelay sleeps for a uniform delay in [lo, hi].
func (t *HumanizedTimer) RandomDelay(ctx context.Context, lo, hi time.Duration) error {
	if hi < lo {
		lo, hi = hi, lo
	}
	t.mu.Lock()
	d := lo + time.Duration(t.rng.Float64()*float64(hi-lo))
	t.last = d.Round(time.Millisecond)
	t.mu.Unlock()
	return t.sleeper.Sleep(ctx, d.Round(time.Millisecond))
}

// NextDelay draws and records the next Wait delay without sleeping.
func (t *HumanizedTimer) NextDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cfg
	roll := t.rng.Float64()
	var d time.Duration
	switch {
	case roll < c.BurstProbability:
		d = t.uniformLocked(c.BurstMinDelay, c.BurstMaxDelay)
	case roll < c.BurstProbability+c.LongPauseProbability:
		d = t.uniformLocked(c.LongPauseMin, c.LongPauseMax)
	default:
		d = t.normalLocked()
	}
	t.last = d.Round(time.Millisecond)
	return t.last
}

// NextPageDelay draws and records a 2x-4x scaled normal delay without sleeping.
func (t *HumanizedTimer) NextPageDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	multiplier := 2 + t.rng.Float64()*2
	t.last = time.Duration(float64(t.normalLocked()) * multiplier).Round(time.Millisecond)
	return t.last
}

// LastDelay returns the most recently drawn delay.
func (t *HumanizedTimer) LastDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Reset clears LastDelay.
func (t *HumanizedTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = 0
}

func (t *HumanizedTimer) uniformLocked(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(t.rng.Float64()*float64(hi-lo))
}

// normalLocked averages three uniform draws so delays cluster mid-range.
func (t *HumanizedTimer) normalLocked() time.Duration {
	bell := (t.rng.Float64() + t.rng.Float64() + t.rng.Float64()) / 3
	return t.cfg.MinDelay + time.Duration(bell*float64(t.cfg.MaxDelay-t.cfg.MinDelay))
}
