package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// DefaultPause is applied to a 429 that carries no Retry-After hint.
const DefaultPause = 60 * time.Second

// Profile is the admission policy for one key.
type Profile struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	BurstSize         int           `mapstructure:"burst_size"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	// DefaultPause is used when a 429 (or pausing 5xx) has no retry hint.
	DefaultPause       time.Duration `mapstructure:"default_pause"`
	PauseOnServerError bool          `mapstructure:"pause_on_server_error"`
}

// FallbackProfile applies to keys without a dedicated profile.
var FallbackProfile = Profile{RequestsPerMinute: 10, BurstSize: 2, Cooldown: 10 * time.Second, DefaultPause: DefaultPause}

// DefaultProfiles are conservative limits for the supported job boards.
var DefaultProfiles = map[string]Profile{
	"wanted":      {RequestsPerMinute: 20, BurstSize: 3, Cooldown: 5 * time.Second, DefaultPause: DefaultPause},
	"jobkorea":    {RequestsPerMinute: 15, BurstSize: 2, Cooldown: 8 * time.Second, DefaultPause: DefaultPause},
	"saramin":     {RequestsPerMinute: 15, BurstSize: 2, Cooldown: 8 * time.Second, DefaultPause: DefaultPause},
	"linkedin":    {RequestsPerMinute: 10, BurstSize: 2, Cooldown: 10 * time.Second, DefaultPause: DefaultPause},
	"remember":    {RequestsPerMinute: 20, BurstSize: 3, Cooldown: 5 * time.Second, DefaultPause: DefaultPause},
	"rocketpunch": {RequestsPerMinute: 15, BurstSize: 2, Cooldown: 8 * time.Second, DefaultPause: DefaultPause},
	"programmers": {RequestsPerMinute: 15, BurstSize: 2, Cooldown: 8 * time.Second, DefaultPause: DefaultPause},
	"jumpit":      {RequestsPerMinute: 20, BurstSize: 3, Cooldown: 5 * time.Second, DefaultPause: DefaultPause},
	"rallit":      {RequestsPerMinute: 20, BurstSize: 3, Cooldown: 5 * time.Second, DefaultPause: DefaultPause},
}

func (p Profile) withDefaults() Profile {
	if p.RequestsPerMinute <= 0 {
		p.RequestsPerMinute = FallbackProfile.RequestsPerMinute
	}
	if p.BurstSize <= 0 {
		p.BurstSize = 1
	}
	if p.Cooldown < 0 {
		p.Cooldown = 0
	}
	if p.DefaultPause <= 0 {
		p.DefaultPause = DefaultPause
	}
	return p
}

func (p Profile) refillRate() rate.Limit {
	return rate.Limit(float64(p.RequestsPerMinute) / windowSize.Seconds())
}
