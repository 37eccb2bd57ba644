package platform

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrBlocked marks a response that was a bot challenge rather than content.
var ErrBlocked = errors.New("blocked by bot challenge")

// Error is a platform failure carrying the HTTP status and any retry hint.
type Error struct {
	Platform   Platform
	StatusCode int
	// RetryAfter is zero when the server gave no hint.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Platform != "" {
		b.WriteString(string(e.Platform))
		b.WriteString(": ")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "status %d", e.StatusCode)
		if e.Err != nil {
			b.WriteString(": ")
		}
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status from err, defaulting to 500.
func StatusCode(err error) int {
	var pe *Error
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		return pe.StatusCode
	}
	return http.StatusInternalServerError
}

// RetryAfter extracts the retry hint from err, or zero.
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// Throttled reports whether err means the platform wants the crawler to back
// off: a 429 or a bot challenge.
func Throttled(err error) bool {
	if errors.Is(err, ErrBlocked) {
		return true
	}
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusTooManyRequests
}

// ParseRetryAfter reads a Retry-After header given as delta seconds or an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}
