package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/JakeFAU/jobcrawl/internal/platform"
	"github.com/JakeFAU/jobcrawl/internal/pool"
)

// Code classifies a crawl failure.
type Code string

// Error codes.
const (
	CodeInvalidInput   Code = "INVALID_INPUT"
	CodeAcquireTimeout Code = "ACQUIRE_TIMEOUT"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodePlatformError  Code = "PLATFORM_ERROR"
	CodeCancelled      Code = "CANCELLED"
)

// ErrShutdown is returned by Crawl after Shutdown.
var ErrShutdown = errors.New("orchestrator: shut down")

// Error is a classified failure. errors.Is matches any *Error with the same
// Code, so callers can test with errors.Is(err, &Error{Code: CodeInvalidInput}).
type Error struct {
	Code     Code
	Platform platform.Platform
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Platform != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Platform, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the Code for err, or "" when err is nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	switch {
	case errors.Is(err, pool.ErrAcquireTimeout):
		return CodeAcquireTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, pool.ErrDraining):
		return CodeCancelled
	case platform.StatusCode(err) == http.StatusTooManyRequests:
		return CodeRateLimited
	default:
		return CodePlatformError
	}
}
