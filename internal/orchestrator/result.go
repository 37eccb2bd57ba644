package orchestrator

import (
	"time"

	"github.com/JakeFAU/jobcrawl/internal/platform"
	"github.com/JakeFAU/jobcrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/jobcrawl/internal/pool"
	"github.com/JakeFAU/jobcrawl/internal/progress"
)

// Status is a platform's outcome within a batch.
type Status string

// Platform outcomes.
const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// ErrorInfo describes one failed platform.
type ErrorInfo struct {
	Platform platform.Platform `json:"platform"`
	Message  string            `json:"message"`
	// Code is the HTTP-style status (500 when the adapter gave none).
	Code int  `json:"code"`
	Kind Code `json:"kind"`
}

// PlatformSummary is the per-platform line of a Result.
type PlatformSummary struct {
	Status   Status        `json:"status"`
	JobCount int           `json:"job_count"`
	Duration time.Duration `json:"duration"`
	Error    *ErrorInfo    `json:"error,omitempty"`
}

// Metrics is a point-in-time view of the orchestrator's collaborators.
type Metrics struct {
	RateLimiter map[string]ratelimit.KeyMetrics `json:"rate_limiter"`
	Progress    progress.Overall                `json:"progress"`
	Pool        *pool.Metrics                   `json:"pool,omitempty"`
}

// Result aggregates one batch.
type Result struct {
	Jobs      []platform.Job                        `json:"jobs"`
	TotalJobs int                                   `json:"total_jobs"`
	Platforms map[platform.Platform]PlatformSummary `json:"platforms"`
	Errors    []ErrorInfo                           `json:"errors"`
	HasErrors bool                                  `json:"has_errors"`
	Metrics   Metrics                               `json:"metrics"`
}

type outcome struct {
	platform platform.Platform
	status   Status
	jobs     []platform.Job
	duration time.Duration
	err      *ErrorInfo
}

// aggregate keeps request order so the first occurrence of a duplicate is
// the one from the earliest requested platform.
func (o *Orchestrator) aggregate(outcomes []outcome, dedup bool) Result {
	res := Result{
		Jobs:      []platform.Job{},
		Platforms: make(map[platform.Platform]PlatformSummary, len(outcomes)),
		Errors:    []ErrorInfo{},
	}
	for _, out := range outcomes {
		res.Platforms[out.platform] = PlatformSummary{
			Status:   out.status,
			JobCount: len(out.jobs),
			Duration: out.duration,
			Error:    out.err,
		}
		if out.status == StatusSuccess {
			res.Jobs = append(res.Jobs, out.jobs...)
		}
		if out.err != nil {
			res.Errors = append(res.Errors, *out.err)
		}
	}
	if dedup {
		res.Jobs = platform.Dedup(res.Jobs)
	}
	res.TotalJobs = len(res.Jobs)
	res.HasErrors = len(res.Errors) > 0
	res.Metrics = o.Metrics()
	return res
}
