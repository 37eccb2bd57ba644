package platform

import (
	"strings"
	"time"
)

// Job is one listing returned by an adapter.
type Job struct {
	Platform      Platform          `json:"platform"`
	ID            string            `json:"id,omitempty"`
	Position      string            `json:"position"`
	Title         string            `json:"title,omitempty"`
	Company       string            `json:"company"`
	Location      string            `json:"location,omitempty"`
	URL           string            `json:"url,omitempty"`
	Salary        string            `json:"salary,omitempty"`
	ExperienceMin int               `json:"experience_min,omitempty"`
	ExperienceMax int               `json:"experience_max,omitempty"`
	TechStack     []string          `json:"tech_stack,omitempty"`
	PostedAt      time.Time         `json:"posted_at,omitzero"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// DedupKey collapses the same opening seen on several boards. Position falls
// back to Title when empty.
func (j Job) DedupKey() string {
	position := j.Position
	if position == "" {
		position = j.Title
	}
	return strings.ToLower(j.Company) + "|" + strings.ToLower(position)
}

// Dedup keeps the first job for every DedupKey, preserving order.
func Dedup(jobs []Job) []Job {
	if len(jobs) == 0 {
		return jobs
	}
	seen := make(map[string]struct{}, len(jobs))
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		key := j.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, j)
	}
	return out
}
