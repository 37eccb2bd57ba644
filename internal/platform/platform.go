// Package platform defines the supported job boards, the Job record adapters
// return, and the Adapter contract the orchestrator drives.
package platform

import (
	"fmt"
	"strings"
)

// Platform identifies one supported job board.
type Platform string

// Supported platforms.
const (
	Wanted      Platform = "wanted"
	JobKorea    Platform = "jobkorea"
	Saramin     Platform = "saramin"
	LinkedIn    Platform = "linkedin"
	Remember    Platform = "remember"
	RocketPunch Platform = "rocketpunch"
	Programmers Platform = "programmers"
	Jumpit      Platform = "jumpit"
	Rallit      Platform = "rallit"
)

// All lists every supported platform in registration order.
var All = []Platform{Wanted, JobKorea, Saramin, LinkedIn, Remember, RocketPunch, Programmers, Jumpit, Rallit}

var known = func() map[Platform]struct{} {
	m := make(map[Platform]struct{}, len(All))
	for _, p := range All {
		m[p] = struct{}{}
	}
	return m
}()

// Parse normalizes s (trimmed, lower-cased) and reports whether it names a
// supported platform.
func Parse(s string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	_, ok := known[p]
	return p, ok
}

// MustParse is Parse that panics on unknown input. Intended for tests and
// static tables.
func MustParse(s string) Platform {
	p, ok := Parse(s)
	if !ok {
		panic(fmt.Sprintf("platform: unknown platform %q", s))
	}
	return p
}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	_, ok := known[p]
	return ok
}

func (p Platform) String() string { return string(p) }

// Names returns the supported platform identifiers.
func Names() []string {
	out := make([]string, len(All))
	for i, p := range All {
		out[i] = string(p)
	}
	return out
}
