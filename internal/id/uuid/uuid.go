// Package uuid mints time-ordered identifiers for crawl tasks and pooled
// resources.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings, optionally prefixed so ids from
// different subsystems are easy to tell apart in logs.
type Generator struct {
	prefix string
}

// New returns a Generator producing bare UUIDv7 strings.
func New() *Generator {
	return &Generator{}
}

// NewPrefixed returns a Generator producing "<prefix>-<uuid7>" strings.
func NewPrefixed(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns the next id.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.format(id), nil
}

// MustNewID is NewID falling back to a random v4 id when the v7 source
// fails. Ordering is lost in that case; uniqueness is not.
func (g Generator) MustNewID() string {
	id, err := g.NewID()
	if err != nil {
		return g.format(uuid.New())
	}
	return id
}

func (g Generator) format(id uuid.UUID) string {
	if g.prefix == "" {
		return id.String()
	}
	return g.prefix + "-" + id.String()
}

// MustNewID returns a bare UUIDv7 string. Task ids use it so they fit a
// uuid column.
func MustNewID() string {
	return Generator{}.MustNewID()
}
