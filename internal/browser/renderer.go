package browser

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/fetcher"
	"github.com/JakeFAU/jobcrawl/internal/pool"
)

// SessionPool is the slice of *pool.Pool[*Session] the renderer needs.
type SessionPool interface {
	Acquire(ctx context.Context) (*Session, error)
	Release(s *Session) error
	Destroy(s *Session) error
}

var _ SessionPool = (*pool.Pool[*Session])(nil)

// Renderer fetches pages in pooled browsers. A session already leased into
// the context by the orchestrator is used directly; otherwise one is
// borrowed from the pool for the single fetch.
type Renderer struct {
	pool   SessionPool
	logger *zap.Logger
}

// NewRenderer builds a Renderer over p.
func NewRenderer(p SessionPool, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{pool: p, logger: logger}
}

// Render fetches req in a browser.
func (r *Renderer) Render(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	if s, ok := pool.FromContext[*Session](ctx); ok && !s.Closed() {
		return s.Fetch(ctx, req)
	}
	if r.pool == nil {
		return fetcher.Response{}, errors.New("render: no browser pool configured")
	}
	s, err := r.pool.Acquire(ctx)
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("render: acquire browser: %w", err)
	}
	resp, err := s.Fetch(ctx, req)
	if err != nil && ctx.Err() == nil {
		// A failed navigation usually means a wedged tab; do not hand it on.
		if derr := r.pool.Destroy(s); derr != nil {
			r.logger.Warn("destroy browser session", zap.Error(derr))
		}
		return fetcher.Response{}, err
	}
	if rerr := r.pool.Release(s); rerr != nil {
		r.logger.Warn("release browser session", zap.Error(rerr))
	}
	return resp, err
}
