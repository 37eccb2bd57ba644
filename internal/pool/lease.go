package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type leaseKey[T any] struct{}

// NewContext returns a copy of ctx carrying a leased resource.
func NewContext[T any](ctx context.Context, value T) context.Context {
	return context.WithValue(ctx, leaseKey[T]{}, value)
}

// FromContext returns the resource of type T leased into ctx, if any.
func FromContext[T any](ctx context.Context) (T, bool) {
	v, ok := ctx.Value(leaseKey[T]{}).(T)
	return v, ok
}

// Lease acquires a resource and attaches it to the returned context so code
// further down the call chain can reach it with FromContext. The release
// function returns the resource to the pool and is safe to call more than once.
func (p *Pool[T]) Lease(ctx context.Context) (context.Context, func(), error) {
	value, err := p.Acquire(ctx)
	if err != nil {
		return ctx, func() {}, err
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := p.Release(value); err != nil {
				p.logger.Debug("lease release", zap.Error(err))
			}
		})
	}
	return NewContext(ctx, value), release, nil
}
