package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func (p *Pool[T]) healthLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.CheckHealth(context.Background())
		}
	}
}

// CheckHealth runs one eviction pass over idle resources: entries older than
// MaxAge, idle longer than IdleTimeout (while keeping MinSize), or failing
// validation are destroyed. It returns the number of evicted resources.
func (p *Pool[T]) CheckHealth(ctx context.Context) int {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return 0
	}
	now := p.now()
	size := p.sizeLocked()
	var (
		evicted []*Resource[T]
		check   []*Resource[T]
	)
	for _, res := range p.idle {
		switch {
		case p.expired(res):
			evicted = append(evicted, res)
			size--
		case now.Sub(res.LastUsedAt) > p.cfg.IdleTimeout && size > p.cfg.MinSize:
			evicted = append(evicted, res)
			size--
		default:
			check = append(check, res)
		}
	}
	p.idle = nil
	p.pending += len(check)
	p.mu.Unlock()

	var healthy []*Resource[T]
	for _, res := range check {
		if p.cfg.Validate != nil && !p.cfg.Validate(ctx, res.Value) {
			evicted = append(evicted, res)
			continue
		}
		healthy = append(healthy, res)
	}

	p.mu.Lock()
	p.pending -= len(check)
	for _, res := range healthy {
		if p.draining {
			evicted = append(evicted, res)
			continue
		}
		if !p.deliverLocked(res) {
			p.idle = append(p.idle, res)
		}
	}
	p.mu.Unlock()

	for _, res := range evicted {
		p.destroyResource(res)
	}
	if len(evicted) > 0 {
		p.logger.Debug("pool health check evicted resources", zap.Int("evicted", len(evicted)))
		p.fillWaiters()
	}
	p.topUp(ctx)
	p.emit(Event{Type: EventHealthCheck, Evicted: len(evicted)})
	return len(evicted)
}

// topUp creates idle resources until MinSize is met.
func (p *Pool[T]) topUp(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.draining || p.sizeLocked() >= p.cfg.MinSize {
			p.mu.Unlock()
			return
		}
		p.pending++
		p.mu.Unlock()

		res, err := p.create(ctx)
		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			return
		}
		if !p.deliverLocked(res) {
			p.idle = append(p.idle, res)
		}
		p.mu.Unlock()
	}
}
