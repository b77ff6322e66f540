package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	evictEvery   = 10 * time.Minute
	evictMaxIdle = time.Hour
)

// BreakerRegistry is the eviction surface of circuitbreaker.Registry.
type BreakerRegistry interface {
	EvictStale(cutoff time.Time) int
}

// BreakerEvictor periodically drops circuit breakers for providers that have
// seen no traffic, bounding memory on long-running processes.
type BreakerEvictor struct {
	breakers BreakerRegistry
}

// NewBreakerEvictor creates an evictor over the given registry.
func NewBreakerEvictor(breakers BreakerRegistry) *BreakerEvictor {
	return &BreakerEvictor{breakers: breakers}
}

// Name returns the worker identifier.
func (e *BreakerEvictor) Name() string { return "breaker_evictor" }

// Run evicts idle breakers until ctx is cancelled.
func (e *BreakerEvictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(evictEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := e.breakers.EvictStale(time.Now().Add(-evictMaxIdle)); n > 0 {
				slog.Debug("evicted idle circuit breakers", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
