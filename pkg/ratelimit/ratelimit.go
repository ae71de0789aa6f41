package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/log"
	"github.com/hivemesh/switchboard/pkg/metrics"
)

// pollInterval is how often the blocking helper retries the bucket.
const pollInterval = 10 * time.Millisecond

// Limiter holds one token bucket per agent. Buckets live in process memory
// only; a restart refills everyone.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	refill  rate.Limit
	burst   int
}

// New creates a limiter with the given refill rate and bucket capacity.
func New(refillPerSecond float64, capacity int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		refill:  rate.Limit(refillPerSecond),
		burst:   capacity,
	}
}

func (l *Limiter) bucket(agent string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[agent]
	if !ok {
		b = rate.NewLimiter(l.refill, l.burst)
		l.buckets[agent] = b
		log.Debug(fmt.Sprintf("Created token bucket for %s: %.2f/s, capacity %d", agent, float64(l.refill), l.burst))
	}
	return b
}

// Allow takes one token from the agent's bucket without blocking.
func (l *Limiter) Allow(agent string) bool {
	allowed := l.bucket(agent).Allow()
	if !allowed {
		metrics.RateLimited.Inc()
	}
	return allowed
}

// Charge is Allow expressed as the error the submit paths surface.
func (l *Limiter) Charge(agent string) error {
	if !l.Allow(agent) {
		return fmt.Errorf("%w: agent %s", errdefs.ErrRateLimited, agent)
	}
	return nil
}

// Wait blocks until a token is available or the timeout elapses, polling
// the bucket at most every 10ms. The context cancels the wait early.
func (l *Limiter) Wait(ctx context.Context, agent string, timeout time.Duration) error {
	if l.Allow(agent) {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if l.Allow(agent) {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("%w: agent %s after %s", errdefs.ErrRateLimited, agent, timeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: agent %s: %v", errdefs.ErrRateLimited, agent, ctx.Err())
		}
	}
}

// Cleanup drops all buckets when the map has grown past bound. Buckets are
// cheap; this only matters for very churny fleets.
func (l *Limiter) Cleanup(bound int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buckets) > bound {
		log.Info(fmt.Sprintf("Clearing token buckets (count: %d)", len(l.buckets)))
		l.buckets = make(map[string]*rate.Limiter)
	}
}
