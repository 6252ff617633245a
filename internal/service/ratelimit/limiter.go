package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"MarketPull/internal/domain/repository"
	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

// bucket is a token bucket with continuous refill. Tokens accrue at
// refill per second up to capacity; one token pays for one upstream
// request.
type bucket struct {
	tokens   float64
	capacity float64
	refill   float64 // tokens per second
	last     time.Time
}

// refillTo accrues tokens for the time elapsed since the last refill.
func (b *bucket) refillTo(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// Limiter meters outbound provider calls with one token bucket per
// provider. Buckets are registered from config at startup; a provider
// without a bucket is let through with a one-time warning so a config
// gap degrades to unlimited rather than to an outage.
type Limiter struct {
	clk     clock.Clock
	lgr     *logger.Logger
	metrics repository.Metrics

	mu      sync.Mutex
	buckets map[string]*bucket
	warned  map[string]bool
}

// ProviderStatus is a point-in-time snapshot of one bucket.
type ProviderStatus struct {
	Provider     string
	Capacity     float64
	RefillPerSec float64
	Tokens       float64
}

func New(clk clock.Clock, lgr *logger.Logger, m repository.Metrics) *Limiter {
	return &Limiter{
		clk:     clk,
		lgr:     lgr,
		metrics: m,
		buckets: make(map[string]*bucket),
		warned:  make(map[string]bool),
	}
}

// Register creates or replaces the bucket for a provider. New buckets
// start full. Re-registering keeps accrued tokens, clamped to the new
// capacity. Nonpositive capacity or refill is rejected, leaving the
// provider unmetered.
func (l *Limiter) Register(provider string, capacity, refillPerSec float64) {
	if capacity <= 0 || refillPerSec <= 0 {
		l.lgr.Warn("ignoring rate limit registration with nonpositive bounds",
			logger.String("provider", provider),
			logger.Float64("capacity", capacity),
			logger.Float64("refill_per_sec", refillPerSec))
		return
	}

	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[provider]
	if !ok {
		l.buckets[provider] = &bucket{
			tokens:   capacity,
			capacity: capacity,
			refill:   refillPerSec,
			last:     now,
		}
		return
	}

	b.refillTo(now)
	b.capacity = capacity
	b.refill = refillPerSec
	if b.tokens > capacity {
		b.tokens = capacity
	}
}

// Acquire consumes one token for the provider and returns 0. When the
// bucket is empty it consumes nothing and returns how long to wait
// until a full token has accrued. Unknown providers are allowed
// through.
func (l *Limiter) Acquire(provider string) time.Duration {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[provider]
	if !ok {
		if !l.warned[provider] {
			l.warned[provider] = true
			l.lgr.Warn("no rate limit bucket for provider, allowing",
				logger.String("provider", provider))
		}
		return 0
	}

	b.refillTo(now)
	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	return waitFor(1-b.tokens, b.refill)
}

// AcquireBlocking waits until a token is available and consumes it.
// Returns only the context's error, and only when the context ends
// first. Completed waits are recorded per provider; an immediate grant
// records nothing.
func (l *Limiter) AcquireBlocking(ctx context.Context, provider string) error {
	start := l.clk.Now()
	waited := false
	for {
		wait := l.Acquire(provider)
		if wait == 0 {
			if waited {
				l.metrics.RecordRateLimitWait(provider, l.clk.Since(start).Seconds())
			}
			return nil
		}
		waited = true
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clk.After(wait):
		}
	}
}

// Status reports all registered buckets, refilled to now, sorted by
// provider name.
func (l *Limiter) Status() []ProviderStatus {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	statuses := make([]ProviderStatus, 0, len(l.buckets))
	for provider, b := range l.buckets {
		b.refillTo(now)
		statuses = append(statuses, ProviderStatus{
			Provider:     provider,
			Capacity:     b.capacity,
			RefillPerSec: b.refill,
			Tokens:       b.tokens,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Provider < statuses[j].Provider })
	return statuses
}

// waitFor converts a token deficit into a wall-clock wait, rounded up
// to the millisecond so a caller sleeping the hint never wakes short.
func waitFor(missing, refillPerSec float64) time.Duration {
	d := time.Duration(missing / refillPerSec * float64(time.Second))
	if rem := d % time.Millisecond; rem != 0 {
		d += time.Millisecond - rem
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
