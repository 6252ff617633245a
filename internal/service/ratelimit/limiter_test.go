package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPull/internal/domain/repository"
	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

// waitRecorder captures rate limit wait observations; the rest of the
// Metrics surface is a no-op.
type waitRecorder struct {
	mu    sync.Mutex
	waits map[string][]float64
}

var _ repository.Metrics = (*waitRecorder)(nil)

func newWaitRecorder() *waitRecorder {
	return &waitRecorder{waits: make(map[string][]float64)}
}

func (r *waitRecorder) RecordRateLimitWait(provider string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits[provider] = append(r.waits[provider], seconds)
}

func (r *waitRecorder) waitsFor(provider string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.waits[provider]...)
}

func (r *waitRecorder) RecordIngested(source, kind string)                   {}
func (r *waitRecorder) RecordDropped(source, reason string)                  {}
func (r *waitRecorder) RecordError(kind string)                              {}
func (r *waitRecorder) RecordAppendDuration(backend string, seconds float64) {}
func (r *waitRecorder) RecordAdapterState(name, state string)                {}
func (r *waitRecorder) RecordHubDrop()                                       {}
func (r *waitRecorder) SetHubSubscribers(count int)                          {}
func (r *waitRecorder) RecordLatency(op string, seconds float64)             {}

func newTestLimiter(t *testing.T) (*Limiter, *clock.Fake, *waitRecorder) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))
	rec := newWaitRecorder()
	return New(fake, logger.Nop(), rec), fake, rec
}

func TestAcquireConsumesUntilEmpty(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	limiter.Register("finnhub", 3, 1.0)

	for i := 0; i < 3; i++ {
		assert.Equal(t, time.Duration(0), limiter.Acquire("finnhub"), "token %d", i+1)
	}

	// The empty bucket hands back a wait hint without consuming, so
	// asking twice yields the same hint.
	first := limiter.Acquire("finnhub")
	second := limiter.Acquire("finnhub")
	assert.Equal(t, time.Second, first)
	assert.Equal(t, first, second)
}

func TestBlockingAcquireWaitsExactlyOneRefill(t *testing.T) {
	limiter, fake, rec := newTestLimiter(t)
	limiter.Register("finnhub", 60, 1.0)

	for i := 0; i < 60; i++ {
		require.Equal(t, time.Duration(0), limiter.Acquire("finnhub"))
	}

	start := fake.Now()
	done := make(chan error, 1)
	go func() {
		done <- limiter.AcquireBlocking(context.Background(), "finnhub")
	}()

	fake.BlockUntil(1)
	select {
	case <-done:
		t.Fatal("61st call went through an empty bucket")
	default:
	}

	fake.Advance(time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking acquire never woke up")
	}
	assert.Equal(t, time.Second, fake.Since(start))

	// The 61st call had to wait a full refill, and that wait landed in
	// the metrics.
	waits := rec.waitsFor("finnhub")
	require.Len(t, waits, 1)
	assert.Equal(t, 1.0, waits[0])
}

func TestBlockingAcquireImmediateGrantRecordsNoWait(t *testing.T) {
	limiter, _, rec := newTestLimiter(t)
	limiter.Register("finnhub", 60, 1.0)

	require.NoError(t, limiter.AcquireBlocking(context.Background(), "finnhub"))
	assert.Empty(t, rec.waitsFor("finnhub"))
}

func TestBlockingAcquireHonorsContext(t *testing.T) {
	limiter, fake, _ := newTestLimiter(t)
	limiter.Register("edgar", 1, 0.5)
	require.Equal(t, time.Duration(0), limiter.Acquire("edgar"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- limiter.AcquireBlocking(ctx, "edgar")
	}()

	fake.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not unblock the acquire")
	}
}

func TestRefillClampsAtCapacity(t *testing.T) {
	limiter, fake, _ := newTestLimiter(t)
	limiter.Register("finnhub", 3, 1.0)

	limiter.Acquire("finnhub")
	limiter.Acquire("finnhub")
	fake.Advance(time.Hour)

	statuses := limiter.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, 3.0, statuses[0].Tokens, "an idle hour must not bank more than capacity")
}

func TestUnregisteredProviderAllowed(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)

	for i := 0; i < 100; i++ {
		assert.Equal(t, time.Duration(0), limiter.Acquire("mystery"))
	}
}

func TestRegisterAgainClampsTokens(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	limiter.Register("finnhub", 10, 1.0)

	for i := 0; i < 4; i++ {
		limiter.Acquire("finnhub")
	}

	limiter.Register("finnhub", 5, 2.0)
	statuses := limiter.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, 5.0, statuses[0].Capacity)
	assert.Equal(t, 2.0, statuses[0].RefillPerSec)
	assert.Equal(t, 5.0, statuses[0].Tokens, "surviving tokens clamp to the new capacity")
}

func TestWaitHintRoundsUpToMillisecond(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	limiter.Register("newsapi", 1, 3.0)
	require.Equal(t, time.Duration(0), limiter.Acquire("newsapi"))

	// One token at 3/s accrues in 333.3ms; the hint must not be a
	// hair short of it.
	hint := limiter.Acquire("newsapi")
	assert.Equal(t, 334*time.Millisecond, hint)
}

func TestStatusSortedByProvider(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	limiter.Register("newsapi", 60, 1.0)
	limiter.Register("edgar", 10, 1.0/6.0)
	limiter.Register("finnhub", 60, 1.0)

	statuses := limiter.Status()
	require.Len(t, statuses, 3)
	assert.Equal(t, "edgar", statuses[0].Provider)
	assert.Equal(t, "finnhub", statuses[1].Provider)
	assert.Equal(t, "newsapi", statuses[2].Provider)
}
