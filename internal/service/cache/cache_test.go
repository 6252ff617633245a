package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

// brokenTier fails every call, standing in for an unreachable redis.
type brokenTier struct {
	mu     sync.Mutex
	reads  int
	writes int
}

func (b *brokenTier) GetBytes(context.Context, string) ([]byte, bool, error) {
	b.mu.Lock()
	b.reads++
	b.mu.Unlock()
	return nil, false, errors.New("connection refused")
}

func (b *brokenTier) SetBytes(context.Context, string, []byte, time.Duration) error {
	b.mu.Lock()
	b.writes++
	b.mu.Unlock()
	return errors.New("connection refused")
}

func (b *brokenTier) Close() error { return nil }

func newTestMemory(t *testing.T, clk clock.Clock, opts ...MemoryOption) *Memory {
	t.Helper()
	m := NewMemory(clk, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMemoryTierExpiresWithClock(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	m := newTestMemory(t, fake)
	ctx := context.Background()

	require.NoError(t, m.SetBytes(ctx, "bars:AAPL", []byte(`[1,2]`), 30*time.Second))

	_, ok, err := m.GetBytes(ctx, "bars:AAPL")
	require.NoError(t, err)
	require.True(t, ok)

	fake.Advance(31 * time.Second)
	_, ok, err = m.GetBytes(ctx, "bars:AAPL")
	require.NoError(t, err)
	require.False(t, ok, "an entry past its TTL must read as a miss")
}

func TestMemoryTierEvictsLeastRecentlyTouched(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	m := newTestMemory(t, fake, WithMaxEntries(2))
	ctx := context.Background()

	require.NoError(t, m.SetBytes(ctx, "a", []byte("1"), 0))
	fake.Advance(time.Second)
	require.NoError(t, m.SetBytes(ctx, "b", []byte("2"), 0))
	fake.Advance(time.Second)

	// Touch a so b becomes the eviction candidate.
	_, ok, err := m.GetBytes(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	fake.Advance(time.Second)

	require.NoError(t, m.SetBytes(ctx, "c", []byte("3"), 0))

	_, ok, _ = m.GetBytes(ctx, "a")
	require.True(t, ok)
	_, ok, _ = m.GetBytes(ctx, "b")
	require.False(t, ok, "the least recently touched entry must make room")
	_, ok, _ = m.GetBytes(ctx, "c")
	require.True(t, ok)
}

func TestThroughLoadsOnceUntilExpiry(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	c := New(30*time.Second, logger.Nop(), newTestMemory(t, fake))
	ctx := context.Background()

	loads := 0
	load := func(context.Context) ([]string, error) {
		loads++
		return []string{"AAPL", "MSFT"}, nil
	}

	got, err := Through(ctx, c, Key("symbols", "active"), load)
	require.NoError(t, err)
	require.Equal(t, []string{"AAPL", "MSFT"}, got)
	require.Equal(t, 1, loads)

	got, err = Through(ctx, c, Key("symbols", "active"), load)
	require.NoError(t, err)
	require.Equal(t, []string{"AAPL", "MSFT"}, got)
	require.Equal(t, 1, loads, "a warm key must be served from the cache")

	fake.Advance(time.Minute)
	_, err = Through(ctx, c, Key("symbols", "active"), load)
	require.NoError(t, err)
	require.Equal(t, 2, loads, "an expired key must hit the loader again")
}

func TestThroughSurfacesLoaderErrorWithoutCaching(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	c := New(30*time.Second, logger.Nop(), newTestMemory(t, fake))

	loads := 0
	boom := errors.New("sqlite locked")
	load := func(context.Context) (int, error) {
		loads++
		if loads == 1 {
			return 0, boom
		}
		return 7, nil
	}

	_, err := Through(context.Background(), c, "count", load)
	require.ErrorIs(t, err, boom)

	got, err := Through(context.Background(), c, "count", load)
	require.NoError(t, err)
	require.Equal(t, 7, got, "a failed load must not poison the key")
	require.Equal(t, 2, loads)
}

func TestGetBackfillsUpperTier(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	upper := newTestMemory(t, fake)
	lower := newTestMemory(t, fake)
	c := New(30*time.Second, logger.Nop(), upper, lower)
	ctx := context.Background()

	require.NoError(t, lower.SetBytes(ctx, "news:AAPL", []byte(`["x"]`), time.Minute))

	var got []string
	require.True(t, c.Get(ctx, "news:AAPL", &got))
	require.Equal(t, []string{"x"}, got)

	_, ok, err := upper.GetBytes(ctx, "news:AAPL")
	require.NoError(t, err)
	require.True(t, ok, "a deep hit must be copied into the tier above it")
}

func TestFailingTierDegradesToMiss(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	broken := &brokenTier{}
	mem := newTestMemory(t, fake)
	c := New(30*time.Second, logger.Nop(), broken, mem)
	ctx := context.Background()

	loads := 0
	load := func(context.Context) (string, error) {
		loads++
		return "ok", nil
	}

	got, err := Through(ctx, c, "health", load)
	require.NoError(t, err, "a broken tier must not fail the query")
	require.Equal(t, "ok", got)
	require.Equal(t, 1, loads)

	got, err = Through(ctx, c, "health", load)
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, 1, loads, "the healthy tier must still absorb repeat loads")
}

func TestKeyJoinsParts(t *testing.T) {
	require.Equal(t, "bars:AAPL:1m:100", Key("bars", "AAPL", "1m", 100))
}
