package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 8 * time.Second, Rand: func(int64) int64 { return 0 }}

	require.Equal(t, 500*time.Millisecond, b.Next(1))
	require.Equal(t, time.Second, b.Next(2))
	require.Equal(t, 2*time.Second, b.Next(3))
	require.Equal(t, 4*time.Second, b.Next(4))
	require.Equal(t, 4*time.Second, b.Next(5), "past the cap every delay is half of Cap plus jitter")
	require.Equal(t, 4*time.Second, b.Next(200), "the delay is capped even though the attempt counter is not")
}

func TestBackoffJitterSpansUpperHalf(t *testing.T) {
	low := Backoff{Base: time.Second, Cap: time.Minute, Rand: func(int64) int64 { return 0 }}
	high := Backoff{Base: time.Second, Cap: time.Minute, Rand: func(n int64) int64 { return n - 1 }}

	// Attempt 3 doubles to 4s; the jitter window is [2s, 4s).
	require.Equal(t, 2*time.Second, low.Next(3))
	require.Equal(t, 4*time.Second-time.Nanosecond, high.Next(3))
}

func TestBackoffZeroValueUsesDefaults(t *testing.T) {
	var b Backoff

	d := b.Next(1)
	require.GreaterOrEqual(t, d, 500*time.Millisecond)
	require.Less(t, d, time.Second)

	d = b.Next(1000)
	require.GreaterOrEqual(t, d, 150*time.Second, "huge attempts must land in the capped window")
	require.Less(t, d, 5*time.Minute)
}
