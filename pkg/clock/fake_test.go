package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeNowAdvance(t *testing.T) {
	start := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	fake := NewFake(start)

	assert.Equal(t, start, fake.Now())

	fake.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), fake.Now())
	assert.Equal(t, 90*time.Second, fake.Since(start))
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))

	ch := fake.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before the clock advanced")
	default:
	}

	fake.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired one second early")
	default:
	}

	fake.Advance(time.Second)
	select {
	case at := <-ch:
		assert.Equal(t, time.Unix(5, 0), at)
	default:
		t.Fatal("did not fire at the deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := NewFake(time.Unix(100, 0))

	select {
	case <-fake.After(0):
	default:
		t.Fatal("zero duration should deliver immediately")
	}
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	// One advance spanning three intervals delivers at most one
	// buffered tick per pass, same drop-if-full behavior as
	// time.Ticker with a slow reader.
	fake.Advance(time.Second)
	require.Len(t, ticker.C, 1)
	<-ticker.C

	fake.Advance(time.Second)
	<-ticker.C

	ticker.Stop()
	fake.Advance(time.Minute)
	assert.Empty(t, ticker.C, "stopped ticker must not fire")
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))

	woke := make(chan struct{})
	go func() {
		fake.Sleep(3 * time.Second)
		close(woke)
	}()

	fake.BlockUntil(1)
	fake.Advance(3 * time.Second)

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeper never woke up")
	}
}

func TestFakePendingCount(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))

	assert.Equal(t, 0, fake.Pending())
	fake.After(time.Hour)
	fake.After(time.Hour)
	assert.Equal(t, 2, fake.Pending())

	fake.Advance(time.Hour)
	assert.Equal(t, 0, fake.Pending())
}
