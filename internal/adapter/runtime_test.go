package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

// fakeSource is a scriptable Adapter. The run callback receives the
// 1-based invocation number.
type fakeSource struct {
	name     string
	kind     Kind
	interval time.Duration
	run      func(ctx context.Context, sink Sink, n int) error

	mu   sync.Mutex
	runs int
}

func (f *fakeSource) Name() string            { return f.name }
func (f *fakeSource) Kind() Kind              { return f.kind }
func (f *fakeSource) Provider() string        { return f.name }
func (f *fakeSource) Interval() time.Duration { return f.interval }

func (f *fakeSource) Run(ctx context.Context, sink Sink) error {
	f.mu.Lock()
	f.runs++
	n := f.runs
	f.mu.Unlock()
	return f.run(ctx, sink, n)
}

func (f *fakeSource) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// sinkStub accumulates every delivered record across batches.
type sinkStub struct {
	mu      sync.Mutex
	bars    []models.PriceBar
	news    []models.NewsItem
	filings []models.Filing
	err     error
}

func (s *sinkStub) Bars(_ context.Context, _ string, bars []models.PriceBar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.bars = append(s.bars, bars...)
	return nil
}

func (s *sinkStub) News(_ context.Context, _ string, items []models.NewsItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.news = append(s.news, items...)
	return nil
}

func (s *sinkStub) Filings(_ context.Context, _ string, filings []models.Filing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.filings = append(s.filings, filings...)
	return nil
}

func (s *sinkStub) barCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bars)
}

func (s *sinkStub) allBars() []models.PriceBar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PriceBar(nil), s.bars...)
}

func (s *sinkStub) allNews() []models.NewsItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.NewsItem(nil), s.news...)
}

func (s *sinkStub) allFilings() []models.Filing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Filing(nil), s.filings...)
}

// metricsRecorder captures state transitions and counters; the rest of
// the Metrics surface is a no-op.
type metricsRecorder struct {
	mu     sync.Mutex
	states map[string][]string
	errors map[string]int
	drops  map[string]int
}

var _ repository.Metrics = (*metricsRecorder)(nil)

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{
		states: make(map[string][]string),
		errors: make(map[string]int),
		drops:  make(map[string]int),
	}
}

func (m *metricsRecorder) RecordAdapterState(name, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[name] = append(m.states[name], state)
}

func (m *metricsRecorder) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[kind]++
}

func (m *metricsRecorder) RecordDropped(source, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[source+"/"+reason]++
}

func (m *metricsRecorder) statesFor(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.states[name]...)
}

func (m *metricsRecorder) dropCount(source, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops[source+"/"+reason]
}

func (m *metricsRecorder) RecordIngested(source, kind string)                   {}
func (m *metricsRecorder) RecordAppendDuration(backend string, seconds float64) {}
func (m *metricsRecorder) RecordRateLimitWait(provider string, seconds float64) {}
func (m *metricsRecorder) RecordHubDrop()                                       {}
func (m *metricsRecorder) SetHubSubscribers(count int)                          {}
func (m *metricsRecorder) RecordLatency(op string, seconds float64)             {}

func newTestRuntime(t *testing.T, src Adapter, opts RuntimeOptions) (*Runtime, *clock.Fake, *metricsRecorder, *sinkStub) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))
	rec := newMetricsRecorder()
	sink := &sinkStub{}
	rt := NewRuntime(src, sink, opts, fake, logger.Nop(), rec)
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	return rt, fake, rec, sink
}

func waitForFailures(t *testing.T, rt *Runtime, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return rt.Status().Failures == want },
		2*time.Second, 2*time.Millisecond, "expected failure count to reach %d", want)
}

func TestPollRuntimeFlipsDegradedAtThreshold(t *testing.T) {
	src := &fakeSource{
		name: "flaky", kind: KindPoll, interval: time.Minute,
		run: func(context.Context, Sink, int) error { return errors.New("boom") },
	}
	rt, fake, rec, _ := newTestRuntime(t, src, RuntimeOptions{FailureThreshold: 3})

	rt.Start(context.Background())
	fake.BlockUntil(1) // poll ticker armed

	waitForFailures(t, rt, 1)
	require.Equal(t, StateStarting, rt.Status().State, "below the threshold the source keeps its state")

	fake.Advance(time.Minute)
	waitForFailures(t, rt, 2)
	fake.Advance(time.Minute)
	waitForFailures(t, rt, 3)

	st := rt.Status()
	require.Equal(t, StateDegraded, st.State)
	require.Equal(t, "boom", st.LastError)
	require.Equal(t, []string{"starting", "degraded"}, rec.statesFor("flaky"))

	// Degraded keeps retrying.
	fake.Advance(time.Minute)
	waitForFailures(t, rt, 4)
	require.Equal(t, StateDegraded, rt.Status().State)
}

func TestPollRuntimeRecoversAfterDegraded(t *testing.T) {
	src := &fakeSource{
		name: "flaky", kind: KindPoll, interval: time.Minute,
		run: func(_ context.Context, _ Sink, n int) error {
			if n <= 3 {
				return fmt.Errorf("refused %d", n)
			}
			return nil
		},
	}
	rt, fake, rec, _ := newTestRuntime(t, src, RuntimeOptions{FailureThreshold: 3})

	rt.Start(context.Background())
	fake.BlockUntil(1)
	waitForFailures(t, rt, 1)
	fake.Advance(time.Minute)
	waitForFailures(t, rt, 2)
	fake.Advance(time.Minute)
	waitForFailures(t, rt, 3)
	require.Equal(t, StateDegraded, rt.Status().State)

	fake.Advance(time.Minute)
	require.Eventually(t, func() bool { return rt.Status().State == StateRunning },
		2*time.Second, 2*time.Millisecond, "one clean cycle must restore Running")

	st := rt.Status()
	require.Zero(t, st.Failures)
	require.Empty(t, st.LastError)
	require.NotNil(t, st.LastSuccess)
	require.Equal(t, []string{"starting", "degraded", "running"}, rec.statesFor("flaky"))
}

func TestStreamRuntimeBacksOffBetweenReconnects(t *testing.T) {
	src := &fakeSource{
		name: "feed", kind: KindStream,
		run: func(context.Context, Sink, int) error { return errors.New("dial refused") },
	}
	opts := RuntimeOptions{
		Backoff:          Backoff{Base: time.Second, Cap: 8 * time.Second, Rand: func(int64) int64 { return 0 }},
		FailureThreshold: 5,
	}
	rt, fake, _, _ := newTestRuntime(t, src, opts)

	rt.Start(context.Background())

	// First attempt fails immediately; the loop parks on the 500ms
	// backoff wait.
	fake.BlockUntil(1)
	require.Equal(t, 1, src.runCount())

	fake.Advance(500 * time.Millisecond)
	waitForFailures(t, rt, 2)
	fake.BlockUntil(1)

	fake.Advance(time.Second)
	waitForFailures(t, rt, 3)
	require.Equal(t, 3, src.runCount(), "every dropped connection counts")
}

func TestStreamDeliveryRestoresRunningViaSink(t *testing.T) {
	src := &fakeSource{
		name: "feed", kind: KindStream,
		run: func(ctx context.Context, sink Sink, n int) error {
			if n == 1 {
				return errors.New("dial refused")
			}
			if err := sink.Bars(ctx, "feed", make([]models.PriceBar, 2)); err != nil {
				return err
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}
	opts := RuntimeOptions{Backoff: Backoff{Base: time.Second, Cap: time.Second, Rand: func(int64) int64 { return 0 }}}
	rt, fake, _, sink := newTestRuntime(t, src, opts)

	rt.Start(context.Background())
	fake.BlockUntil(1)
	waitForFailures(t, rt, 1)

	fake.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return rt.Status().State == StateRunning },
		2*time.Second, 2*time.Millisecond, "a delivered batch must mark the stream healthy")
	require.Zero(t, rt.Status().Failures)
	require.Equal(t, 2, sink.barCount())
}

func TestStopDisablesAndIsIdempotent(t *testing.T) {
	src := &fakeSource{
		name: "poller", kind: KindPoll, interval: time.Minute,
		run: func(ctx context.Context, _ Sink, _ int) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	rt, _, rec, _ := newTestRuntime(t, src, RuntimeOptions{})

	rt.Start(context.Background())
	require.Eventually(t, func() bool { return src.runCount() == 1 }, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, rt.Stop(context.Background()))
	require.Equal(t, StateDisabled, rt.Status().State)
	require.Equal(t, []string{"starting", "stopping", "disabled"}, rec.statesFor("poller"))

	require.NoError(t, rt.Stop(context.Background()), "stopping a stopped source is a no-op")
}

func TestStartTwiceRunsOneLoop(t *testing.T) {
	src := &fakeSource{
		name: "poller", kind: KindPoll, interval: time.Minute,
		run: func(ctx context.Context, _ Sink, _ int) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	rt, fake, _, _ := newTestRuntime(t, src, RuntimeOptions{})

	rt.Start(context.Background())
	rt.Start(context.Background())

	fake.BlockUntil(1)
	require.Eventually(t, func() bool { return src.runCount() == 1 }, 2*time.Second, 2*time.Millisecond)
	require.Equal(t, 1, fake.Pending(), "a second Start must not arm a second poll ticker")
}

func TestStopUnblocksStreamInBackoffWait(t *testing.T) {
	src := &fakeSource{
		name: "feed", kind: KindStream,
		run: func(context.Context, Sink, int) error { return errors.New("dial refused") },
	}
	opts := RuntimeOptions{Backoff: Backoff{Base: time.Hour, Cap: time.Hour, Rand: func(int64) int64 { return 0 }}}
	rt, fake, _, _ := newTestRuntime(t, src, opts)

	rt.Start(context.Background())
	fake.BlockUntil(1) // parked on a 30m backoff wait

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Stop(ctx), "Stop must not wait out the backoff")
	require.Equal(t, StateDisabled, rt.Status().State)
}
