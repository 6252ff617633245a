package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

// DefaultFailureThreshold is how many consecutive failures flip a
// source from Running to Degraded.
const DefaultFailureThreshold = 5

// Runtime drives one adapter through its lifecycle. Polling adapters
// run a cycle per tick; streaming adapters are restarted with backoff
// every time their connection ends. Failures are counted, never fatal:
// a degraded source keeps retrying until it is stopped.
type Runtime struct {
	adapter   Adapter
	sink      Sink
	clk       clock.Clock
	lgr       *logger.Logger
	metrics   repository.Metrics
	backoff   Backoff
	threshold int

	mu       sync.Mutex
	state    State
	failures int
	lastErr  error
	lastOK   time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// RuntimeOptions tune one source runtime. Zero values fall back to
// DefaultBackoff and DefaultFailureThreshold.
type RuntimeOptions struct {
	Backoff          Backoff
	FailureThreshold int
}

func NewRuntime(a Adapter, sink Sink, opts RuntimeOptions, clk clock.Clock, lgr *logger.Logger, metrics repository.Metrics) *Runtime {
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Runtime{
		adapter:   a,
		sink:      sink,
		clk:       clk,
		lgr:       lgr,
		metrics:   metrics,
		backoff:   opts.Backoff, // Next applies its own defaults
		threshold: threshold,
		state:     StateDisabled,
	}
}

// Name returns the driven adapter's name.
func (r *Runtime) Name() string { return r.adapter.Name() }

// Start launches the drive loop. Starting an already started runtime
// is a no-op.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = StateStarting
	r.failures = 0
	r.lastErr = nil
	done := r.done
	r.mu.Unlock()

	r.setStateMetric(StateStarting)
	r.lgr.Info("source starting",
		logger.String("source", r.adapter.Name()),
		logger.String("kind", string(r.adapter.Kind())))

	go func() {
		defer close(done)
		if r.adapter.Kind() == KindStream {
			r.streamLoop(runCtx)
		} else {
			r.pollLoop(runCtx)
		}
	}()
}

// Stop cancels the drive loop and waits for it to exit, bounded by
// ctx. A stopped runtime can be started again.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	if cancel == nil {
		r.mu.Unlock()
		return nil
	}
	r.cancel = nil
	r.state = StateStopping
	r.mu.Unlock()

	r.setStateMetric(StateStopping)
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stopping source %s: %w", r.adapter.Name(), ctx.Err())
	}

	r.mu.Lock()
	r.state = StateDisabled
	r.mu.Unlock()
	r.setStateMetric(StateDisabled)
	r.lgr.Info("source stopped", logger.String("source", r.adapter.Name()))
	return nil
}

// Status reports the runtime's current state snapshot.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		Name:     r.adapter.Name(),
		Kind:     r.adapter.Kind(),
		State:    r.state,
		Failures: r.failures,
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	if !r.lastOK.IsZero() {
		t := r.lastOK
		s.LastSuccess = &t
	}
	return s
}

func (r *Runtime) pollLoop(ctx context.Context) {
	interval := r.adapter.Interval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := r.clk.NewTicker(interval)
	defer ticker.Stop()

	r.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

// cycle runs one poll pass. Errors are counted against the failure
// threshold but never stop the loop.
func (r *Runtime) cycle(ctx context.Context) {
	err := r.adapter.Run(ctx, trackedSink{r: r, next: r.sink})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		n := r.noteFailure(err)
		r.metrics.RecordError("source_" + r.adapter.Name())
		r.lgr.Warn("source cycle failed",
			logger.String("source", r.adapter.Name()),
			logger.Int("failures", n),
			logger.Error(err))
		return
	}
	r.noteSuccess()
}

func (r *Runtime) streamLoop(ctx context.Context) {
	sink := trackedSink{r: r, next: r.sink}
	for {
		err := r.adapter.Run(ctx, sink)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("stream closed")
		}
		n := r.noteFailure(err)
		r.metrics.RecordError("source_" + r.adapter.Name())
		delay := r.backoff.Next(n)
		r.lgr.Warn("source disconnected, reconnecting",
			logger.String("source", r.adapter.Name()),
			logger.Int("failures", n),
			logger.Duration("backoff", delay),
			logger.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(delay):
		}
	}
}

// noteSuccess resets the failure counter and restores Running from
// Starting or Degraded.
func (r *Runtime) noteSuccess() {
	r.mu.Lock()
	r.failures = 0
	r.lastErr = nil
	r.lastOK = r.clk.Now()
	recovered := r.state == StateDegraded
	changed := r.state == StateStarting || r.state == StateDegraded
	if changed {
		r.state = StateRunning
	}
	r.mu.Unlock()

	if !changed {
		return
	}
	r.setStateMetric(StateRunning)
	if recovered {
		r.lgr.Info("source recovered", logger.String("source", r.adapter.Name()))
	}
}

// noteFailure bumps the consecutive counter and flips to Degraded at
// the threshold. It returns the new count.
func (r *Runtime) noteFailure(err error) int {
	r.mu.Lock()
	r.failures++
	r.lastErr = err
	n := r.failures
	degraded := n >= r.threshold && r.state != StateDegraded && r.state != StateStopping
	if degraded {
		r.state = StateDegraded
	}
	r.mu.Unlock()

	if degraded {
		r.setStateMetric(StateDegraded)
		r.lgr.Error("source degraded",
			logger.String("source", r.adapter.Name()),
			logger.Int("failures", n),
			logger.Error(err))
	}
	return n
}

func (r *Runtime) setStateMetric(s State) {
	r.metrics.RecordAdapterState(r.adapter.Name(), string(s))
}

// trackedSink notes a success on every delivered batch, so a healthy
// stream resets its failure counter without Run ever returning.
type trackedSink struct {
	r    *Runtime
	next Sink
}

func (t trackedSink) Bars(ctx context.Context, source string, bars []models.PriceBar) error {
	err := t.next.Bars(ctx, source, bars)
	if err == nil {
		t.r.noteSuccess()
	}
	return err
}

func (t trackedSink) News(ctx context.Context, source string, items []models.NewsItem) error {
	err := t.next.News(ctx, source, items)
	if err == nil {
		t.r.noteSuccess()
	}
	return err
}

func (t trackedSink) Filings(ctx context.Context, source string, filings []models.Filing) error {
	err := t.next.Filings(ctx, source, filings)
	if err == nil {
		t.r.noteSuccess()
	}
	return err
}
