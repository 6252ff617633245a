// Package orchestrator owns the source registry: which sources exist,
// which are enabled, and the order everything stops in.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"MarketPull/internal/adapter"
	"MarketPull/internal/domain/repository"
	"MarketPull/internal/service/hub"
	"MarketPull/pkg/logger"
)

// DefaultStopTimeout bounds how long a single source stop may take.
const DefaultStopTimeout = 10 * time.Second

// ErrUnknownSource is returned when a name matches no registered
// source; the API maps it to 404.
var ErrUnknownSource = errors.New("unknown source")

type source struct {
	rt      *adapter.Runtime
	enabled bool
}

type closer struct {
	name  string
	close func(ctx context.Context) error
}

// Orchestrator drives source runtimes and tears the engine down in
// dependency order.
type Orchestrator struct {
	store repository.Storage
	hub   *hub.Hub
	lgr   *logger.Logger

	mu      sync.Mutex
	order   []string
	sources map[string]*source
	runCtx  context.Context
	closers []closer
}

func New(store repository.Storage, h *hub.Hub, lgr *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		hub:     h,
		lgr:     lgr,
		sources: make(map[string]*source),
	}
}

// Register adds a source runtime. Disabled sources stay registered so
// the API can flip them on later.
func (o *Orchestrator) Register(rt *adapter.Runtime, enabled bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	name := rt.Name()
	if _, dup := o.sources[name]; dup {
		return fmt.Errorf("orchestrator: source %q registered twice", name)
	}
	o.order = append(o.order, name)
	o.sources[name] = &source{rt: rt, enabled: enabled}
	return nil
}

// OnShutdown appends a close step run after the sources have stopped
// and the store has flushed. Steps run in the order they were added.
func (o *Orchestrator) OnShutdown(name string, fn func(ctx context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closers = append(o.closers, closer{name: name, close: fn})
}

// StartAll launches every enabled source and keeps ctx around so a
// source enabled later starts under the same lifetime.
func (o *Orchestrator) StartAll(ctx context.Context) {
	o.mu.Lock()
	o.runCtx = ctx
	var toStart []*adapter.Runtime
	for _, name := range o.order {
		if s := o.sources[name]; s.enabled {
			toStart = append(toStart, s.rt)
		}
	}
	o.mu.Unlock()

	for _, rt := range toStart {
		rt.Start(ctx)
	}
}

// SetSourceEnabled is the one mutation point for the enable flag.
// Enabling starts the source when the engine is already running;
// disabling stops it, bounded by DefaultStopTimeout.
func (o *Orchestrator) SetSourceEnabled(name string, enabled bool) error {
	o.mu.Lock()
	s, ok := o.sources[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	unchanged := s.enabled == enabled
	s.enabled = enabled
	runCtx := o.runCtx
	o.mu.Unlock()

	if unchanged {
		return nil
	}
	if enabled {
		if runCtx != nil {
			s.rt.Start(runCtx)
		}
		o.lgr.Info("source enabled", logger.String("source", name))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer cancel()
	if err := s.rt.Stop(ctx); err != nil {
		return err
	}
	o.lgr.Info("source disabled", logger.String("source", name))
	return nil
}

func (o *Orchestrator) Enable(name string) error  { return o.SetSourceEnabled(name, true) }
func (o *Orchestrator) Disable(name string) error { return o.SetSourceEnabled(name, false) }

// Statuses reports every source in registration order.
func (o *Orchestrator) Statuses() []adapter.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]adapter.Status, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.sources[name].rt.Status())
	}
	return out
}

// Shutdown stops the engine in dependency order: sources first so no
// new records arrive, then a storage flush, then the hub so live
// clients see the stream end, then the external clients, storage
// itself last. Every step runs; the first error wins.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	rts := make([]*adapter.Runtime, 0, len(o.order))
	for _, name := range o.order {
		rts = append(rts, o.sources[name].rt)
	}
	closers := append([]closer(nil), o.closers...)
	o.mu.Unlock()

	var errMu sync.Mutex
	var firstErr error
	record := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	var wg sync.WaitGroup
	for _, rt := range rts {
		wg.Add(1)
		go func(rt *adapter.Runtime) {
			defer wg.Done()
			if err := rt.Stop(ctx); err != nil {
				record(err)
				o.lgr.Warn("source stop failed",
					logger.String("source", rt.Name()),
					logger.Error(err))
			}
		}(rt)
	}
	wg.Wait()

	if err := o.store.Flush(ctx); err != nil {
		record(err)
		o.lgr.Warn("storage flush failed", logger.Error(err))
	}
	o.hub.Close()
	for _, c := range closers {
		if err := c.close(ctx); err != nil {
			record(err)
			o.lgr.Warn("close step failed",
				logger.String("step", c.name),
				logger.Error(err))
		}
	}
	if err := o.store.Close(); err != nil {
		record(err)
		o.lgr.Warn("storage close failed", logger.Error(err))
	}

	o.lgr.Info("engine stopped")
	return firstErr
}
