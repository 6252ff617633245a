// Package usecase wires normalized records between the sources, the
// store, the broadcast hub, and the optional kafka legs.
package usecase

import (
	"context"
	"sync"

	"MarketPull/internal/adapter"
	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	"MarketPull/internal/service/hub"
	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

// Pipeline is the sink every source feeds. Each batch is validated,
// then appended to storage and published to the hub in parallel; a
// storage failure is counted and left to the append retry and replay
// log, it never holds back live subscribers or fails the source.
type Pipeline struct {
	store   repository.Storage
	hub     *hub.Hub
	relay   repository.Publisher // nil unless the kafka relay is on
	clk     clock.Clock
	lgr     *logger.Logger
	metrics repository.Metrics
}

var _ adapter.Sink = (*Pipeline)(nil)

func NewPipeline(store repository.Storage, h *hub.Hub, relay repository.Publisher, clk clock.Clock, lgr *logger.Logger, metrics repository.Metrics) *Pipeline {
	return &Pipeline{
		store:   store,
		hub:     h,
		relay:   relay,
		clk:     clk,
		lgr:     lgr,
		metrics: metrics,
	}
}

func (p *Pipeline) Bars(ctx context.Context, source string, bars []models.PriceBar) error {
	valid := bars[:0:0]
	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			p.metrics.RecordDropped(source, "invalid")
			p.lgr.Warn("bar rejected at sink",
				logger.String("source", source),
				logger.Error(err))
			continue
		}
		p.metrics.RecordIngested(source, string(models.StreamBar))
		valid = append(valid, bars[i])
	}
	if len(valid) == 0 {
		return ctx.Err()
	}

	envs := make([]models.Envelope, len(valid))
	at := p.clk.Now()
	for i := range valid {
		envs[i] = models.BarEnvelope(at, &valid[i])
	}
	p.dispatch(ctx, source, "append_bars", envs, func() error {
		return p.store.AppendBars(ctx, valid)
	})
	return ctx.Err()
}

func (p *Pipeline) News(ctx context.Context, source string, items []models.NewsItem) error {
	valid := items[:0:0]
	for i := range items {
		if err := items[i].Validate(); err != nil {
			p.metrics.RecordDropped(source, "invalid")
			p.lgr.Warn("news item rejected at sink",
				logger.String("source", source),
				logger.Error(err))
			continue
		}
		p.metrics.RecordIngested(source, string(models.StreamNews))
		valid = append(valid, items[i])
	}
	if len(valid) == 0 {
		return ctx.Err()
	}

	envs := make([]models.Envelope, len(valid))
	at := p.clk.Now()
	for i := range valid {
		envs[i] = models.NewsEnvelope(at, &valid[i])
	}
	p.dispatch(ctx, source, "append_news", envs, func() error {
		return p.store.AppendNews(ctx, valid)
	})
	return ctx.Err()
}

func (p *Pipeline) Filings(ctx context.Context, source string, filings []models.Filing) error {
	valid := filings[:0:0]
	for i := range filings {
		if err := filings[i].Validate(); err != nil {
			p.metrics.RecordDropped(source, "invalid")
			p.lgr.Warn("filing rejected at sink",
				logger.String("source", source),
				logger.Error(err))
			continue
		}
		p.metrics.RecordIngested(source, string(models.StreamFiling))
		valid = append(valid, filings[i])
	}
	if len(valid) == 0 {
		return ctx.Err()
	}

	envs := make([]models.Envelope, len(valid))
	at := p.clk.Now()
	for i := range valid {
		envs[i] = models.FilingEnvelope(at, &valid[i])
	}
	p.dispatch(ctx, source, "append_filings", envs, func() error {
		return p.store.AppendFilings(ctx, valid)
	})
	return ctx.Err()
}

// dispatch runs the storage append and the hub fan-out side by side
// and waits for the append, so one batch per source is in flight.
func (p *Pipeline) dispatch(ctx context.Context, source, appendKind string, envs []models.Envelope, appendFn func() error) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := appendFn(); err != nil {
			p.metrics.RecordError(appendKind)
			p.lgr.Error("append failed",
				logger.String("source", source),
				logger.String("kind", appendKind),
				logger.Int("records", len(envs)),
				logger.Error(err))
		}
	}()

	var relayErr error
	for _, env := range envs {
		p.hub.Publish(env)
		if p.relay == nil {
			continue
		}
		if err := p.relay.PublishEnvelope(ctx, env); err != nil {
			p.metrics.RecordError("relay_publish")
			if relayErr == nil {
				relayErr = err
			}
		}
	}
	if relayErr != nil {
		p.lgr.Warn("kafka relay lagging",
			logger.String("source", source),
			logger.Error(relayErr))
	}
	wg.Wait()
}
