package usecase

import (
	"context"
	"fmt"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	pkgkafka "MarketPull/pkg/kafka"
	"MarketPull/pkg/logger"
)

// Replayer re-ingests canonical envelope lines from the replay topic.
// Operators publish the JSON lines the append-exhaustion path logged;
// the records land back in storage through the normal upsert keys, so
// replaying a line twice is harmless.
type Replayer struct {
	topic   string
	store   repository.Storage
	lgr     *logger.Logger
	metrics repository.Metrics
}

var _ pkgkafka.MessageHandler = (*Replayer)(nil)

func NewReplayer(topic string, store repository.Storage, lgr *logger.Logger, metrics repository.Metrics) *Replayer {
	return &Replayer{topic: topic, store: store, lgr: lgr, metrics: metrics}
}

func (r *Replayer) Topic() string { return r.topic }

// Handle stores one replayed record. Undecodable lines are dropped
// here rather than bounced through the consumer's retry and DLQ; a
// storage error comes back so the consumer retries it.
func (r *Replayer) Handle(ctx context.Context, b []byte) error {
	env, err := models.DecodeEnvelope(b)
	if err != nil {
		r.metrics.RecordError("replay_decode")
		r.lgr.Warn("replay line rejected", logger.Error(err))
		return nil
	}

	switch rec := env.Record.(type) {
	case *models.PriceBar:
		err = r.store.AppendBars(ctx, []models.PriceBar{*rec})
	case *models.NewsItem:
		err = r.store.AppendNews(ctx, []models.NewsItem{*rec})
	case *models.Filing:
		err = r.store.AppendFilings(ctx, []models.Filing{*rec})
	default:
		r.metrics.RecordError("replay_decode")
		r.lgr.Warn("replay line rejected",
			logger.String("type", string(env.Type)))
		return nil
	}
	if err != nil {
		r.metrics.RecordError("replay_store")
		return fmt.Errorf("replay %s: %w", env.Type, err)
	}
	r.metrics.RecordIngested("replay", string(env.Type))
	return nil
}
