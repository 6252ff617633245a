// Package repository adapts external systems to the domain contracts.
package repository

import (
	"context"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	pkgkafka "MarketPull/pkg/kafka"
)

// producer is the slice of the kafka producer the relay uses.
type producer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	Close() error
}

// KafkaPublisher relays canonical envelopes to the records topic.
// Messages are keyed by symbol (source:id for news) so a partition
// sees one key's records in order.
type KafkaPublisher struct {
	producer producer
	topic    string
}

var _ repository.Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(p *pkgkafka.Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic}
}

func (p *KafkaPublisher) PublishEnvelope(ctx context.Context, env models.Envelope) error {
	value, err := models.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, p.topic, envelopeKey(env), value)
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

func envelopeKey(env models.Envelope) []byte {
	switch r := env.Record.(type) {
	case *models.PriceBar:
		return []byte(r.Symbol)
	case *models.NewsItem:
		return []byte(r.Source + ":" + r.ID)
	case *models.Filing:
		return []byte(r.Symbol)
	default:
		return nil
	}
}
