package repository

import (
	"context"

	"MarketPull/internal/domain/models"
)

// Storage is the persistence contract the ingest pipeline and the API
// layer share. The storage manager implements it over the parquet or
// clickhouse bar engine plus the sqlite document store.
type Storage interface {
	AppendBars(ctx context.Context, bars []models.PriceBar) error
	AppendNews(ctx context.Context, items []models.NewsItem) error
	AppendFilings(ctx context.Context, filings []models.Filing) error

	QueryBars(ctx context.Context, filter BarFilter) ([]models.PriceBar, error)
	QueryNews(ctx context.Context, filter NewsFilter) ([]models.NewsItem, error)
	QueryFilings(ctx context.Context, filter FilingFilter) ([]models.Filing, error)

	// Prune drops whole retention-expired day partitions and rows.
	Prune(ctx context.Context) (PruneReport, error)

	Health(ctx context.Context) error
	Flush(ctx context.Context) error
	Close() error
}

// Publisher relays normalized records to an external topic.
type Publisher interface {
	PublishEnvelope(ctx context.Context, env models.Envelope) error
	Close() error
}

// Metrics is implemented by the prometheus recorder. Components report
// through this so tests can count without a registry.
type Metrics interface {
	RecordIngested(source, kind string)
	RecordDropped(source, reason string)
	RecordError(kind string)
	RecordAppendDuration(backend string, seconds float64)
	RecordRateLimitWait(provider string, seconds float64)
	RecordAdapterState(name, state string)
	RecordHubDrop()
	SetHubSubscribers(count int)
	RecordLatency(op string, seconds float64)
}
