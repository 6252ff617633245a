// Package adapter holds the provider-facing ingestion sources and the
// runtime that drives them: polling sources on a ticker, streaming
// sources on a reconnect loop, both behind one lifecycle state machine.
package adapter

import (
	"context"
	"time"

	"MarketPull/internal/domain/models"
)

// Kind says how a source is driven.
type Kind string

const (
	// KindPoll sources run one fetch cycle per interval tick.
	KindPoll Kind = "poll"
	// KindStream sources hold one connection per Run and reconnect
	// with backoff when it drops.
	KindStream Kind = "stream"
)

// Sink receives normalized records from adapters. The ingest pipeline
// implements it; adapters emit whole batches so the storage layer can
// write a day partition once per cycle.
type Sink interface {
	Bars(ctx context.Context, source string, bars []models.PriceBar) error
	News(ctx context.Context, source string, items []models.NewsItem) error
	Filings(ctx context.Context, source string, filings []models.Filing) error
}

// Adapter is one ingestion source. Run performs a single poll cycle,
// or for streams holds a single connection until it fails or ctx ends.
// Adapters acquire rate-limit tokens themselves, one per outbound
// request, so multi-symbol cycles are limited per call.
type Adapter interface {
	Name() string
	Kind() Kind
	// Provider names the rate-limit bucket; sources hitting the same
	// upstream share one.
	Provider() string
	// Interval is the poll cadence. Streams return 0.
	Interval() time.Duration
	Run(ctx context.Context, sink Sink) error
}

// State is the lifecycle position of a source runtime.
type State string

const (
	StateDisabled State = "disabled"
	StateStarting State = "starting"
	StateRunning  State = "running"
	// StateDegraded means the failure threshold was crossed; the
	// runtime keeps retrying and a success restores Running.
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
)

// Status is a point-in-time snapshot of one source runtime.
type Status struct {
	Name        string     `json:"name"`
	Kind        Kind       `json:"kind"`
	State       State      `json:"state"`
	Failures    int        `json:"failures"` // consecutive
	LastError   string     `json:"last_error,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
}
