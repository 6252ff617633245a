package repository

import (
	"time"

	"MarketPull/internal/domain/models"
)

// BarFilter selects bars by symbol and window. Zero From/To leave that
// bound open. Results come back ascending by open time; a positive
// Limit keeps the newest rows, still presented ascending.
type BarFilter struct {
	Symbol   string
	Interval models.Interval
	From     time.Time
	To       time.Time
	Limit    int
}

// NewsFilter selects news items, newest first.
type NewsFilter struct {
	Ticker string // match items tagged with this ticker; empty = all
	Since  time.Time
	Limit  int
}

// FilingFilter selects filings for a symbol, newest first.
type FilingFilter struct {
	Symbol string
	Type   models.FilingType // empty = all types
	Since  time.Time
	Limit  int
}

// PruneReport counts what a retention sweep removed.
type PruneReport struct {
	BarPartitions int // whole day files dropped
	NewsRows      int
	FilingRows    int
}
