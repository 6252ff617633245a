package models

import (
	"fmt"
	"time"
)

// NewsItem is a normalized news article. IDs are scoped to the source:
// (Source, ID) is the upsert identity, so two providers can reuse the
// same numeric ID without colliding.
type NewsItem struct {
	Source      string
	ID          string
	PublishedAt time.Time
	Headline    string
	Summary     string
	URL         string
	Tickers     []string // uppercase, deduplicated, sorted
	Sentiment   *float64 // in [-1, 1]; nil when the source scored nothing
	Raw         []byte   // original provider payload
}

// NewsKey identifies a news item for upsert purposes.
type NewsKey struct {
	Source string
	ID     string
}

// Key returns the upsert identity of the item.
func (n NewsItem) Key() NewsKey { return NewsKey{Source: n.Source, ID: n.ID} }

// Validate checks the item's internal consistency.
func (n NewsItem) Validate() error {
	if n.Source == "" {
		return fmt.Errorf("news: empty source")
	}
	if n.ID == "" {
		return fmt.Errorf("news %s: empty id", n.Source)
	}
	if n.PublishedAt.IsZero() {
		return fmt.Errorf("news %s/%s: zero published time", n.Source, n.ID)
	}
	if n.Headline == "" {
		return fmt.Errorf("news %s/%s: empty headline", n.Source, n.ID)
	}
	if n.Sentiment != nil && (*n.Sentiment < -1 || *n.Sentiment > 1) {
		return fmt.Errorf("news %s/%s: sentiment %v outside [-1, 1]", n.Source, n.ID, *n.Sentiment)
	}
	return nil
}
