package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validNews() NewsItem {
	score := 0.35
	return NewsItem{
		Source:      "finnhub",
		ID:          "7214425",
		PublishedAt: time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC),
		Headline:    "Apple unveils new chip roadmap",
		Summary:     "The company outlined a two-year silicon plan.",
		URL:         "https://example.com/apple-chips",
		Tickers:     []string{"AAPL"},
		Sentiment:   &score,
	}
}

func TestNewsValidate(t *testing.T) {
	require.NoError(t, validNews().Validate())

	unscored := validNews()
	unscored.Sentiment = nil
	require.NoError(t, unscored.Validate(), "absent sentiment is legal")

	low := -1.0
	edge := validNews()
	edge.Sentiment = &low
	require.NoError(t, edge.Validate(), "-1 is inside the closed range")

	out := validNews()
	over := 1.2
	out.Sentiment = &over
	assert.Error(t, out.Validate())

	blank := validNews()
	blank.ID = ""
	assert.Error(t, blank.Validate())
}

func TestNewsKeyScopedBySource(t *testing.T) {
	a := validNews()
	b := validNews()
	b.Source = "newsapi"

	// The same numeric ID from two providers must not collide.
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestFilingValidateAndKey(t *testing.T) {
	filing := Filing{
		Symbol:  "MSFT",
		Type:    FilingTenQ,
		RawType: "10-Q",
		FiledAt: time.Date(2025, 4, 24, 20, 5, 11, 0, time.UTC),
		URL:     "https://www.sec.gov/Archives/edgar/data/789019/000078901925000022/msft-20250331.htm",
		Title:   "Quarterly report",
	}
	require.NoError(t, filing.Validate())
	assert.Equal(t, "2025-04-24", filing.Key().Date)

	dupe := filing
	dupe.FiledAt = time.Date(2025, 4, 24, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, filing.Key(), dupe.Key(), "intra-day time must not split the key")

	bad := filing
	bad.Type = "S-1"
	assert.Error(t, bad.Validate(), "unmapped raw forms must be classified before validation")
}
