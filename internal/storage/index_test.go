package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
)

func testNews(id string, at time.Time, headline string) models.NewsItem {
	return models.NewsItem{
		Source:      "finnhub",
		ID:          id,
		PublishedAt: at.UTC(),
		Headline:    headline,
		Tickers:     []string{"AAPL"},
	}
}

func TestNewsQueryReturnsNewestFirst(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, idx.upsertNews(ctx, []models.NewsItem{
		testNews("n2", t0.Add(time.Hour), "mid"),
		testNews("n1", t0, "oldest"),
		testNews("n3", t0.Add(2*time.Hour), "newest"),
	}))

	items, err := idx.queryNews(ctx, repository.NewsFilter{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "n3", items[0].ID)
	assert.Equal(t, "n2", items[1].ID)
	assert.Equal(t, "n1", items[2].ID)

	items, err = idx.queryNews(ctx, repository.NewsFilter{Since: t0.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "n3", items[0].ID)

	items, err = idx.queryNews(ctx, repository.NewsFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "n3", items[0].ID)
}

func TestNewsSameKeyIsReplacedNotDuplicated(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, idx.upsertNews(ctx, []models.NewsItem{testNews("n1", at, "first pass")}))
	require.NoError(t, idx.upsertNews(ctx, []models.NewsItem{testNews("n1", at, "corrected headline")}))

	items, err := idx.queryNews(ctx, repository.NewsFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "corrected headline", items[0].Headline)
}

func TestNewsRoundTripsEveryField(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	sentiment := 0.75
	full := models.NewsItem{
		Source:      "finnhub",
		ID:          "n1",
		PublishedAt: at,
		Headline:    "Apple beats estimates",
		Summary:     "Quarterly revenue came in ahead of consensus.",
		URL:         "https://example.com/apple",
		Tickers:     []string{"AAPL", "MSFT"},
		Sentiment:   &sentiment,
		Raw:         []byte(`{"id":1,"headline":"Apple beats estimates"}`),
	}
	bare := testNews("n2", at.Add(time.Minute), "no extras")

	require.NoError(t, idx.upsertNews(ctx, []models.NewsItem{full, bare}))

	items, err := idx.queryNews(ctx, repository.NewsFilter{})
	require.NoError(t, err)
	require.Len(t, items, 2)

	got := items[1] // newest first, so the full item is second
	assert.Equal(t, full.Headline, got.Headline)
	assert.Equal(t, full.Summary, got.Summary)
	assert.Equal(t, full.URL, got.URL)
	assert.Equal(t, full.Tickers, got.Tickers)
	require.NotNil(t, got.Sentiment)
	assert.Equal(t, sentiment, *got.Sentiment)
	assert.JSONEq(t, string(full.Raw), string(got.Raw))

	assert.Nil(t, items[0].Sentiment, "absent sentiment must stay absent")
	assert.Nil(t, items[0].Raw)
}

func TestNewsTickerFilterIgnoresCase(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, idx.upsertNews(ctx, []models.NewsItem{testNews("n1", at, "tagged AAPL")}))

	items, err := idx.queryNews(ctx, repository.NewsFilter{Ticker: "aapl"})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	items, err = idx.queryNews(ctx, repository.NewsFilter{Ticker: "TSLA"})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func testFiling(symbol string, ft models.FilingType, filedAt time.Time, url string) models.Filing {
	return models.Filing{
		Symbol:  symbol,
		Type:    ft,
		RawType: string(ft),
		FiledAt: filedAt.UTC(),
		URL:     url,
		Title:   symbol + " " + string(ft),
	}
}

func TestFilingsQueryFiltersAndSorts(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, idx.upsertFilings(ctx, []models.Filing{
		testFiling("AAPL", models.FilingTenK, t0, "https://sec.gov/aapl-10k"),
		testFiling("AAPL", models.FilingTenQ, t0.Add(45*24*time.Hour), "https://sec.gov/aapl-10q"),
		testFiling("MSFT", models.FilingTenK, t0, "https://sec.gov/msft-10k"),
	}))

	filings, err := idx.queryFilings(ctx, repository.FilingFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	require.Len(t, filings, 2)
	assert.Equal(t, models.FilingTenQ, filings[0].Type, "newest first")
	assert.Equal(t, models.FilingTenK, filings[1].Type)

	filings, err = idx.queryFilings(ctx, repository.FilingFilter{Symbol: "AAPL", Type: models.FilingTenK})
	require.NoError(t, err)
	require.Len(t, filings, 1)
	assert.Equal(t, "https://sec.gov/aapl-10k", filings[0].URL)

	filings, err = idx.queryFilings(ctx, repository.FilingFilter{Symbol: "AAPL", Since: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, filings, 1)
	assert.Equal(t, models.FilingTenQ, filings[0].Type)
}

func TestFilingsSameKeyIsReplaced(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	f := testFiling("AAPL", models.FilingTenK, at, "https://sec.gov/aapl-10k")
	f.Raw = []byte(`{"form":"10-K","accessionNumber":"0000320193-25-000001"}`)
	require.NoError(t, idx.upsertFilings(ctx, []models.Filing{f}))

	f.Title = "Apple Inc. annual report"
	require.NoError(t, idx.upsertFilings(ctx, []models.Filing{f}))

	filings, err := idx.queryFilings(ctx, repository.FilingFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	require.Len(t, filings, 1)
	assert.Equal(t, "Apple Inc. annual report", filings[0].Title)
	assert.JSONEq(t, string(f.Raw), string(filings[0].Raw))
}

func TestPruneDocsDropsWholeExpiredDays(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, idx.upsertNews(ctx, []models.NewsItem{
		testNews("old", t0.Add(-48*time.Hour), "stale"),
		testNews("new", t0, "fresh"),
	}))
	require.NoError(t, idx.upsertFilings(ctx, []models.Filing{
		testFiling("AAPL", models.FilingTenK, t0.Add(-48*time.Hour), "https://sec.gov/old"),
		testFiling("AAPL", models.FilingTenQ, t0, "https://sec.gov/new"),
	}))

	cutoffDay := dayOf(t0.Add(-24 * time.Hour))
	removed, err := idx.pruneNews(ctx, cutoffDay)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = idx.pruneFilings(ctx, cutoffDay)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	items, err := idx.queryNews(ctx, repository.NewsFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "new", items[0].ID)

	filings, err := idx.queryFilings(ctx, repository.FilingFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	require.Len(t, filings, 1)
	assert.Equal(t, models.FilingTenQ, filings[0].Type)
}
