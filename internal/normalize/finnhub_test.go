package normalize

import (
	"testing"
	"time"

	"MarketPull/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradeFrameToTickBars(t *testing.T) {
	frame := []byte(`{"type":"trade","data":[
		{"s":"AAPL","p":208.87,"v":100,"t":1694012345678},
		{"s":"MSFT","p":330.5,"v":25,"t":1694012345700}
	]}`)

	bars, dropped, err := FinnhubTrades(frame)
	require.NoError(t, err)
	require.Empty(t, dropped)
	require.Len(t, bars, 2)

	bar := bars[0]
	assert.Equal(t, "AAPL", bar.Symbol)
	assert.Equal(t, models.IntervalTick, bar.Interval)
	assert.Equal(t, "finnhub", bar.Source)
	assert.Equal(t, time.UnixMilli(1694012345678).UTC(), bar.OpenTime)
	assert.Equal(t, "208.87", bar.Open.String())
	assert.Equal(t, "208.87", bar.High.String())
	assert.Equal(t, "208.87", bar.Low.String())
	assert.Equal(t, "208.87", bar.Close.String())
	assert.Equal(t, "100", bar.Volume.String())
}

func TestTradeFrameSkipsNonTradeTypes(t *testing.T) {
	for _, frame := range []string{
		`{"type":"ping"}`,
		`{"type":"subscribe","symbol":"AAPL"}`,
	} {
		bars, dropped, err := FinnhubTrades([]byte(frame))
		require.NoError(t, err, frame)
		assert.Empty(t, bars, frame)
		assert.Empty(t, dropped, frame)
	}
}

func TestTradeFrameDropsBadTradeKeepsRest(t *testing.T) {
	frame := []byte(`{"type":"trade","data":[
		{"p":100.0,"v":1,"t":1694012345678},
		{"s":"AAPL","p":208.87,"v":100,"t":1694012345678},
		{"s":"TSLA","p":"junk","v":1,"t":1694012345678}
	]}`)

	bars, dropped, err := FinnhubTrades(frame)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, "AAPL", bars[0].Symbol)

	require.Len(t, dropped, 2)
	assert.Equal(t, "s", dropped[0].Field)
	assert.Equal(t, "trade", dropped[1].Field)
	assert.Equal(t, "finnhub", dropped[0].Provider)
}

func TestTradeFrameRejectsBadJSON(t *testing.T) {
	_, _, err := FinnhubTrades([]byte(`{"type":"trade","data":[`))
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "frame", nerr.Field)
}

func TestQuoteMapsToMinuteBar(t *testing.T) {
	payload := []byte(`{"c":261.74,"h":263.31,"l":260.68,"o":261.07,"pc":259.45,"t":1582641093,"v":12500}`)

	bar, err := FinnhubQuote("AAPL", payload)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", bar.Symbol)
	assert.Equal(t, models.Interval1m, bar.Interval)
	assert.Equal(t, time.Unix(1582641093, 0).UTC().Truncate(time.Minute), bar.OpenTime)
	assert.Equal(t, "261.07", bar.Open.String())
	assert.Equal(t, "263.31", bar.High.String())
	assert.Equal(t, "260.68", bar.Low.String())
	assert.Equal(t, "261.74", bar.Close.String())
	assert.Equal(t, "12500", bar.Volume.String())
}

func TestQuoteFallsBackToLastPrice(t *testing.T) {
	// Pre-open quotes report zero sides and no volume.
	payload := []byte(`{"c":261.74,"h":0,"l":0,"o":0,"t":1582641093}`)

	bar, err := FinnhubQuote("AAPL", payload)
	require.NoError(t, err)
	assert.Equal(t, "261.74", bar.Open.String())
	assert.Equal(t, "261.74", bar.High.String())
	assert.Equal(t, "261.74", bar.Low.String())
	assert.True(t, bar.Volume.IsZero())
}

func TestQuoteRequiresTimestampAndPrice(t *testing.T) {
	_, err := FinnhubQuote("AAPL", []byte(`{"c":261.74}`))
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "t", nerr.Field)

	_, err = FinnhubQuote("AAPL", []byte(`{"t":1582641093}`))
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "c", nerr.Field)
}

func TestCandlesMapParallelArrays(t *testing.T) {
	payload := []byte(`{
		"s":"ok",
		"t":[1569297600,1569297660],
		"o":[217.68,218.0],
		"h":[222.49,218.9],
		"l":[217.19,217.5],
		"c":[221.03,218.2],
		"v":[33463820,12000]
	}`)

	bars, dropped, err := FinnhubCandles("AAPL", models.Interval1m, payload)
	require.NoError(t, err)
	require.Empty(t, dropped)
	require.Len(t, bars, 2)

	assert.Equal(t, time.Unix(1569297600, 0).UTC(), bars[0].OpenTime)
	assert.Equal(t, "217.68", bars[0].Open.String())
	assert.Equal(t, "218.2", bars[1].Close.String())
	assert.Equal(t, models.Interval1m, bars[0].Interval)
}

func TestCandlesNoDataIsEmptyNotError(t *testing.T) {
	bars, dropped, err := FinnhubCandles("AAPL", models.Interval1d, []byte(`{"s":"no_data"}`))
	require.NoError(t, err)
	assert.Empty(t, bars)
	assert.Empty(t, dropped)
}

func TestCandlesRejectRaggedArrays(t *testing.T) {
	payload := []byte(`{"s":"ok","t":[1569297600,1569297660],"o":[217.68],"h":[222.49],"l":[217.19],"c":[221.03],"v":[33463820]}`)

	_, _, err := FinnhubCandles("AAPL", models.Interval1m, payload)
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "candles", nerr.Field)
}

func TestCandlesDropInvalidRowKeepRest(t *testing.T) {
	// Second row's high sits below the body.
	payload := []byte(`{
		"s":"ok",
		"t":[1569297600,1569297660],
		"o":[217.68,218.0],
		"h":[222.49,210.0],
		"l":[217.19,208.0],
		"c":[221.03,218.2],
		"v":[33463820,12000]
	}`)

	bars, dropped, err := FinnhubCandles("AAPL", models.Interval1m, payload)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	require.Len(t, dropped, 1)
	assert.Contains(t, dropped[0].Reason, "index 1")
}

func TestNewsMapping(t *testing.T) {
	payload := []byte(`[{
		"id":25286,
		"datetime":1569550360,
		"headline":"Quarterly results scheduled for Thursday",
		"summary":"The company reports after the bell.",
		"url":"https://example.com/a",
		"related":"msft, AAPL,MSFT,",
		"source":"Reuters"
	}]`)

	items, dropped, err := FinnhubNews(payload)
	require.NoError(t, err)
	require.Empty(t, dropped)
	require.Len(t, items, 1)

	item := items[0]
	assert.Equal(t, "finnhub", item.Source)
	assert.Equal(t, "25286", item.ID)
	assert.Equal(t, time.Unix(1569550360, 0).UTC(), item.PublishedAt)
	assert.Equal(t, []string{"AAPL", "MSFT"}, item.Tickers)
	assert.Nil(t, item.Sentiment, "no keyword in headline, score stays absent")
	assert.JSONEq(t, string(payload[1:len(payload)-1]), string(item.Raw))
}

func TestNewsSentimentFromHeadline(t *testing.T) {
	payload := []byte(`[{
		"id":1,
		"datetime":1569550360,
		"headline":"Profits beat estimates as shares rise",
		"url":"https://example.com/a",
		"related":"AAPL"
	}]`)

	items, _, err := FinnhubNews(payload)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Sentiment)
	assert.InDelta(t, 1.0, *items[0].Sentiment, 1e-9)
}

func TestNewsProviderSentimentClamped(t *testing.T) {
	payload := []byte(`[{
		"id":1,
		"datetime":1569550360,
		"headline":"Scored upstream",
		"sentiment":3.5,
		"related":"AAPL"
	}]`)

	items, _, err := FinnhubNews(payload)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Sentiment)
	assert.InDelta(t, 1.0, *items[0].Sentiment, 1e-9)
}

func TestNewsTickersGuessedFromHeadline(t *testing.T) {
	payload := []byte(`[{
		"id":1,
		"datetime":1569550360,
		"headline":"MSFT and AAPL close THE gap",
		"related":""
	}]`)

	items, _, err := FinnhubNews(payload)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []string{"AAPL", "MSFT"}, items[0].Tickers)
}

func TestNewsDropsIncompleteItems(t *testing.T) {
	payload := []byte(`[
		{"datetime":1569550360,"headline":"no id"},
		{"id":2,"headline":"no datetime"},
		{"id":3,"datetime":1569550360},
		{"id":4,"datetime":1569550360,"headline":"kept"}
	]`)

	items, dropped, err := FinnhubNews(payload)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "4", items[0].ID)

	require.Len(t, dropped, 3)
	assert.Equal(t, "id", dropped[0].Field)
	assert.Equal(t, "datetime", dropped[1].Field)
	assert.Equal(t, "headline", dropped[2].Field)
}
