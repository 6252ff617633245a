package normalize

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"MarketPull/internal/domain/models"

	"github.com/shopspring/decimal"
)

const providerFinnhub = "finnhub"

type fhTrade struct {
	S string      `json:"s"`
	P json.Number `json:"p"`
	V json.Number `json:"v"`
	T int64       `json:"t"` // ms
}

// Trades decode one raw message at a time so one corrupt trade drops
// alone instead of failing the frame.
type fhTradeFrame struct {
	Type string            `json:"type"`
	Data []json.RawMessage `json:"data"`
}

// FinnhubTrades maps one websocket frame onto tick bars, one per
// trade, with the trade price repeated across open, high, low and
// close. Frames that are not trade frames (ping, subscribe acks)
// yield nothing. Bad trades inside a good frame come back in dropped
// so the caller can count them while keeping the rest.
func FinnhubTrades(frame []byte) (bars []models.PriceBar, dropped []*Error, err error) {
	var m fhTradeFrame
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, nil, errf(providerFinnhub, "frame", "bad json: %v", err)
	}
	if m.Type != "trade" {
		return nil, nil, nil
	}
	for _, raw := range m.Data {
		bar, derr := tradeBar(raw)
		if derr != nil {
			dropped = append(dropped, derr)
			continue
		}
		bars = append(bars, bar)
	}
	return bars, dropped, nil
}

func tradeBar(raw json.RawMessage) (models.PriceBar, *Error) {
	var t fhTrade
	if err := json.Unmarshal(raw, &t); err != nil {
		return models.PriceBar{}, errf(providerFinnhub, "trade", "bad trade json: %v", err)
	}
	if t.S == "" {
		return models.PriceBar{}, errf(providerFinnhub, "s", "missing symbol")
	}
	if t.T <= 0 {
		return models.PriceBar{}, errf(providerFinnhub, "t", "missing timestamp")
	}
	p, derr := price(providerFinnhub, "p", t.P)
	if derr != nil {
		return models.PriceBar{}, derr
	}
	v, derr := price(providerFinnhub, "v", t.V)
	if derr != nil {
		return models.PriceBar{}, derr
	}
	bar := models.PriceBar{
		Symbol:   t.S,
		Interval: models.IntervalTick,
		OpenTime: time.UnixMilli(t.T).UTC(),
		Open:     p,
		High:     p,
		Low:      p,
		Close:    p,
		Volume:   v,
		Source:   providerFinnhub,
	}
	if err := bar.Validate(); err != nil {
		return models.PriceBar{}, errf(providerFinnhub, "trade", "%v", err)
	}
	return bar, nil
}

type fhQuote struct {
	C json.Number `json:"c"`
	O json.Number `json:"o"`
	H json.Number `json:"h"`
	L json.Number `json:"l"`
	V json.Number `json:"v"`
	T int64       `json:"t"` // s
}

// FinnhubQuote maps a REST quote onto a one-minute bar opening at the
// quote minute. Open, high and low fall back to the last price when
// the venue has not reported them yet; volume defaults to zero.
func FinnhubQuote(symbol string, payload []byte) (models.PriceBar, error) {
	var q fhQuote
	if err := json.Unmarshal(payload, &q); err != nil {
		return models.PriceBar{}, errf(providerFinnhub, "quote", "bad json: %v", err)
	}
	if symbol == "" {
		return models.PriceBar{}, errf(providerFinnhub, "symbol", "missing symbol")
	}
	if q.T <= 0 {
		return models.PriceBar{}, errf(providerFinnhub, "t", "missing timestamp")
	}
	c, derr := price(providerFinnhub, "c", q.C)
	if derr != nil {
		return models.PriceBar{}, derr
	}
	o, derr := quoteSide(q.O, "o", c)
	if derr != nil {
		return models.PriceBar{}, derr
	}
	h, derr := quoteSide(q.H, "h", c)
	if derr != nil {
		return models.PriceBar{}, derr
	}
	l, derr := quoteSide(q.L, "l", c)
	if derr != nil {
		return models.PriceBar{}, derr
	}
	v := decimal.Zero
	if q.V != "" {
		if v, derr = price(providerFinnhub, "v", q.V); derr != nil {
			return models.PriceBar{}, derr
		}
	}
	bar := models.PriceBar{
		Symbol:   symbol,
		Interval: models.Interval1m,
		OpenTime: time.Unix(q.T, 0).UTC().Truncate(time.Minute),
		Open:     o,
		High:     h,
		Low:      l,
		Close:    c,
		Volume:   v,
		Source:   providerFinnhub,
	}
	if err := bar.Validate(); err != nil {
		return models.PriceBar{}, errf(providerFinnhub, "quote", "%v", err)
	}
	return bar, nil
}

// quoteSide resolves one side of a quote. Missing or zero values mean
// the venue has not traded yet, so the last price stands in.
func quoteSide(n json.Number, field string, last decimal.Decimal) (decimal.Decimal, *Error) {
	if n == "" {
		return last, nil
	}
	d, derr := price(providerFinnhub, field, n)
	if derr != nil {
		return decimal.Decimal{}, derr
	}
	if d.IsZero() {
		return last, nil
	}
	return d, nil
}

type fhCandles struct {
	S string        `json:"s"`
	T []int64       `json:"t"` // s
	O []json.Number `json:"o"`
	H []json.Number `json:"h"`
	L []json.Number `json:"l"`
	C []json.Number `json:"c"`
	V []json.Number `json:"v"`
}

// FinnhubCandles maps a candle response's parallel arrays onto bars
// at the given interval. A "no_data" status yields an empty result;
// any other non-ok status or ragged arrays fail the whole payload.
func FinnhubCandles(symbol string, interval models.Interval, payload []byte) (bars []models.PriceBar, dropped []*Error, err error) {
	var c fhCandles
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, nil, errf(providerFinnhub, "candles", "bad json: %v", err)
	}
	if c.S == "no_data" {
		return nil, nil, nil
	}
	if c.S != "ok" {
		return nil, nil, errf(providerFinnhub, "s", "status %q", c.S)
	}
	if symbol == "" {
		return nil, nil, errf(providerFinnhub, "symbol", "missing symbol")
	}
	if !interval.Valid() {
		return nil, nil, errf(providerFinnhub, "interval", "unknown interval %q", interval)
	}
	n := len(c.T)
	if len(c.O) != n || len(c.H) != n || len(c.L) != n || len(c.C) != n || len(c.V) != n {
		return nil, nil, errf(providerFinnhub, "candles", "ragged arrays: t=%d o=%d h=%d l=%d c=%d v=%d",
			n, len(c.O), len(c.H), len(c.L), len(c.C), len(c.V))
	}
	for i := 0; i < n; i++ {
		bar, derr := candleBar(symbol, interval, &c, i)
		if derr != nil {
			dropped = append(dropped, derr)
			continue
		}
		bars = append(bars, bar)
	}
	return bars, dropped, nil
}

func candleBar(symbol string, interval models.Interval, c *fhCandles, i int) (models.PriceBar, *Error) {
	if c.T[i] <= 0 {
		return models.PriceBar{}, errf(providerFinnhub, "t", "missing timestamp at index %d", i)
	}
	o, derr := price(providerFinnhub, "o", c.O[i])
	if derr != nil {
		return models.PriceBar{}, derr
	}
	h, derr := price(providerFinnhub, "h", c.H[i])
	if derr != nil {
		return models.PriceBar{}, derr
	}
	l, derr := price(providerFinnhub, "l", c.L[i])
	if derr != nil {
		return models.PriceBar{}, derr
	}
	cl, derr := price(providerFinnhub, "c", c.C[i])
	if derr != nil {
		return models.PriceBar{}, derr
	}
	v, derr := price(providerFinnhub, "v", c.V[i])
	if derr != nil {
		return models.PriceBar{}, derr
	}
	bar := models.PriceBar{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: time.Unix(c.T[i], 0).UTC(),
		Open:     o,
		High:     h,
		Low:      l,
		Close:    cl,
		Volume:   v,
		Source:   providerFinnhub,
	}
	if err := bar.Validate(); err != nil {
		return models.PriceBar{}, errf(providerFinnhub, "candle", "index %d: %v", i, err)
	}
	return bar, nil
}

type fhNews struct {
	ID        json.Number `json:"id"`
	Datetime  int64       `json:"datetime"` // s
	Headline  string      `json:"headline"`
	Summary   string      `json:"summary"`
	URL       string      `json:"url"`
	Related   string      `json:"related"` // comma-separated tickers
	Sentiment *float64    `json:"sentiment"`
}

// FinnhubNews maps a company-news payload, one record per article.
// Tickers come from the comma-separated "related" field, falling back
// to uppercase runs in the headline. A provider-supplied sentiment is
// clamped to [-1, 1]; without one the headline keyword score applies,
// and with no keywords at all the sentiment stays absent.
func FinnhubNews(payload []byte) (items []models.NewsItem, dropped []*Error, err error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, nil, errf(providerFinnhub, "news", "bad json: %v", err)
	}
	for _, row := range rows {
		item, derr := newsItem(row)
		if derr != nil {
			dropped = append(dropped, derr)
			continue
		}
		items = append(items, item)
	}
	return items, dropped, nil
}

func newsItem(row json.RawMessage) (models.NewsItem, *Error) {
	var n fhNews
	if err := json.Unmarshal(row, &n); err != nil {
		return models.NewsItem{}, errf(providerFinnhub, "news", "bad item json: %v", err)
	}
	if n.ID == "" {
		return models.NewsItem{}, errf(providerFinnhub, "id", "missing id")
	}
	if n.Datetime <= 0 {
		return models.NewsItem{}, errf(providerFinnhub, "datetime", "missing timestamp")
	}
	if n.Headline == "" {
		return models.NewsItem{}, errf(providerFinnhub, "headline", "missing headline")
	}
	tickers := relatedTickers(n.Related)
	if len(tickers) == 0 {
		tickers = TickerGuesses(n.Headline)
	}
	sentiment := n.Sentiment
	if sentiment != nil {
		clamped := clampSentiment(*sentiment)
		sentiment = &clamped
	} else {
		sentiment = HeadlineSentiment(n.Headline)
	}
	item := models.NewsItem{
		Source:      providerFinnhub,
		ID:          n.ID.String(),
		PublishedAt: time.Unix(n.Datetime, 0).UTC(),
		Headline:    n.Headline,
		Summary:     n.Summary,
		URL:         n.URL,
		Tickers:     tickers,
		Sentiment:   sentiment,
		Raw:         row,
	}
	if err := item.Validate(); err != nil {
		return models.NewsItem{}, errf(providerFinnhub, "news", "%v", err)
	}
	return item, nil
}

// relatedTickers splits "AAPL,MSFT" style lists, uppercases, dedups
// and sorts.
func relatedTickers(related string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range strings.Split(related, ",") {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
