package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Wire forms for records that cross process boundaries: the kafka
// relay, the replay log and the websocket stream all speak these
// shapes. Timestamps render as UTC ISO-8601 and prices as decimal
// strings so a record survives an encode/decode round trip intact.

// BarJSON is the wire form of a PriceBar.
type BarJSON struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	OpenTime time.Time `json:"open_time"`
	Open     string    `json:"open"`
	High     string    `json:"high"`
	Low      string    `json:"low"`
	Close    string    `json:"close"`
	Volume   string    `json:"volume"`
	Source   string    `json:"source"`
}

// NewBarJSON renders the wire form of a bar.
func NewBarJSON(b PriceBar) BarJSON {
	return BarJSON{
		Symbol:   b.Symbol,
		Interval: string(b.Interval),
		OpenTime: b.OpenTime.UTC(),
		Open:     b.Open.String(),
		High:     b.High.String(),
		Low:      b.Low.String(),
		Close:    b.Close.String(),
		Volume:   b.Volume.String(),
		Source:   b.Source,
	}
}

// PriceBar converts the wire form back to the domain record.
func (j BarJSON) PriceBar() (PriceBar, error) {
	interval, err := ParseInterval(j.Interval)
	if err != nil {
		return PriceBar{}, fmt.Errorf("bar wire: %w", err)
	}
	b := PriceBar{Symbol: j.Symbol, Interval: interval, OpenTime: j.OpenTime.UTC(), Source: j.Source}
	for _, f := range []struct {
		name string
		dst  *decimal.Decimal
		src  string
	}{
		{"open", &b.Open, j.Open},
		{"high", &b.High, j.High},
		{"low", &b.Low, j.Low},
		{"close", &b.Close, j.Close},
		{"volume", &b.Volume, j.Volume},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return PriceBar{}, fmt.Errorf("bar wire: %s %q: %w", f.name, f.src, err)
		}
		*f.dst = d
	}
	return b, nil
}

// NewsJSON is the wire form of a NewsItem.
type NewsJSON struct {
	Source      string    `json:"source"`
	ID          string    `json:"id"`
	PublishedAt time.Time `json:"published_at"`
	Headline    string    `json:"headline"`
	Summary     string    `json:"summary,omitempty"`
	URL         string    `json:"url,omitempty"`
	Tickers     []string  `json:"tickers,omitempty"`
	Sentiment   *float64  `json:"sentiment,omitempty"`
	Raw         []byte    `json:"raw,omitempty"`
}

// NewNewsJSON renders the wire form of a news item.
func NewNewsJSON(n NewsItem) NewsJSON {
	return NewsJSON{
		Source:      n.Source,
		ID:          n.ID,
		PublishedAt: n.PublishedAt.UTC(),
		Headline:    n.Headline,
		Summary:     n.Summary,
		URL:         n.URL,
		Tickers:     n.Tickers,
		Sentiment:   n.Sentiment,
		Raw:         n.Raw,
	}
}

// NewsItem converts the wire form back to the domain record.
func (j NewsJSON) NewsItem() NewsItem {
	return NewsItem{
		Source:      j.Source,
		ID:          j.ID,
		PublishedAt: j.PublishedAt.UTC(),
		Headline:    j.Headline,
		Summary:     j.Summary,
		URL:         j.URL,
		Tickers:     j.Tickers,
		Sentiment:   j.Sentiment,
		Raw:         j.Raw,
	}
}

// FilingJSON is the wire form of a Filing.
type FilingJSON struct {
	Symbol  string    `json:"symbol"`
	Type    string    `json:"type"`
	RawType string    `json:"raw_type"`
	FiledAt time.Time `json:"filed_at"`
	URL     string    `json:"url"`
	Title   string    `json:"title,omitempty"`
	Raw     []byte    `json:"raw,omitempty"`
}

// NewFilingJSON renders the wire form of a filing.
func NewFilingJSON(f Filing) FilingJSON {
	return FilingJSON{
		Symbol:  f.Symbol,
		Type:    string(f.Type),
		RawType: f.RawType,
		FiledAt: f.FiledAt.UTC(),
		URL:     f.URL,
		Title:   f.Title,
		Raw:     f.Raw,
	}
}

// Filing converts the wire form back to the domain record.
func (j FilingJSON) Filing() (Filing, error) {
	t := FilingType(j.Type)
	if !t.Valid() {
		return Filing{}, fmt.Errorf("filing wire: unknown type %q", j.Type)
	}
	return Filing{
		Symbol:  j.Symbol,
		Type:    t,
		RawType: j.RawType,
		FiledAt: j.FiledAt.UTC(),
		URL:     j.URL,
		Title:   j.Title,
		Raw:     j.Raw,
	}, nil
}

// EnvelopeJSON is the wire form of an Envelope; Record holds the
// kind-specific wire record.
type EnvelopeJSON struct {
	Type   StreamType      `json:"type"`
	At     time.Time       `json:"at"`
	Record json.RawMessage `json:"record"`
}

// EncodeEnvelope renders the canonical wire form of an envelope.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	var record any
	switch r := e.Record.(type) {
	case *PriceBar:
		record = NewBarJSON(*r)
	case *NewsItem:
		record = NewNewsJSON(*r)
	case *Filing:
		record = NewFilingJSON(*r)
	default:
		return nil, fmt.Errorf("envelope: unsupported record type %T", e.Record)
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("envelope: record: %w", err)
	}
	return json.Marshal(EnvelopeJSON{Type: e.Type, At: e.At.UTC(), Record: raw})
}

// DecodeEnvelope parses the canonical wire form.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var j EnvelopeJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return Envelope{}, fmt.Errorf("envelope: %w", err)
	}
	env := Envelope{Type: j.Type, At: j.At.UTC()}
	switch j.Type {
	case StreamBar:
		var w BarJSON
		if err := json.Unmarshal(j.Record, &w); err != nil {
			return Envelope{}, fmt.Errorf("envelope: bar record: %w", err)
		}
		bar, err := w.PriceBar()
		if err != nil {
			return Envelope{}, err
		}
		env.Record = &bar
	case StreamNews:
		var w NewsJSON
		if err := json.Unmarshal(j.Record, &w); err != nil {
			return Envelope{}, fmt.Errorf("envelope: news record: %w", err)
		}
		item := w.NewsItem()
		env.Record = &item
	case StreamFiling:
		var w FilingJSON
		if err := json.Unmarshal(j.Record, &w); err != nil {
			return Envelope{}, fmt.Errorf("envelope: filing record: %w", err)
		}
		filing, err := w.Filing()
		if err != nil {
			return Envelope{}, err
		}
		env.Record = &filing
	default:
		return Envelope{}, fmt.Errorf("envelope: unknown stream type %q", j.Type)
	}
	return env, nil
}
