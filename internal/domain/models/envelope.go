package models

import "time"

// StreamType tags the record kind inside an Envelope.
type StreamType string

const (
	StreamBar    StreamType = "bar"
	StreamNews   StreamType = "news"
	StreamFiling StreamType = "filing"
)

// Valid reports whether the type names a known record kind.
func (t StreamType) Valid() bool {
	switch t {
	case StreamBar, StreamNews, StreamFiling:
		return true
	}
	return false
}

// Envelope wraps one stored record for fan-out to live subscribers.
// At is the ingest time, not the record's own timestamp.
type Envelope struct {
	Type   StreamType
	At     time.Time
	Record any // *PriceBar, *NewsItem, or *Filing per Type
}

// BarEnvelope wraps a bar for publishing.
func BarEnvelope(at time.Time, bar *PriceBar) Envelope {
	return Envelope{Type: StreamBar, At: at, Record: bar}
}

// NewsEnvelope wraps a news item for publishing.
func NewsEnvelope(at time.Time, item *NewsItem) Envelope {
	return Envelope{Type: StreamNews, At: at, Record: item}
}

// FilingEnvelope wraps a filing for publishing.
func FilingEnvelope(at time.Time, filing *Filing) Envelope {
	return Envelope{Type: StreamFiling, At: at, Record: filing}
}
