package models

import (
	"fmt"
	"time"
)

// FilingType is the normalized form class of a regulatory filing.
// Amended forms fold into their base class ("10-K/A" -> FilingTenK);
// anything unrecognized lands in FilingOther with the reported form
// preserved in RawType.
type FilingType string

const (
	FilingTenK   FilingType = "10-K"
	FilingTenQ   FilingType = "10-Q"
	FilingEightK FilingType = "8-K"
	FilingOther  FilingType = "other"
)

// Valid reports whether the type is one of the normalized classes.
func (t FilingType) Valid() bool {
	switch t {
	case FilingTenK, FilingTenQ, FilingEightK, FilingOther:
		return true
	}
	return false
}

// Filing is a normalized regulatory filing reference. The document
// itself stays with the regulator; URL points at it.
type Filing struct {
	Symbol  string
	Type    FilingType
	RawType string // form exactly as reported, e.g. "10-K/A"
	FiledAt time.Time
	URL     string
	Title   string
	Raw     []byte // original provider payload
}

// FilingKey identifies a filing for upsert purposes. FiledAt is held
// as a date string because two fetches of the same filing can differ
// in sub-day precision.
type FilingKey struct {
	Symbol string
	Type   FilingType
	Date   string // YYYY-MM-DD
	URL    string
}

// Key returns the upsert identity of the filing.
func (f Filing) Key() FilingKey {
	return FilingKey{
		Symbol: f.Symbol,
		Type:   f.Type,
		Date:   f.FiledAt.UTC().Format("2006-01-02"),
		URL:    f.URL,
	}
}

// Validate checks the filing's internal consistency.
func (f Filing) Validate() error {
	if f.Symbol == "" {
		return fmt.Errorf("filing: empty symbol")
	}
	if !f.Type.Valid() {
		return fmt.Errorf("filing %s: unknown type %q", f.Symbol, f.Type)
	}
	if f.FiledAt.IsZero() {
		return fmt.Errorf("filing %s: zero filed time", f.Symbol)
	}
	if f.URL == "" {
		return fmt.Errorf("filing %s: empty url", f.Symbol)
	}
	return nil
}
