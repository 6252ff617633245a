// Package normalize maps raw provider payloads onto the canonical
// record types. Every mapping is a pure function: bytes in, records
// out, no clock, no I/O. Callers decide what to do with rejects.
package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error describes a payload, or a single record inside one, that
// could not be normalized. Provider and Field give the caller enough
// to log and count the drop without inspecting the raw bytes.
type Error struct {
	Provider string
	Field    string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize %s: field %q: %s", e.Provider, e.Field, e.Reason)
}

func errf(provider, field, format string, args ...any) *Error {
	return &Error{Provider: provider, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// price parses a JSON number into a decimal without a float round
// trip, so "208.87" stores as exactly 208.87.
func price(provider, field string, n json.Number) (decimal.Decimal, *Error) {
	if n == "" {
		return decimal.Decimal{}, errf(provider, field, "missing")
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, errf(provider, field, "bad number %q", n.String())
	}
	return d, nil
}
