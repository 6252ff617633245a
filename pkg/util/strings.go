package util

import "strings"

// NormalizeSymbol upper-cases and trims a ticker so "aapl " and "AAPL"
// key the same records everywhere.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSymbols maps NormalizeSymbol over a watchlist, dropping
// empties and duplicates while keeping first-seen order.
func NormalizeSymbols(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		sym := NormalizeSymbol(s)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
