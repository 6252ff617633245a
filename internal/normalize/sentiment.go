package normalize

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

var positiveWords = []string{"beat", "exceed", "strong", "growth", "profit", "gain", "rise", "up", "positive"}

var negativeWords = []string{"miss", "fall", "decline", "loss", "weak", "down", "negative", "drop", "crash"}

// HeadlineSentiment scores a headline by keyword balance: each listed
// word counts once if present, and the score is (pos-neg)/(pos+neg).
// No keyword at all returns nil, so an unscored headline stays
// distinct from a neutral one.
func HeadlineSentiment(headline string) *float64 {
	lower := strings.ToLower(headline)
	var pos, neg int
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			pos++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			neg++
		}
	}
	if pos+neg == 0 {
		return nil
	}
	score := float64(pos-neg) / float64(pos+neg)
	return &score
}

func clampSentiment(s float64) float64 {
	return math.Max(-1, math.Min(1, s))
}

var tickerPattern = regexp.MustCompile(`\b[A-Z]{1,5}\b`)

// Uppercase English words that match the ticker pattern but are
// almost never tickers.
var tickerStopwords = map[string]bool{
	"THE": true, "AND": true, "FOR": true, "WITH": true, "FROM": true,
	"THIS": true, "THAT": true, "WILL": true, "CAN": true, "ARE": true,
	"NOT": true,
}

// TickerGuesses extracts candidate tickers from a headline: runs of
// one to five capital letters minus common English words, deduped and
// sorted. Best effort only; articles usually carry explicit tickers.
func TickerGuesses(headline string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tickerPattern.FindAllString(headline, -1) {
		if tickerStopwords[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
