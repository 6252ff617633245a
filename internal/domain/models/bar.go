package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Interval is a supported bar aggregation window.
type Interval string

const (
	// IntervalTick marks single-trade bars where open, high, low and
	// close all carry the trade price.
	IntervalTick Interval = "tick"

	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval1d  Interval = "1d"
)

var intervalDurations = map[Interval]time.Duration{
	IntervalTick: 0,
	Interval1m:   time.Minute,
	Interval5m:   5 * time.Minute,
	Interval15m:  15 * time.Minute,
	Interval1h:   time.Hour,
	Interval1d:   24 * time.Hour,
}

// ParseInterval maps a wire string like "1m" onto an Interval.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("unknown bar interval %q", s)
	}
	return iv, nil
}

// Duration returns the wall-clock span the interval covers.
func (i Interval) Duration() time.Duration { return intervalDurations[i] }

// Valid reports whether the interval is one of the supported windows.
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// PriceBar is one OHLCV aggregate for a symbol. Prices are decimals so
// a bar survives store-and-reload without float drift.
type PriceBar struct {
	Symbol   string
	Interval Interval
	OpenTime time.Time // start of the aggregation window, UTC
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Source   string // provider that produced the bar, e.g. "finnhub"
}

// BarKey identifies a bar for upsert purposes. Two bars with equal
// keys are the same logical record and the later write wins.
type BarKey struct {
	Symbol   string
	Interval Interval
	OpenTime int64 // unix milliseconds
	Source   string
}

// Key returns the upsert identity of the bar.
func (b PriceBar) Key() BarKey {
	return BarKey{
		Symbol:   b.Symbol,
		Interval: b.Interval,
		OpenTime: b.OpenTime.UnixMilli(),
		Source:   b.Source,
	}
}

// Validate checks the bar's internal consistency. A bar that fails
// here never reaches storage or subscribers.
func (b PriceBar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar: empty symbol")
	}
	if !b.Interval.Valid() {
		return fmt.Errorf("bar %s: unknown interval %q", b.Symbol, b.Interval)
	}
	if b.OpenTime.IsZero() {
		return fmt.Errorf("bar %s: zero open time", b.Symbol)
	}
	if b.Source == "" {
		return fmt.Errorf("bar %s: empty source", b.Symbol)
	}
	if b.High.LessThan(decimal.Max(b.Open, b.Close)) {
		return fmt.Errorf("bar %s@%s: high %s below body", b.Symbol, b.OpenTime.Format(time.RFC3339), b.High)
	}
	if b.Low.GreaterThan(decimal.Min(b.Open, b.Close)) {
		return fmt.Errorf("bar %s@%s: low %s above body", b.Symbol, b.OpenTime.Format(time.RFC3339), b.Low)
	}
	if b.Volume.IsNegative() {
		return fmt.Errorf("bar %s@%s: negative volume %s", b.Symbol, b.OpenTime.Format(time.RFC3339), b.Volume)
	}
	return nil
}
