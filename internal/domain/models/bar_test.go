package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBar() PriceBar {
	return PriceBar{
		Symbol:   "AAPL",
		Interval: Interval1m,
		OpenTime: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
		Open:     decimal.RequireFromString("190.10"),
		High:     decimal.RequireFromString("190.55"),
		Low:      decimal.RequireFromString("189.90"),
		Close:    decimal.RequireFromString("190.42"),
		Volume:   decimal.NewFromInt(12000),
		Source:   "finnhub",
	}
}

func TestPriceBarValidateAccepts(t *testing.T) {
	require.NoError(t, validBar().Validate())

	// High exactly at the body top and low exactly at the bottom are
	// legal bars.
	flat := validBar()
	flat.High = decimal.Max(flat.Open, flat.Close)
	flat.Low = decimal.Min(flat.Open, flat.Close)
	require.NoError(t, flat.Validate())
}

func TestPriceBarValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PriceBar)
	}{
		{"empty symbol", func(b *PriceBar) { b.Symbol = "" }},
		{"unknown interval", func(b *PriceBar) { b.Interval = "2m" }},
		{"zero open time", func(b *PriceBar) { b.OpenTime = time.Time{} }},
		{"empty source", func(b *PriceBar) { b.Source = "" }},
		{"high below open", func(b *PriceBar) { b.High = decimal.RequireFromString("190.00") }},
		{"high below close", func(b *PriceBar) { b.High = decimal.RequireFromString("190.20") }},
		{"low above open", func(b *PriceBar) { b.Low = decimal.RequireFromString("190.20") }},
		{"negative volume", func(b *PriceBar) { b.Volume = decimal.NewFromInt(-1) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bar := validBar()
			tc.mutate(&bar)
			assert.Error(t, bar.Validate())
		})
	}
}

func TestPriceBarKeyIdentity(t *testing.T) {
	a := validBar()
	b := validBar()
	b.Close = decimal.RequireFromString("191.00")
	b.High = decimal.RequireFromString("191.00")

	// Same symbol/interval/open-time/source is the same logical bar
	// regardless of the prices it carries.
	assert.Equal(t, a.Key(), b.Key())

	c := validBar()
	c.Source = "backfill"
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval("1h")
	require.NoError(t, err)
	assert.Equal(t, Interval1h, iv)
	assert.Equal(t, time.Hour, iv.Duration())

	_, err = ParseInterval("90s")
	assert.Error(t, err)
}
