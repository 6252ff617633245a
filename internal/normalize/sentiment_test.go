package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadlineSentiment(t *testing.T) {
	cases := []struct {
		headline string
		want     float64
		absent   bool
	}{
		{headline: "Shares rise on strong growth", want: 1},
		{headline: "Revenue misses as demand falls", want: -1},
		{headline: "Profit up but outlook weak", want: 1.0 / 3},
		{headline: "Quarterly report scheduled for Thursday", absent: true},
		{headline: "", absent: true},
	}
	for _, tc := range cases {
		got := HeadlineSentiment(tc.headline)
		if tc.absent {
			assert.Nil(t, got, "headline %q", tc.headline)
			continue
		}
		require.NotNil(t, got, "headline %q", tc.headline)
		assert.InDelta(t, tc.want, *got, 1e-9, "headline %q", tc.headline)
	}
}

func TestTickerGuesses(t *testing.T) {
	got := TickerGuesses("MSFT AND AAPL close THE gap, NVDA NOT far behind")
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, got)

	assert.Empty(t, TickerGuesses("lowercase only headline"))
	assert.Equal(t, []string{"AAPL"}, TickerGuesses("AAPL AAPL AAPL"), "duplicates collapse")
}
