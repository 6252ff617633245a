package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	"MarketPull/internal/normalize"
	"MarketPull/internal/service/ratelimit"
	"MarketPull/internal/service/vault"
	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

// QuotesConfig wires the finnhub REST quote poller.
type QuotesConfig struct {
	BaseURL  string
	Symbols  []string
	Interval time.Duration
	// Backfill, when positive, makes the first cycle for each symbol
	// pull that much minute-candle history before live quotes start.
	Backfill time.Duration
}

// Quotes polls finnhub /quote once per symbol per cycle and emits the
// resulting minute bars as one batch. It shares the finnhub rate
// bucket and vault key with the trade stream.
type Quotes struct {
	cfg     QuotesConfig
	vault   *vault.Vault
	limiter *ratelimit.Limiter
	client  *http.Client
	clk     clock.Clock
	lgr     *logger.Logger
	metrics repository.Metrics

	// backfilled is touched only from Run, which the runtime drives
	// from a single goroutine.
	backfilled map[string]bool
}

func NewQuotes(cfg QuotesConfig, v *vault.Vault, l *ratelimit.Limiter, client *http.Client, clk clock.Clock, lgr *logger.Logger, metrics repository.Metrics) *Quotes {
	return &Quotes{
		cfg:        cfg,
		vault:      v,
		limiter:    l,
		client:     client,
		clk:        clk,
		lgr:        lgr,
		metrics:    metrics,
		backfilled: make(map[string]bool),
	}
}

func (q *Quotes) Name() string            { return "finnhub_quotes" }
func (q *Quotes) Kind() Kind              { return KindPoll }
func (q *Quotes) Provider() string        { return "finnhub" }
func (q *Quotes) Interval() time.Duration { return q.cfg.Interval }

// Run fetches every configured symbol. Per-symbol errors are logged
// and skipped; the cycle only fails when no symbol got through.
func (q *Quotes) Run(ctx context.Context, sink Sink) error {
	var bars []models.PriceBar
	var firstErr error
	fetched := 0

	for _, symbol := range q.cfg.Symbols {
		if q.cfg.Backfill > 0 && !q.backfilled[symbol] {
			if err := q.backfill(ctx, symbol, sink); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				q.lgr.Warn("candle backfill failed",
					logger.String("symbol", symbol),
					logger.Error(err))
			} else {
				q.backfilled[symbol] = true
			}
		}

		bar, err := q.fetchQuote(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("quote %s: %w", symbol, err)
			}
			q.metrics.RecordDropped(q.Name(), "fetch")
			q.lgr.Warn("quote fetch failed",
				logger.String("symbol", symbol),
				logger.Error(err))
			continue
		}
		fetched++
		bars = append(bars, bar)
	}

	if len(bars) > 0 {
		if err := sink.Bars(ctx, q.Name(), bars); err != nil {
			return fmt.Errorf("deliver quotes: %w", err)
		}
	}
	if fetched == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}

func (q *Quotes) fetchQuote(ctx context.Context, symbol string) (models.PriceBar, error) {
	if err := q.limiter.AcquireBlocking(ctx, q.Provider()); err != nil {
		return models.PriceBar{}, err
	}
	var payload []byte
	err := q.vault.WithSecret(q.Provider(), func(secret []byte) error {
		u := fmt.Sprintf("%s/quote?symbol=%s&token=%s",
			q.cfg.BaseURL, url.QueryEscape(symbol), url.QueryEscape(string(secret)))
		var ferr error
		payload, ferr = fetchJSON(ctx, q.client, u, nil)
		return ferr
	})
	if err != nil {
		return models.PriceBar{}, err
	}
	return normalize.FinnhubQuote(symbol, payload)
}

// backfill pulls minute candles for the configured lookback and hands
// them to the sink as one batch.
func (q *Quotes) backfill(ctx context.Context, symbol string, sink Sink) error {
	if err := q.limiter.AcquireBlocking(ctx, q.Provider()); err != nil {
		return err
	}
	to := q.clk.Now().UTC()
	from := to.Add(-q.cfg.Backfill)

	var payload []byte
	err := q.vault.WithSecret(q.Provider(), func(secret []byte) error {
		u := fmt.Sprintf("%s/stock/candle?symbol=%s&resolution=1&from=%d&to=%d&token=%s",
			q.cfg.BaseURL, url.QueryEscape(symbol), from.Unix(), to.Unix(), url.QueryEscape(string(secret)))
		var ferr error
		payload, ferr = fetchJSON(ctx, q.client, u, nil)
		return ferr
	})
	if err != nil {
		return err
	}

	bars, dropped, err := normalize.FinnhubCandles(symbol, models.Interval1m, payload)
	if err != nil {
		return err
	}
	for _, d := range dropped {
		q.metrics.RecordDropped(q.Name(), d.Field)
		q.lgr.Warn("backfill candle dropped",
			logger.String("symbol", symbol),
			logger.String("field", d.Field),
			logger.String("reason", d.Reason))
	}
	if len(bars) == 0 {
		return nil
	}
	q.lgr.Info("candle backfill loaded",
		logger.String("symbol", symbol),
		logger.Int("bars", len(bars)))
	return sink.Bars(ctx, q.Name(), bars)
}
