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

const defaultNewsLookback = 24 * time.Hour

// NewsConfig wires the finnhub company-news poller.
type NewsConfig struct {
	BaseURL  string
	Symbols  []string
	Interval time.Duration
	// Lookback is the window the first cycle covers. Later cycles
	// start where the last clean cycle ended.
	Lookback time.Duration
}

// News polls finnhub company-news per symbol. Finnhub windows the
// endpoint by calendar day, so cycles overlap at the edges; the store
// upserts on (source, id) and collapses the duplicates.
type News struct {
	cfg     NewsConfig
	vault   *vault.Vault
	limiter *ratelimit.Limiter
	client  *http.Client
	clk     clock.Clock
	lgr     *logger.Logger
	metrics repository.Metrics

	// since is touched only from Run.
	since time.Time
}

func NewNews(cfg NewsConfig, v *vault.Vault, l *ratelimit.Limiter, client *http.Client, clk clock.Clock, lgr *logger.Logger, metrics repository.Metrics) *News {
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultNewsLookback
	}
	return &News{
		cfg:     cfg,
		vault:   v,
		limiter: l,
		client:  client,
		clk:     clk,
		lgr:     lgr,
		metrics: metrics,
	}
}

func (n *News) Name() string { return "news" }
func (n *News) Kind() Kind   { return KindPoll }

// Provider keeps the historic bucket name; the key itself still lives
// under the finnhub vault service.
func (n *News) Provider() string        { return "newsapi" }
func (n *News) Interval() time.Duration { return n.cfg.Interval }

func (n *News) Run(ctx context.Context, sink Sink) error {
	now := n.clk.Now().UTC()
	since := n.since
	if since.IsZero() {
		since = now.Add(-n.cfg.Lookback)
	}
	from := since.Format("2006-01-02")
	to := now.Format("2006-01-02")

	var all []models.NewsItem
	var firstErr error
	fetched := 0

	for _, symbol := range n.cfg.Symbols {
		payload, err := n.fetch(ctx, symbol, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("news %s: %w", symbol, err)
			}
			n.metrics.RecordDropped(n.Name(), "fetch")
			n.lgr.Warn("news fetch failed",
				logger.String("symbol", symbol),
				logger.Error(err))
			continue
		}

		items, dropped, err := normalize.FinnhubNews(payload)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("news %s: %w", symbol, err)
			}
			n.metrics.RecordDropped(n.Name(), "payload")
			n.lgr.Warn("news payload rejected",
				logger.String("symbol", symbol),
				logger.Error(err))
			continue
		}
		for _, d := range dropped {
			n.metrics.RecordDropped(n.Name(), d.Field)
			n.lgr.Warn("news item dropped",
				logger.String("field", d.Field),
				logger.String("reason", d.Reason))
		}
		fetched++
		all = append(all, items...)
	}

	if len(all) > 0 {
		if err := sink.News(ctx, n.Name(), all); err != nil {
			return fmt.Errorf("deliver news: %w", err)
		}
	}
	if fetched == 0 && firstErr != nil {
		return firstErr
	}
	// Only advance the window when every symbol got through, so a
	// failed symbol is retried from the same day next cycle.
	if firstErr == nil {
		n.since = now
	}
	return nil
}

func (n *News) fetch(ctx context.Context, symbol, from, to string) ([]byte, error) {
	if err := n.limiter.AcquireBlocking(ctx, n.Provider()); err != nil {
		return nil, err
	}
	var payload []byte
	err := n.vault.WithSecret("finnhub", func(secret []byte) error {
		u := fmt.Sprintf("%s/company-news?symbol=%s&from=%s&to=%s&token=%s",
			n.cfg.BaseURL, url.QueryEscape(symbol), from, to, url.QueryEscape(string(secret)))
		var ferr error
		payload, ferr = fetchJSON(ctx, n.client, u, nil)
		return ferr
	})
	return payload, err
}
