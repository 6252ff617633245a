package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	"MarketPull/internal/normalize"
	"MarketPull/internal/service/ratelimit"
	"MarketPull/pkg/logger"
)

// EdgarConfig wires the SEC EDGAR filings poller. EDGAR is keyless but
// fair-access policy requires a contact User-Agent on every request.
type EdgarConfig struct {
	BaseURL   string // https://data.sec.gov
	TickerURL string // https://www.sec.gov/files/company_tickers.json
	UserAgent string
	Symbols   []string
	Interval  time.Duration
}

// Edgar polls company submission feeds. The ticker-to-CIK map is
// fetched once on the first cycle and cached for the process lifetime.
type Edgar struct {
	cfg     EdgarConfig
	limiter *ratelimit.Limiter
	client  *http.Client
	lgr     *logger.Logger
	metrics repository.Metrics

	// ciks maps upper-cased ticker to a zero-padded CIK. Touched only
	// from Run.
	ciks map[string]string
}

func NewEdgar(cfg EdgarConfig, l *ratelimit.Limiter, client *http.Client, lgr *logger.Logger, metrics repository.Metrics) *Edgar {
	return &Edgar{
		cfg:     cfg,
		limiter: l,
		client:  client,
		lgr:     lgr,
		metrics: metrics,
	}
}

func (e *Edgar) Name() string            { return "edgar" }
func (e *Edgar) Kind() Kind              { return KindPoll }
func (e *Edgar) Provider() string        { return "edgar" }
func (e *Edgar) Interval() time.Duration { return e.cfg.Interval }

func (e *Edgar) Run(ctx context.Context, sink Sink) error {
	if e.ciks == nil {
		if err := e.loadCIKs(ctx); err != nil {
			return fmt.Errorf("edgar ticker map: %w", err)
		}
	}

	var all []models.Filing
	var firstErr error
	fetched := 0

	for _, symbol := range e.cfg.Symbols {
		cik, ok := e.ciks[strings.ToUpper(symbol)]
		if !ok {
			e.metrics.RecordDropped(e.Name(), "cik")
			e.lgr.Warn("no CIK for symbol", logger.String("symbol", symbol))
			continue
		}

		payload, err := e.fetchSubmissions(ctx, cik)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("submissions %s: %w", symbol, err)
			}
			e.metrics.RecordDropped(e.Name(), "fetch")
			e.lgr.Warn("submissions fetch failed",
				logger.String("symbol", symbol),
				logger.Error(err))
			continue
		}

		filings, dropped, err := normalize.EdgarFilings(symbol, payload)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("submissions %s: %w", symbol, err)
			}
			e.metrics.RecordDropped(e.Name(), "payload")
			e.lgr.Warn("submissions payload rejected",
				logger.String("symbol", symbol),
				logger.Error(err))
			continue
		}
		for _, d := range dropped {
			e.metrics.RecordDropped(e.Name(), d.Field)
			e.lgr.Warn("filing dropped",
				logger.String("field", d.Field),
				logger.String("reason", d.Reason))
		}
		fetched++
		all = append(all, filings...)
	}

	if len(all) > 0 {
		if err := sink.Filings(ctx, e.Name(), all); err != nil {
			return fmt.Errorf("deliver filings: %w", err)
		}
	}
	if fetched == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}

// loadCIKs pulls the SEC's company ticker file and builds the lookup.
func (e *Edgar) loadCIKs(ctx context.Context) error {
	if err := e.limiter.AcquireBlocking(ctx, e.Provider()); err != nil {
		return err
	}
	payload, err := fetchJSON(ctx, e.client, e.cfg.TickerURL, e.header())
	if err != nil {
		return err
	}

	var companies map[string]struct {
		CIK    int64  `json:"cik_str"`
		Ticker string `json:"ticker"`
	}
	if err := json.Unmarshal(payload, &companies); err != nil {
		return fmt.Errorf("decode ticker file: %w", err)
	}

	ciks := make(map[string]string, len(companies))
	for _, c := range companies {
		if c.Ticker == "" {
			continue
		}
		ciks[strings.ToUpper(c.Ticker)] = fmt.Sprintf("%010d", c.CIK)
	}
	e.ciks = ciks
	e.lgr.Info("edgar ticker map loaded", logger.Int("tickers", len(ciks)))
	return nil
}

func (e *Edgar) fetchSubmissions(ctx context.Context, cik string) ([]byte, error) {
	if err := e.limiter.AcquireBlocking(ctx, e.Provider()); err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/submissions/CIK%s.json", e.cfg.BaseURL, cik)
	return fetchJSON(ctx, e.client, u, e.header())
}

func (e *Edgar) header() http.Header {
	h := http.Header{}
	if e.cfg.UserAgent != "" {
		h.Set("User-Agent", e.cfg.UserAgent)
	}
	return h
}
