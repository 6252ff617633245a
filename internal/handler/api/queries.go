package api

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	"MarketPull/internal/service/cache"
	xhttp "MarketPull/pkg/http"
	"MarketPull/pkg/logger"
	"MarketPull/pkg/util"
)

type barsRequest struct {
	Symbol   string `param:"symbol" validate:"required"`
	Interval string `query:"interval" default:"1m" validate:"omitempty,oneof=tick 1m 5m 15m 1h 1d"`
	From     string `query:"from"`
	To       string `query:"to"`
	Limit    int    `query:"limit" default:"500" validate:"gte=0,lte=10000"`
}

// Bars serves OHLCV history for one symbol and interval.
func (h *Handler) Bars(c echo.Context) error {
	req := &barsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	from, err := parseTimeParam(req.From)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("from: %v", err))
	}
	to, err := parseTimeParam(req.To)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("to: %v", err))
	}

	symbol := util.NormalizeSymbol(req.Symbol)
	interval := models.Interval(req.Interval)

	key := cache.Key("bars", symbol, interval, req.From, req.To, req.Limit)
	rows, err := cache.Through(c.Request().Context(), h.cache, key, func(ctx context.Context) ([]models.BarJSON, error) {
		bars, qerr := h.store.QueryBars(ctx, repository.BarFilter{
			Symbol:   symbol,
			Interval: interval,
			From:     from,
			To:       to,
			Limit:    req.Limit,
		})
		if qerr != nil {
			return nil, qerr
		}
		out := make([]models.BarJSON, 0, len(bars))
		for _, b := range bars {
			out = append(out, models.NewBarJSON(b))
		}
		return out, nil
	})
	if err != nil {
		h.lgr.Error("bars query failed", logger.String("symbol", symbol), logger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("query failed").WithError(err))
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

type newsRequest struct {
	Ticker string `query:"ticker"`
	Since  string `query:"since"`
	Limit  int    `query:"limit" default:"100" validate:"gte=0,lte=1000"`
}

// News serves stored news items, newest first, optionally narrowed to
// one ticker.
func (h *Handler) News(c echo.Context) error {
	req := &newsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	since, err := parseTimeParam(req.Since)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("since: %v", err))
	}

	ticker := util.NormalizeSymbol(req.Ticker)

	key := cache.Key("news", ticker, req.Since, req.Limit)
	rows, err := cache.Through(c.Request().Context(), h.cache, key, func(ctx context.Context) ([]models.NewsJSON, error) {
		items, qerr := h.store.QueryNews(ctx, repository.NewsFilter{
			Ticker: ticker,
			Since:  since,
			Limit:  req.Limit,
		})
		if qerr != nil {
			return nil, qerr
		}
		out := make([]models.NewsJSON, 0, len(items))
		for _, n := range items {
			out = append(out, models.NewNewsJSON(n))
		}
		return out, nil
	})
	if err != nil {
		h.lgr.Error("news query failed", logger.String("ticker", ticker), logger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("query failed").WithError(err))
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

type filingsRequest struct {
	Symbol string `param:"symbol" validate:"required"`
	Type   string `query:"type" validate:"omitempty,oneof=10-K 10-Q 8-K other"`
	Since  string `query:"since"`
	Limit  int    `query:"limit" default:"100" validate:"gte=0,lte=1000"`
}

// Filings serves regulatory filings for one symbol, newest first.
func (h *Handler) Filings(c echo.Context) error {
	req := &filingsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	since, err := parseTimeParam(req.Since)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("since: %v", err))
	}

	symbol := util.NormalizeSymbol(req.Symbol)

	key := cache.Key("filings", symbol, req.Type, req.Since, req.Limit)
	rows, err := cache.Through(c.Request().Context(), h.cache, key, func(ctx context.Context) ([]models.FilingJSON, error) {
		filings, qerr := h.store.QueryFilings(ctx, repository.FilingFilter{
			Symbol: symbol,
			Type:   models.FilingType(req.Type),
			Since:  since,
			Limit:  req.Limit,
		})
		if qerr != nil {
			return nil, qerr
		}
		out := make([]models.FilingJSON, 0, len(filings))
		for _, f := range filings {
			out = append(out, models.NewFilingJSON(f))
		}
		return out, nil
	})
	if err != nil {
		h.lgr.Error("filings query failed", logger.String("symbol", symbol), logger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("query failed").WithError(err))
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

// parseTimeParam accepts what util.ParseTime accepts. Empty means
// unbounded.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, ok := util.ParseTime(s); ok {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("want RFC 3339, YYYY-MM-DD or unix seconds, got %q", s)
}
