// Package storage persists canonical records behind a single Manager:
// bars in day-partitioned parquet files (or ClickHouse), news and
// filings in sqlite, with retention sweeping whole expired days.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"
)

// ErrAppendExhausted marks an append batch that failed every retry.
// The batch was logged line by line for replay before this returned.
var ErrAppendExhausted = errors.New("storage: append retries exhausted")

// barEngine is the pluggable bars backend.
type barEngine interface {
	name() string
	appendBars(ctx context.Context, bars []models.PriceBar) error
	queryBars(ctx context.Context, f repository.BarFilter) ([]models.PriceBar, error)
	pruneBars(ctx context.Context, barCutoff, tickCutoff time.Time) (int, error)
	health(ctx context.Context) error
	flush(ctx context.Context) error
	close() error
}

// RetentionWindows holds per-class retention spans. Zero values take
// the defaults.
type RetentionWindows struct {
	SweepInterval time.Duration
	Bars          time.Duration
	TickBars      time.Duration
	News          time.Duration
	Filings       time.Duration
}

const (
	defaultSweepInterval = 6 * time.Hour
	defaultBarsWindow    = 730 * 24 * time.Hour
	defaultTickWindow    = 7 * 24 * time.Hour
	defaultNewsWindow    = 365 * 24 * time.Hour
	defaultFilingsWindow = 1095 * 24 * time.Hour
	defaultMaxRetries    = 3
	defaultRetryBackoff  = time.Second
)

func (w *RetentionWindows) applyDefaults() {
	if w.SweepInterval <= 0 {
		w.SweepInterval = defaultSweepInterval
	}
	if w.Bars <= 0 {
		w.Bars = defaultBarsWindow
	}
	if w.TickBars <= 0 {
		w.TickBars = defaultTickWindow
	}
	if w.News <= 0 {
		w.News = defaultNewsWindow
	}
	if w.Filings <= 0 {
		w.Filings = defaultFilingsWindow
	}
}

// Options configures a Manager.
type Options struct {
	// DataDir is the root for parquet day files.
	DataDir string
	// IndexPath is the sqlite database holding the partition manifest
	// plus the news and filings tables.
	IndexPath string
	// MaxRetries is the number of retries after a failed append
	// attempt; backoff doubles from RetryBackoff between attempts.
	MaxRetries   int
	RetryBackoff time.Duration
	Retention    RetentionWindows
	// ClickHouse, when set, replaces the parquet engine for bars. The
	// pool stays owned by the caller.
	ClickHouse      *sql.DB
	ClickHouseTable string
}

// Manager implements repository.Storage over the configured engines.
type Manager struct {
	opts    Options
	bars    barEngine
	idx     *index
	clk     clock.Clock
	lgr     *logger.Logger
	metrics repository.Metrics
}

// New opens the sqlite index and wires the configured bars engine.
func New(opts Options, clk clock.Clock, lgr *logger.Logger, m repository.Metrics) (*Manager, error) {
	if opts.IndexPath == "" {
		return nil, fmt.Errorf("storage: index path is required")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	opts.Retention.applyDefaults()

	idx, err := openIndex(opts.IndexPath, lgr)
	if err != nil {
		return nil, err
	}

	var bars barEngine
	switch {
	case opts.ClickHouse != nil:
		table := opts.ClickHouseTable
		if table == "" {
			table = "bars"
		}
		bars = newClickHouseEngine(opts.ClickHouse, table, lgr)
	default:
		if opts.DataDir == "" {
			_ = idx.close()
			return nil, fmt.Errorf("storage: data dir is required for the parquet backend")
		}
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			_ = idx.close()
			return nil, fmt.Errorf("storage: data dir: %w", err)
		}
		bars = newParquetEngine(opts.DataDir, idx, clk, lgr)
	}

	return &Manager{opts: opts, bars: bars, idx: idx, clk: clk, lgr: lgr, metrics: m}, nil
}

// AppendBars upserts a batch of bars, retrying transient failures.
func (m *Manager) AppendBars(ctx context.Context, bars []models.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}
	start := m.clk.Now()
	err := m.withRetry(ctx, "bars", func(ctx context.Context) error {
		return m.bars.appendBars(ctx, bars)
	})
	m.metrics.RecordAppendDuration(m.bars.name(), m.clk.Since(start).Seconds())
	if errors.Is(err, ErrAppendExhausted) {
		m.logReplay(len(bars), func(i int) models.Envelope {
			return models.BarEnvelope(m.clk.Now(), &bars[i])
		})
	}
	return err
}

// AppendNews upserts news items, retrying transient failures.
func (m *Manager) AppendNews(ctx context.Context, items []models.NewsItem) error {
	if len(items) == 0 {
		return nil
	}
	start := m.clk.Now()
	err := m.withRetry(ctx, "news", func(ctx context.Context) error {
		return m.idx.upsertNews(ctx, items)
	})
	m.metrics.RecordAppendDuration("sqlite", m.clk.Since(start).Seconds())
	if errors.Is(err, ErrAppendExhausted) {
		m.logReplay(len(items), func(i int) models.Envelope {
			return models.NewsEnvelope(m.clk.Now(), &items[i])
		})
	}
	return err
}

// AppendFilings upserts filings, retrying transient failures.
func (m *Manager) AppendFilings(ctx context.Context, filings []models.Filing) error {
	if len(filings) == 0 {
		return nil
	}
	start := m.clk.Now()
	err := m.withRetry(ctx, "filings", func(ctx context.Context) error {
		return m.idx.upsertFilings(ctx, filings)
	})
	m.metrics.RecordAppendDuration("sqlite", m.clk.Since(start).Seconds())
	if errors.Is(err, ErrAppendExhausted) {
		m.logReplay(len(filings), func(i int) models.Envelope {
			return models.FilingEnvelope(m.clk.Now(), &filings[i])
		})
	}
	return err
}

// withRetry runs op, retrying up to MaxRetries times with doubling
// backoff. Context cancellation wins over the remaining retries.
func (m *Manager) withRetry(ctx context.Context, kind string, op func(context.Context) error) error {
	backoff := m.opts.RetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= m.opts.MaxRetries {
			break
		}
		m.lgr.Warn("append failed, retrying",
			logger.String("kind", kind),
			logger.Int("attempt", attempt+1),
			logger.Duration("backoff", backoff),
			logger.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clk.After(backoff):
		}
		backoff *= 2
	}
	m.metrics.RecordError("append_exhausted")
	return fmt.Errorf("%w after %d attempts: %v", ErrAppendExhausted, m.opts.MaxRetries+1, err)
}

// logReplay writes one error line per record in the canonical wire
// form so an operator can re-publish the batch on the replay topic.
func (m *Manager) logReplay(n int, env func(int) models.Envelope) {
	for i := 0; i < n; i++ {
		line, err := models.EncodeEnvelope(env(i))
		if err != nil {
			m.lgr.Error("replay encode failed", logger.Error(err))
			continue
		}
		m.lgr.Error("replay", logger.String("record", string(line)))
	}
}

// QueryBars returns bars ascending by open time. With a limit, the
// newest rows win and still come back ascending.
func (m *Manager) QueryBars(ctx context.Context, f repository.BarFilter) ([]models.PriceBar, error) {
	if f.Symbol == "" {
		return nil, fmt.Errorf("storage: bar query needs a symbol")
	}
	if !f.Interval.Valid() {
		return nil, fmt.Errorf("storage: bar query needs a valid interval, got %q", f.Interval)
	}
	if f.To.IsZero() {
		f.To = m.clk.Now()
	}
	start := m.clk.Now()
	bars, err := m.bars.queryBars(ctx, f)
	m.metrics.RecordLatency("query_bars", m.clk.Since(start).Seconds())
	return bars, err
}

// QueryNews returns news newest first.
func (m *Manager) QueryNews(ctx context.Context, f repository.NewsFilter) ([]models.NewsItem, error) {
	start := m.clk.Now()
	items, err := m.idx.queryNews(ctx, f)
	m.metrics.RecordLatency("query_news", m.clk.Since(start).Seconds())
	return items, err
}

// QueryFilings returns filings newest first.
func (m *Manager) QueryFilings(ctx context.Context, f repository.FilingFilter) ([]models.Filing, error) {
	if f.Symbol == "" {
		return nil, fmt.Errorf("storage: filing query needs a symbol")
	}
	start := m.clk.Now()
	filings, err := m.idx.queryFilings(ctx, f)
	m.metrics.RecordLatency("query_filings", m.clk.Since(start).Seconds())
	return filings, err
}

// Health checks both the bars engine and the index.
func (m *Manager) Health(ctx context.Context) error {
	if err := m.bars.health(ctx); err != nil {
		return err
	}
	return m.idx.health(ctx)
}

// Flush drains pending engine work and checkpoints the sqlite WAL.
func (m *Manager) Flush(ctx context.Context) error {
	if err := m.bars.flush(ctx); err != nil {
		return err
	}
	return m.idx.checkpoint(ctx)
}

// Close releases the engines. Appended records are already durable.
func (m *Manager) Close() error {
	engineErr := m.bars.close()
	idxErr := m.idx.close()
	if engineErr != nil {
		return engineErr
	}
	return idxErr
}
