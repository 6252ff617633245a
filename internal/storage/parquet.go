package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	"MarketPull/pkg/clock"
	"MarketPull/pkg/logger"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
)

// parquetEngine stores bars as one parquet file per (symbol, interval,
// UTC day). A file becomes visible to queries only once its manifest
// row commits, so readers never observe a half-written day.
type parquetEngine struct {
	dataDir string
	idx     *index
	clk     clock.Clock
	lgr     *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // one writer per partition file
}

func newParquetEngine(dataDir string, idx *index, clk clock.Clock, lgr *logger.Logger) *parquetEngine {
	return &parquetEngine{
		dataDir: dataDir,
		idx:     idx,
		clk:     clk,
		lgr:     lgr,
		locks:   map[string]*sync.Mutex{},
	}
}

// barRow is the columnar row shape. Prices ride as decimal strings so
// a bar survives store-and-reload without float drift.
type barRow struct {
	Symbol   string `parquet:"symbol"`
	Interval string `parquet:"interval"`
	OpenTime int64  `parquet:"open_time"` // unix ms, UTC
	Open     string `parquet:"open"`
	High     string `parquet:"high"`
	Low      string `parquet:"low"`
	Close    string `parquet:"close"`
	Volume   string `parquet:"volume"`
	Source   string `parquet:"source"`
}

func rowFromBar(b models.PriceBar) barRow {
	return barRow{
		Symbol:   b.Symbol,
		Interval: string(b.Interval),
		OpenTime: b.OpenTime.UTC().UnixMilli(),
		Open:     b.Open.String(),
		High:     b.High.String(),
		Low:      b.Low.String(),
		Close:    b.Close.String(),
		Volume:   b.Volume.String(),
		Source:   b.Source,
	}
}

func (r barRow) bar() (models.PriceBar, error) {
	b := models.PriceBar{
		Symbol:   r.Symbol,
		Interval: models.Interval(r.Interval),
		OpenTime: time.UnixMilli(r.OpenTime).UTC(),
		Source:   r.Source,
	}
	for _, f := range []struct {
		name string
		dst  *decimal.Decimal
		src  string
	}{
		{"open", &b.Open, r.Open},
		{"high", &b.High, r.High},
		{"low", &b.Low, r.Low},
		{"close", &b.Close, r.Close},
		{"volume", &b.Volume, r.Volume},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return models.PriceBar{}, fmt.Errorf("parquet row %s/%s: %s %q: %w", r.Symbol, r.Interval, f.name, f.src, err)
		}
		*f.dst = d
	}
	return b, nil
}

func (e *parquetEngine) name() string { return "parquet" }

// partitionPath puts a day file at bars/<interval>/<symbol>/<day>.parquet.
func (e *parquetEngine) partitionPath(symbol string, interval models.Interval, day string) string {
	// Exchange-prefixed symbols may carry path separators.
	safe := strings.ReplaceAll(symbol, string(filepath.Separator), "_")
	return filepath.Join(e.dataDir, "bars", string(interval), safe, day+".parquet")
}

func (e *parquetEngine) lockFor(path string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[path]
	if !ok {
		l = &sync.Mutex{}
		e.locks[path] = l
	}
	return l
}

type partitionKey struct {
	Symbol   string
	Interval models.Interval
	Day      string
}

func (e *parquetEngine) appendBars(ctx context.Context, bars []models.PriceBar) error {
	groups := map[partitionKey][]models.PriceBar{}
	for _, b := range bars {
		key := partitionKey{Symbol: b.Symbol, Interval: b.Interval, Day: dayOf(b.OpenTime)}
		groups[key] = append(groups[key], b)
	}
	for key, group := range groups {
		if err := e.appendPartition(ctx, key, group); err != nil {
			return err
		}
	}
	return nil
}

// appendPartition merges a batch into one day file: read the visible
// rows, upsert by key with the incoming record winning, sort, write a
// temp file, rename, then commit the manifest row. Same-partition
// appends serialize on the partition lock; disjoint partitions run
// concurrently.
func (e *parquetEngine) appendPartition(ctx context.Context, key partitionKey, group []models.PriceBar) error {
	path := e.partitionPath(key.Symbol, key.Interval, key.Day)
	lock := e.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	existing, createdUTC, err := e.visibleRows(ctx, path)
	if err != nil {
		return err
	}

	merged := make(map[models.BarKey]models.PriceBar, len(existing)+len(group))
	for _, b := range existing {
		merged[b.Key()] = b
	}
	for _, b := range group {
		merged[b.Key()] = b
	}

	out := make([]models.PriceBar, 0, len(merged))
	for _, b := range merged {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].OpenTime.Before(out[j].OpenTime)
		}
		return out[i].Source < out[j].Source
	})

	rows := make([]barRow, len(out))
	for i, b := range out {
		rows[i] = rowFromBar(b)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("parquet: mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("parquet: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("parquet: rename %s: %w", path, err)
	}

	now := e.clk.Now().UTC().UnixMilli()
	if createdUTC == 0 {
		createdUTC = now
	}
	row := partitionRow{
		Path:       path,
		Symbol:     key.Symbol,
		Interval:   key.Interval,
		Day:        key.Day,
		Rows:       int64(len(out)),
		MinTS:      out[0].OpenTime.UnixMilli(),
		MaxTS:      out[len(out)-1].OpenTime.UnixMilli(),
		CreatedUTC: createdUTC,
		UpdatedUTC: now,
	}
	if err := e.idx.commitPartition(ctx, row); err != nil {
		return err
	}
	return nil
}

// visibleRows loads the bars a reader would currently see for a
// partition path: nothing unless the manifest row exists. An orphan
// file left by a crash before commit is silently overwritten.
func (e *parquetEngine) visibleRows(ctx context.Context, path string) ([]models.PriceBar, int64, error) {
	row, ok, err := e.idx.partitionFor(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, nil
	}
	bars, err := e.readFile(path)
	if err != nil {
		return nil, 0, err
	}
	return bars, row.CreatedUTC, nil
}

func (e *parquetEngine) readFile(path string) ([]models.PriceBar, error) {
	rows, err := parquet.ReadFile[barRow](path)
	if err != nil {
		return nil, fmt.Errorf("parquet: read %s: %w", path, err)
	}
	bars := make([]models.PriceBar, 0, len(rows))
	for _, r := range rows {
		b, err := r.bar()
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func (e *parquetEngine) queryBars(ctx context.Context, f repository.BarFilter) ([]models.PriceBar, error) {
	parts, err := e.idx.partitionsInRange(ctx, f.Symbol, f.Interval, dayOf(f.From), dayOf(f.To))
	if err != nil {
		return nil, err
	}
	fromMS := f.From.UTC().UnixMilli()
	toMS := f.To.UTC().UnixMilli()

	var out []models.PriceBar
	for _, part := range parts {
		if part.MaxTS < fromMS || part.MinTS > toMS {
			continue
		}
		bars, err := e.readFile(part.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// A prune dropped the row and file mid-query.
				e.lgr.Warn("parquet partition vanished during query", logger.String("path", part.Path))
				continue
			}
			return nil, err
		}
		for _, b := range bars {
			ms := b.OpenTime.UnixMilli()
			if ms < fromMS || ms > toMS {
				continue
			}
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// pruneBars drops whole expired day partitions: the manifest row goes
// first so the file is already invisible when unlinked; a crash in
// between leaves only an unreferenced file.
func (e *parquetEngine) pruneBars(ctx context.Context, barCutoff, tickCutoff time.Time) (int, error) {
	expired, err := e.idx.expiredPartitions(ctx, dayOf(barCutoff), dayOf(tickCutoff))
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, part := range expired {
		lock := e.lockFor(part.Path)
		lock.Lock()
		if err := e.idx.dropPartition(ctx, part.Path); err != nil {
			lock.Unlock()
			return dropped, err
		}
		if err := os.Remove(part.Path); err != nil && !os.IsNotExist(err) {
			e.lgr.Warn("parquet partition unlink failed",
				logger.String("path", part.Path), logger.Error(err))
		}
		lock.Unlock()
		dropped++
		e.lgr.Info("bar partition pruned",
			logger.String("symbol", part.Symbol),
			logger.String("interval", string(part.Interval)),
			logger.String("day", part.Day))
	}
	return dropped, nil
}

func (e *parquetEngine) health(ctx context.Context) error {
	if _, err := os.Stat(e.dataDir); err != nil {
		return fmt.Errorf("parquet: data dir: %w", err)
	}
	return nil
}

// flush is a no-op: every append is durable once its rename and
// manifest commit return.
func (e *parquetEngine) flush(ctx context.Context) error { return nil }

func (e *parquetEngine) close() error { return nil }
