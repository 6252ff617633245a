package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	"MarketPull/pkg/logger"

	"github.com/klauspost/compress/gzip"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// index is the sqlite metadata store: the bar partition manifest that
// gates parquet visibility, plus the news and filings tables. WAL mode
// keeps readers off the writer's back.
type index struct {
	pool *sqlitex.Pool
	lgr  *logger.Logger
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS bar_partitions (
	path        TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL,
	interval    TEXT NOT NULL,
	day         TEXT NOT NULL,
	row_count   INTEGER NOT NULL,
	min_ts      INTEGER NOT NULL,
	max_ts      INTEGER NOT NULL,
	created_utc INTEGER NOT NULL,
	updated_utc INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bar_partitions_lookup ON bar_partitions(symbol, interval, day);
CREATE INDEX IF NOT EXISTS idx_bar_partitions_day ON bar_partitions(day);

CREATE TABLE IF NOT EXISTS news (
	source    TEXT NOT NULL,
	id        TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	day       TEXT NOT NULL,
	headline  TEXT NOT NULL,
	summary   TEXT,
	url       TEXT,
	tickers   TEXT NOT NULL,
	sentiment REAL,
	raw       BLOB,
	PRIMARY KEY (source, id)
);
CREATE INDEX IF NOT EXISTS idx_news_ts ON news(ts);
CREATE INDEX IF NOT EXISTS idx_news_day ON news(day);

CREATE TABLE IF NOT EXISTS filings (
	symbol    TEXT NOT NULL,
	type      TEXT NOT NULL,
	raw_type  TEXT NOT NULL,
	date      TEXT NOT NULL,
	filed_utc INTEGER NOT NULL,
	url       TEXT NOT NULL,
	title     TEXT,
	day       TEXT NOT NULL,
	raw       BLOB,
	PRIMARY KEY (symbol, type, date, url)
);
CREATE INDEX IF NOT EXISTS idx_filings_symbol_date ON filings(symbol, date);
CREATE INDEX IF NOT EXISTS idx_filings_day ON filings(day);
`

func openIndex(path string, lgr *logger.Logger) (*index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("index: mkdir: %w", err)
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 4,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("index: %s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}

	idx := &index{pool: pool, lgr: lgr}
	if err := idx.initSchema(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return idx, nil
}

func (x *index) initSchema(ctx context.Context) error {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, indexSchema, nil); err != nil {
		return fmt.Errorf("index: schema: %w", err)
	}
	return nil
}

func (x *index) close() error {
	return x.pool.Close()
}

func (x *index) health(ctx context.Context) error {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

// checkpoint flushes the WAL into the main database file.
func (x *index) checkpoint(ctx context.Context) error {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA wal_checkpoint(TRUNCATE)", nil); err != nil {
		return fmt.Errorf("index: checkpoint: %w", err)
	}
	return nil
}

// dayOf formats the UTC day bucket used for partitioning and
// retention.
func dayOf(t time.Time) string {
	return t.UTC().Format("20060102")
}

// ---- bar partition manifest ----

// partitionRow describes one committed parquet day file. A file is
// visible to queries only while its row exists.
type partitionRow struct {
	Path       string
	Symbol     string
	Interval   models.Interval
	Day        string
	Rows       int64
	MinTS      int64 // unix ms
	MaxTS      int64
	CreatedUTC int64
	UpdatedUTC int64
}

func (x *index) commitPartition(ctx context.Context, row partitionRow) error {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)
	err = sqlitex.Execute(conn, `
		INSERT INTO bar_partitions (path, symbol, interval, day, row_count, min_ts, max_ts, created_utc, updated_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			row_count = excluded.row_count,
			min_ts = excluded.min_ts,
			max_ts = excluded.max_ts,
			updated_utc = excluded.updated_utc`,
		&sqlitex.ExecOptions{Args: []any{
			row.Path, row.Symbol, string(row.Interval), row.Day,
			row.Rows, row.MinTS, row.MaxTS, row.CreatedUTC, row.UpdatedUTC,
		}})
	if err != nil {
		return fmt.Errorf("index: commit partition %s: %w", row.Path, err)
	}
	return nil
}

// partitionFor returns the manifest row for a path, if committed.
func (x *index) partitionFor(ctx context.Context, path string) (partitionRow, bool, error) {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return partitionRow{}, false, fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)

	var row partitionRow
	found := false
	err = sqlitex.Execute(conn, `
		SELECT path, symbol, interval, day, row_count, min_ts, max_ts, created_utc, updated_utc
		FROM bar_partitions WHERE path = ?`,
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row = scanPartition(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return partitionRow{}, false, fmt.Errorf("index: partition %s: %w", path, err)
	}
	return row, found, nil
}

// partitionsInRange lists committed partitions for a symbol and
// interval between two day buckets inclusive, in day order.
func (x *index) partitionsInRange(ctx context.Context, symbol string, interval models.Interval, fromDay, toDay string) ([]partitionRow, error) {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)

	var rows []partitionRow
	err = sqlitex.Execute(conn, `
		SELECT path, symbol, interval, day, row_count, min_ts, max_ts, created_utc, updated_utc
		FROM bar_partitions
		WHERE symbol = ? AND interval = ? AND day >= ? AND day <= ?
		ORDER BY day ASC`,
		&sqlitex.ExecOptions{
			Args: []any{symbol, string(interval), fromDay, toDay},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, scanPartition(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("index: partitions %s/%s: %w", symbol, interval, err)
	}
	return rows, nil
}

// expiredPartitions lists partitions whose whole day fell outside the
// retention window. Tick bars age on their own, shorter cutoff.
func (x *index) expiredPartitions(ctx context.Context, barCutoffDay, tickCutoffDay string) ([]partitionRow, error) {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)

	var rows []partitionRow
	err = sqlitex.Execute(conn, `
		SELECT path, symbol, interval, day, row_count, min_ts, max_ts, created_utc, updated_utc
		FROM bar_partitions
		WHERE (interval = ? AND day < ?) OR (interval != ? AND day < ?)
		ORDER BY day ASC`,
		&sqlitex.ExecOptions{
			Args: []any{string(models.IntervalTick), tickCutoffDay, string(models.IntervalTick), barCutoffDay},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, scanPartition(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("index: expired partitions: %w", err)
	}
	return rows, nil
}

// dropPartition removes the manifest row. The row is the visibility
// gate, so callers unlink the file only after this returns.
func (x *index) dropPartition(ctx context.Context, path string) error {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)
	err = sqlitex.Execute(conn, "DELETE FROM bar_partitions WHERE path = ?",
		&sqlitex.ExecOptions{Args: []any{path}})
	if err != nil {
		return fmt.Errorf("index: drop partition %s: %w", path, err)
	}
	return nil
}

func scanPartition(stmt *sqlite.Stmt) partitionRow {
	return partitionRow{
		Path:       stmt.ColumnText(0),
		Symbol:     stmt.ColumnText(1),
		Interval:   models.Interval(stmt.ColumnText(2)),
		Day:        stmt.ColumnText(3),
		Rows:       stmt.ColumnInt64(4),
		MinTS:      stmt.ColumnInt64(5),
		MaxTS:      stmt.ColumnInt64(6),
		CreatedUTC: stmt.ColumnInt64(7),
		UpdatedUTC: stmt.ColumnInt64(8),
	}
}

// ---- news ----

func (x *index) upsertNews(ctx context.Context, items []models.NewsItem) (err error) {
	if len(items) == 0 {
		return nil
	}
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer end(&err)

	for i := range items {
		item := &items[i]
		tickers, merr := json.Marshal(item.Tickers)
		if merr != nil {
			return fmt.Errorf("index: news %s/%s tickers: %w", item.Source, item.ID, merr)
		}
		raw, gerr := gzipBytes(item.Raw)
		if gerr != nil {
			return fmt.Errorf("index: news %s/%s raw: %w", item.Source, item.ID, gerr)
		}
		var sentiment any
		if item.Sentiment != nil {
			sentiment = *item.Sentiment
		}
		err = sqlitex.Execute(conn, `
			INSERT OR REPLACE INTO news (source, id, ts, day, headline, summary, url, tickers, sentiment, raw)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				item.Source, item.ID, item.PublishedAt.UTC().UnixMilli(), dayOf(item.PublishedAt),
				item.Headline, item.Summary, item.URL, string(tickers), sentiment, raw,
			}})
		if err != nil {
			return fmt.Errorf("index: upsert news %s/%s: %w", item.Source, item.ID, err)
		}
	}
	return nil
}

// queryNews returns matching items newest first.
func (x *index) queryNews(ctx context.Context, f repository.NewsFilter) ([]models.NewsItem, error) {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)

	query := "SELECT source, id, ts, headline, summary, url, tickers, sentiment, raw FROM news WHERE ts >= ?"
	args := []any{f.Since.UTC().UnixMilli()}
	if f.Ticker != "" {
		// Tickers are stored as a JSON array of uppercase strings, so
		// the quoted token matches exactly.
		query += " AND tickers LIKE ?"
		args = append(args, `%"`+strings.ToUpper(f.Ticker)+`"%`)
	}
	query += " ORDER BY ts DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var items []models.NewsItem
	err = sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			item, serr := scanNews(stmt)
			if serr != nil {
				return serr
			}
			items = append(items, item)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("index: query news: %w", err)
	}
	return items, nil
}

func scanNews(stmt *sqlite.Stmt) (models.NewsItem, error) {
	item := models.NewsItem{
		Source:      stmt.ColumnText(0),
		ID:          stmt.ColumnText(1),
		PublishedAt: time.UnixMilli(stmt.ColumnInt64(2)).UTC(),
		Headline:    stmt.ColumnText(3),
		Summary:     stmt.ColumnText(4),
		URL:         stmt.ColumnText(5),
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(6)), &item.Tickers); err != nil {
		return models.NewsItem{}, fmt.Errorf("index: news %s/%s tickers: %w", item.Source, item.ID, err)
	}
	if stmt.ColumnType(7) != sqlite.TypeNull {
		s := stmt.ColumnFloat(7)
		item.Sentiment = &s
	}
	raw, err := readGzipColumn(stmt, 8)
	if err != nil {
		return models.NewsItem{}, fmt.Errorf("index: news %s/%s raw: %w", item.Source, item.ID, err)
	}
	item.Raw = raw
	return item, nil
}

// pruneNews deletes whole expired days and reports the row count.
func (x *index) pruneNews(ctx context.Context, cutoffDay string) (int, error) {
	return x.pruneDocs(ctx, "news", cutoffDay)
}

// ---- filings ----

func (x *index) upsertFilings(ctx context.Context, filings []models.Filing) (err error) {
	if len(filings) == 0 {
		return nil
	}
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer end(&err)

	for i := range filings {
		f := &filings[i]
		raw, gerr := gzipBytes(f.Raw)
		if gerr != nil {
			return fmt.Errorf("index: filing %s: %w", f.Symbol, gerr)
		}
		key := f.Key()
		err = sqlitex.Execute(conn, `
			INSERT OR REPLACE INTO filings (symbol, type, raw_type, date, filed_utc, url, title, day, raw)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				f.Symbol, string(f.Type), f.RawType, key.Date, f.FiledAt.UTC().UnixMilli(),
				f.URL, f.Title, dayOf(f.FiledAt), raw,
			}})
		if err != nil {
			return fmt.Errorf("index: upsert filing %s %s: %w", f.Symbol, key.Date, err)
		}
	}
	return nil
}

// queryFilings returns matching filings newest first.
func (x *index) queryFilings(ctx context.Context, f repository.FilingFilter) ([]models.Filing, error) {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)

	query := "SELECT symbol, type, raw_type, filed_utc, url, title, raw FROM filings WHERE symbol = ? AND filed_utc >= ?"
	args := []any{f.Symbol, f.Since.UTC().UnixMilli()}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	query += " ORDER BY filed_utc DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var filings []models.Filing
	err = sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			filing, serr := scanFiling(stmt)
			if serr != nil {
				return serr
			}
			filings = append(filings, filing)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("index: query filings: %w", err)
	}
	return filings, nil
}

func scanFiling(stmt *sqlite.Stmt) (models.Filing, error) {
	f := models.Filing{
		Symbol:  stmt.ColumnText(0),
		Type:    models.FilingType(stmt.ColumnText(1)),
		RawType: stmt.ColumnText(2),
		FiledAt: time.UnixMilli(stmt.ColumnInt64(3)).UTC(),
		URL:     stmt.ColumnText(4),
		Title:   stmt.ColumnText(5),
	}
	raw, err := readGzipColumn(stmt, 6)
	if err != nil {
		return models.Filing{}, fmt.Errorf("index: filing %s: %w", f.Symbol, err)
	}
	f.Raw = raw
	return f, nil
}

func (x *index) pruneFilings(ctx context.Context, cutoffDay string) (int, error) {
	return x.pruneDocs(ctx, "filings", cutoffDay)
}

func (x *index) pruneDocs(ctx context.Context, table, cutoffDay string) (int, error) {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("index: take: %w", err)
	}
	defer x.pool.Put(conn)

	if err := sqlitex.ExecuteTransient(conn, "DELETE FROM "+table+" WHERE day < ?",
		&sqlitex.ExecOptions{Args: []any{cutoffDay}}); err != nil {
		return 0, fmt.Errorf("index: prune %s: %w", table, err)
	}
	return conn.Changes(), nil
}

// ---- raw blob compression ----

func gzipBytes(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func readGzipColumn(stmt *sqlite.Stmt, col int) ([]byte, error) {
	if stmt.ColumnType(col) == sqlite.TypeNull || stmt.ColumnLen(col) == 0 {
		return nil, nil
	}
	blob := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, blob)
	return gunzipBytes(blob)
}
