package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"MarketPull/internal/domain/models"
	"MarketPull/internal/domain/repository"
	"MarketPull/pkg/logger"

	"github.com/shopspring/decimal"
)

// clickhouseEngine stores bars in a ReplacingMergeTree ordered by the
// upsert key, partitioned by UTC day. FINAL at query time collapses
// duplicate keys to the latest insert.
type clickhouseEngine struct {
	db     *sql.DB
	table  string // as given, possibly database-qualified; used in DDL/DML
	dbName string // empty when table was unqualified
	bare   string // unqualified table name, as system.parts reports it
	lgr    *logger.Logger
}

func newClickHouseEngine(db *sql.DB, table string, lgr *logger.Logger) *clickhouseEngine {
	e := &clickhouseEngine{db: db, table: table, bare: table, lgr: lgr}
	// system.parts holds database and table separately, never "db.table".
	if i := strings.IndexByte(table, '.'); i >= 0 {
		e.dbName, e.bare = table[:i], table[i+1:]
	}
	return e
}

func (e *clickhouseEngine) name() string { return "clickhouse" }

func (e *clickhouseEngine) appendBars(ctx context.Context, bars []models.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}
	// Multi-row VALUES in chunks to keep round-trips down.
	const chunkSize = 2000
	for start := 0; start < len(bars); start += chunkSize {
		end := start + chunkSize
		if end > len(bars) {
			end = len(bars)
		}
		values := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*9)
		for _, b := range bars[start:end] {
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				b.Symbol,
				string(b.Interval),
				b.OpenTime.UTC(),
				b.Source,
				b.Open,
				b.High,
				b.Low,
				b.Close,
				b.Volume,
			)
		}
		q := fmt.Sprintf("INSERT INTO %s (symbol, interval, ts, source, open, high, low, close, volume) VALUES %s",
			e.table, strings.Join(values, ","))
		if _, err := e.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("clickhouse: insert bars: %w", err)
		}
	}
	return nil
}

func (e *clickhouseEngine) queryBars(ctx context.Context, f repository.BarFilter) ([]models.PriceBar, error) {
	// Decimals travel as strings both ways so no driver float sneaks in.
	q := fmt.Sprintf(`SELECT symbol, interval, ts, source,
		toString(open), toString(high), toString(low), toString(close), toString(volume)
		FROM %s FINAL
		WHERE symbol = ? AND interval = ? AND ts >= ? AND ts <= ?
		ORDER BY ts %s`, e.table, orderFor(f.Limit))
	args := []any{f.Symbol, string(f.Interval), f.From.UTC(), f.To.UTC()}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: query bars: %w", err)
	}
	defer rows.Close()

	var out []models.PriceBar
	for rows.Next() {
		var (
			b             models.PriceBar
			interval      string
			ts            time.Time
			o, h, l, c, v string
		)
		if err := rows.Scan(&b.Symbol, &interval, &ts, &b.Source, &o, &h, &l, &c, &v); err != nil {
			return nil, fmt.Errorf("clickhouse: scan bar: %w", err)
		}
		b.Interval = models.Interval(interval)
		b.OpenTime = ts.UTC()
		for _, p := range []struct {
			dst *decimal.Decimal
			src string
		}{{&b.Open, o}, {&b.High, h}, {&b.Low, l}, {&b.Close, c}, {&b.Volume, v}} {
			d, derr := decimal.NewFromString(p.src)
			if derr != nil {
				return nil, fmt.Errorf("clickhouse: bar %s decimal %q: %w", b.Symbol, p.src, derr)
			}
			*p.dst = d
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clickhouse: query bars: %w", err)
	}
	if f.Limit > 0 {
		// Newest rows selected descending; present ascending.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func orderFor(limit int) string {
	if limit > 0 {
		return "DESC"
	}
	return "ASC"
}

// pruneBars drops whole expired day partitions, after clearing tick
// rows past their own shorter window via a whole-day mutation.
func (e *clickhouseEngine) pruneBars(ctx context.Context, barCutoff, tickCutoff time.Time) (int, error) {
	tickBoundary := tickCutoff.UTC().Truncate(24 * time.Hour)
	mutation := fmt.Sprintf("ALTER TABLE %s DELETE WHERE interval = ? AND ts < ?", e.table)
	if _, err := e.db.ExecContext(ctx, mutation, string(models.IntervalTick), tickBoundary); err != nil {
		return 0, fmt.Errorf("clickhouse: prune tick bars: %w", err)
	}

	partsQuery := "SELECT DISTINCT partition FROM system.parts WHERE database = currentDatabase() AND table = ? AND active"
	partsArgs := []any{e.bare}
	if e.dbName != "" {
		partsQuery = "SELECT DISTINCT partition FROM system.parts WHERE database = ? AND table = ? AND active"
		partsArgs = []any{e.dbName, e.bare}
	}
	rows, err := e.db.QueryContext(ctx, partsQuery, partsArgs...)
	if err != nil {
		return 0, fmt.Errorf("clickhouse: list partitions: %w", err)
	}
	defer rows.Close()

	cutoffDay := dayOf(barCutoff)
	var expired []string
	for rows.Next() {
		var part string
		if err := rows.Scan(&part); err != nil {
			return 0, fmt.Errorf("clickhouse: scan partition: %w", err)
		}
		if isDayPartition(part) && part < cutoffDay {
			expired = append(expired, part)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("clickhouse: list partitions: %w", err)
	}

	dropped := 0
	for _, part := range expired {
		// Partition ids are validated digits; DROP PARTITION takes a
		// literal, not a placeholder.
		q := fmt.Sprintf("ALTER TABLE %s DROP PARTITION %s", e.table, part)
		if _, err := e.db.ExecContext(ctx, q); err != nil {
			return dropped, fmt.Errorf("clickhouse: drop partition %s: %w", part, err)
		}
		dropped++
		e.lgr.Info("bar partition pruned", logger.String("backend", "clickhouse"), logger.String("day", part))
	}
	return dropped, nil
}

// isDayPartition accepts exactly the YYYYMMDD shape toYYYYMMDD emits.
func isDayPartition(part string) bool {
	if len(part) != 8 {
		return false
	}
	for _, r := range part {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (e *clickhouseEngine) health(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *clickhouseEngine) flush(ctx context.Context) error { return nil }

// close is a no-op; the connection pool belongs to pkg/clickhouse.
func (e *clickhouseEngine) close() error { return nil }
