package clickhouse

import "fmt"

// BarsSchema returns the DDL for the bars table. ReplacingMergeTree
// keyed on the bar identity makes duplicate appends an upsert once
// parts merge; queries read FINAL so the upsert is visible before
// that. Day partitions are the retention unit.
func BarsSchema(database, table string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			symbol   LowCardinality(String),
			interval LowCardinality(String),
			ts       DateTime('UTC'),
			source   LowCardinality(String),
			open     Decimal(38, 12),
			high     Decimal(38, 12),
			low      Decimal(38, 12),
			close    Decimal(38, 12),
			volume   Decimal(38, 12),
			inserted DateTime DEFAULT now()
		) ENGINE = ReplacingMergeTree(inserted)
		PARTITION BY toYYYYMMDD(ts)
		ORDER BY (symbol, interval, ts, source)`, database, table),
	}
}
