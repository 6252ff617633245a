package storage

import (
	"context"

	"MarketPull/internal/domain/repository"
	"MarketPull/pkg/logger"
)

// Prune drops every whole day that fell outside its retention window.
// A partial failure still reports whatever the earlier stages removed.
func (m *Manager) Prune(ctx context.Context) (repository.PruneReport, error) {
	now := m.clk.Now().UTC()
	var report repository.PruneReport

	parts, err := m.bars.pruneBars(ctx,
		now.Add(-m.opts.Retention.Bars),
		now.Add(-m.opts.Retention.TickBars))
	report.BarPartitions = parts
	if err != nil {
		return report, err
	}

	report.NewsRows, err = m.idx.pruneNews(ctx, dayOf(now.Add(-m.opts.Retention.News)))
	if err != nil {
		return report, err
	}

	report.FilingRows, err = m.idx.pruneFilings(ctx, dayOf(now.Add(-m.opts.Retention.Filings)))
	return report, err
}

// RunRetention sweeps on the configured interval until ctx is done.
// Run it on its own goroutine.
func (m *Manager) RunRetention(ctx context.Context) {
	ticker := m.clk.NewTicker(m.opts.Retention.SweepInterval)
	defer ticker.Stop()
	m.lgr.Info("retention sweeper started",
		logger.Duration("interval", m.opts.Retention.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := m.Prune(ctx)
			if err != nil {
				m.lgr.Error("retention sweep failed", logger.Error(err))
				m.metrics.RecordError("retention_sweep")
				continue
			}
			if report.BarPartitions+report.NewsRows+report.FilingRows == 0 {
				continue
			}
			m.lgr.Info("retention sweep done",
				logger.Int("bar_partitions", report.BarPartitions),
				logger.Int("news_rows", report.NewsRows),
				logger.Int("filing_rows", report.FilingRows))
		}
	}
}
