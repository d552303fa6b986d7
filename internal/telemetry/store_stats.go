package telemetry

import (
	"context"
	"fmt"
)

type StoreStats struct {
	Events      int64 `json:"events"`
	Estimated   int64 `json:"estimated"`
	Cancelled   int64 `json:"cancelled"`
	CounterRows int64 `json:"counter_rows"`
}

// Stats reports row counts for diagnostics output.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	var stats StoreStats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(estimated), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0)
		FROM usage_events
	`)
	if err := row.Scan(&stats.Events, &stats.Estimated, &stats.Cancelled); err != nil {
		return stats, fmt.Errorf("telemetry: count usage events: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cumulative_totals`).Scan(&stats.CounterRows); err != nil {
		return stats, fmt.Errorf("telemetry: count cumulative totals: %w", err)
	}
	return stats, nil
}
