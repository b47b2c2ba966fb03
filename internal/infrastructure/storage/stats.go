package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"ArticlesIngest/internal/domain"
)

// GetStats summarizes what the store currently holds.
func (s *SQLiteStore) GetStats(ctx context.Context) (domain.Stats, error) {
	stats := domain.Stats{ItemsBySource: map[string]int{}}

	version, err := s.GetSchemaVersion(ctx)
	if err != nil {
		return stats, err
	}
	stats.SchemaVersion = version

	counts := []struct {
		dst *int
		b   sq.SelectBuilder
	}{
		{&stats.Items, s.sb.Select("COUNT(*)").From("items")},
		{&stats.Runs, s.sb.Select("COUNT(*)").From("runs")},
		{&stats.SuccessfulRuns, s.sb.Select("COUNT(*)").From("runs").Where(sq.Eq{"state": string(domain.RunFinishedSuccess)})},
		{&stats.CacheEntries, s.sb.Select("COUNT(*)").From("http_cache")},
	}
	for _, c := range counts {
		row, err := queryRowBuilder(ctx, s.db, c.b)
		if err != nil {
			return stats, err
		}
		if err := row.Scan(c.dst); err != nil {
			return stats, fmt.Errorf("count: %w", err)
		}
	}

	row, err := queryRowBuilder(ctx, s.db, s.sb.Select("MIN(first_seen_at)", "MAX(last_seen_at)").From("items"))
	if err != nil {
		return stats, err
	}
	var oldest, newest sql.NullInt64
	if err := row.Scan(&oldest, &newest); err != nil {
		return stats, fmt.Errorf("item age: %w", err)
	}
	stats.OldestItemSeen = timePtr(oldest)
	stats.NewestItemSeen = timePtr(newest)

	if stats.LastSuccessAt, err = s.GetLastSuccessfulRunFinishedAt(ctx); err != nil {
		return stats, err
	}

	rows, err := queryBuilder(ctx, s.db, s.sb.Select("source_id", "COUNT(*)").From("items").GroupBy("source_id"))
	if err != nil {
		return stats, fmt.Errorf("items by source: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			source string
			n      int
		)
		if err := rows.Scan(&source, &n); err != nil {
			return stats, fmt.Errorf("scan items by source: %w", err)
		}
		stats.ItemsBySource[source] = n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("rows iteration: %w", err)
	}
	return stats, nil
}
