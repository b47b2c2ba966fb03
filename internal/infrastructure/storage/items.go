package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"ArticlesIngest/internal/canon"
	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/metrics"
)

var itemColumns = []string{
	"url",
	"source_id",
	"tier",
	"kind",
	"title",
	"published_at",
	"date_confidence",
	"content_hash",
	"raw_json",
	"raw_truncated",
	"first_seen_at",
	"last_seen_at",
}

// UpsertItem writes a single item in its own transaction.
func (s *SQLiteStore) UpsertItem(ctx context.Context, item domain.Item, now time.Time) (domain.UpsertResult, error) {
	results, err := s.UpsertItems(ctx, []domain.Item{item}, now)
	if err != nil {
		return domain.UpsertResult{}, err
	}
	return results[0], nil
}

// UpsertItems writes items in one transaction: either all of them are
// committed or none is.
func (s *SQLiteStore) UpsertItems(ctx context.Context, items []domain.Item, now time.Time) ([]domain.UpsertResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	results := make([]domain.UpsertResult, 0, len(items))
	err := s.withTx(ctx, "upsert items", func(tx *sql.Tx) error {
		for _, item := range items {
			res, err := s.upsertOne(ctx, tx, item, now)
			if err != nil {
				return fmt.Errorf("item %s: %w", item.URL, err)
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		s.metrics.IncCounter(metrics.ItemsUpserted, map[string]string{"event": string(r.Event)}, 1)
	}
	return results, nil
}

func (s *SQLiteStore) upsertOne(ctx context.Context, tx *sql.Tx, item domain.Item, now time.Time) (domain.UpsertResult, error) {
	item, err := s.prepareItem(item)
	if err != nil {
		return domain.UpsertResult{}, err
	}
	nowMs := toMillis(now)

	row, err := queryRowBuilder(ctx, tx, s.sb.Select("content_hash").From("items").Where(sq.Eq{"url": item.URL}))
	if err != nil {
		return domain.UpsertResult{}, err
	}
	var existingHash string
	switch err := row.Scan(&existingHash); {
	case errors.Is(err, sql.ErrNoRows):
		_, err := execBuilder(ctx, tx, s.sb.Insert("items").Columns(itemColumns...).Values(
			item.URL,
			item.SourceID,
			item.Tier,
			string(item.Kind),
			item.Title,
			nullableMillis(item.PublishedAt),
			string(item.DateConfidence),
			item.ContentHash,
			item.RawJSON,
			item.RawTruncated,
			nowMs,
			nowMs,
		))
		if err != nil {
			return domain.UpsertResult{}, fmt.Errorf("insert: %w", err)
		}
		return domain.UpsertResult{URL: item.URL, Event: domain.EventNew}, nil
	case err != nil:
		return domain.UpsertResult{}, fmt.Errorf("lookup: %w", err)
	}

	if existingHash == item.ContentHash {
		_, err := execBuilder(ctx, tx, s.sb.Update("items").
			Set("last_seen_at", sq.Expr("MAX(last_seen_at, ?)", nowMs)).
			Where(sq.Eq{"url": item.URL}))
		if err != nil {
			return domain.UpsertResult{}, fmt.Errorf("touch: %w", err)
		}
		return domain.UpsertResult{URL: item.URL, Event: domain.EventUnchanged}, nil
	}

	_, err = execBuilder(ctx, tx, s.sb.Update("items").SetMap(map[string]any{
		"content_hash":    item.ContentHash,
		"raw_json":        item.RawJSON,
		"raw_truncated":   item.RawTruncated,
		"title":           item.Title,
		"published_at":    nullableMillis(item.PublishedAt),
		"date_confidence": string(item.DateConfidence),
		"last_seen_at":    sq.Expr("MAX(last_seen_at, ?)", nowMs),
	}).Where(sq.Eq{"url": item.URL}))
	if err != nil {
		return domain.UpsertResult{}, fmt.Errorf("update: %w", err)
	}
	return domain.UpsertResult{URL: item.URL, Event: domain.EventUpdated}, nil
}

// prepareItem re-applies the item contract instead of trusting callers.
func (s *SQLiteStore) prepareItem(item domain.Item) (domain.Item, error) {
	canonical, err := s.canon.Canonicalize(item.URL, "")
	if err != nil {
		return item, &domain.SchemaError{Field: "url", Reason: err.Error()}
	}
	item.URL = canonical

	if item.SourceID == "" {
		return item, &domain.SchemaError{Field: "source_id", Reason: "required"}
	}
	if item.Title == "" {
		return item, &domain.SchemaError{Field: "title", Reason: "required"}
	}
	if item.Tier < 0 || item.Tier > 2 {
		return item, &domain.SchemaError{Field: "tier", Reason: fmt.Sprintf("%d out of range", item.Tier)}
	}
	if item.Kind == "" {
		item.Kind = domain.KindOther
	}

	switch {
	case item.PublishedAt == nil:
		item.DateConfidence = domain.ConfidenceLow
	case item.DateConfidence == domain.ConfidenceLow:
		return item, &domain.SchemaError{Field: "date_confidence", Reason: "LOW requires a null published_at"}
	case item.DateConfidence == "":
		item.DateConfidence = domain.ConfidenceMedium
	}

	if len(item.RawJSON) > domain.MaxRawJSONBytes {
		return item, &domain.SchemaError{Field: "raw_json", Reason: fmt.Sprintf("%d bytes exceeds cap", len(item.RawJSON))}
	}
	if item.RawJSON == "" {
		item.RawJSON = "{}"
	}
	if item.ContentHash == "" {
		item.ContentHash = canon.ContentHash(item.Title, item.URL, item.PublishedAt, string(item.Kind))
	}
	return item, nil
}

// GetItem returns the item stored under the canonical form of rawURL.
func (s *SQLiteStore) GetItem(ctx context.Context, rawURL string) (domain.Item, bool, error) {
	canonical, err := s.canon.Canonicalize(rawURL, "")
	if err != nil {
		return domain.Item{}, false, &domain.SchemaError{Field: "url", Reason: err.Error()}
	}

	items, err := s.queryItems(ctx, s.sb.Select(itemColumns...).From("items").Where(sq.Eq{"url": canonical}))
	if err != nil {
		return domain.Item{}, false, fmt.Errorf("get item: %w", err)
	}
	if len(items) == 0 {
		return domain.Item{}, false, nil
	}
	return items[0], true, nil
}

// GetItemsSince returns items published (or, when undated, first seen) at
// or after since, newest first with undated items last.
func (s *SQLiteStore) GetItemsSince(ctx context.Context, since time.Time) ([]domain.Item, error) {
	q := s.sb.Select(itemColumns...).From("items").
		Where(sq.Expr("COALESCE(published_at, first_seen_at) >= ?", toMillis(since))).
		OrderBy("published_at IS NULL", "published_at DESC", "url ASC")
	items, err := s.queryItems(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("get items since: %w", err)
	}
	return items, nil
}

// GetItemsBySource returns up to limit items of one source in canonical
// order; limit <= 0 means no limit.
func (s *SQLiteStore) GetItemsBySource(ctx context.Context, sourceID string, limit int) ([]domain.Item, error) {
	q := s.sb.Select(itemColumns...).From("items").
		Where(sq.Eq{"source_id": sourceID}).
		OrderBy("published_at IS NULL", "published_at DESC", "url ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	items, err := s.queryItems(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("get items by source: %w", err)
	}
	return items, nil
}

// PruneOldItems deletes items not seen for at least days. Windows shorter
// than the retention floor are rejected.
func (s *SQLiteStore) PruneOldItems(ctx context.Context, days int, now time.Time) (int64, error) {
	if days < config.MinItemRetentionDays {
		return 0, fmt.Errorf("item retention must be at least %d days, got %d", config.MinItemRetentionDays, days)
	}
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)

	var deleted int64
	err := s.withTx(ctx, "prune items", func(tx *sql.Tx) error {
		res, err := execBuilder(ctx, tx, s.sb.Delete("items").Where(sq.Lt{"last_seen_at": toMillis(cutoff)}))
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	s.metrics.IncCounter(metrics.ItemsPruned, nil, float64(deleted))
	if s.logger != nil {
		s.logger.Info("pruned items", "days", days, "cutoff", cutoff.UTC().Format(time.RFC3339), "deleted", deleted)
	}
	return deleted, nil
}

func (s *SQLiteStore) queryItems(ctx context.Context, b sq.Sqlizer) ([]domain.Item, error) {
	rows, err := queryBuilder(ctx, s.db, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Item
	for rows.Next() {
		var (
			it        domain.Item
			kind      string
			conf      string
			published sql.NullInt64
			firstSeen int64
			lastSeen  int64
		)
		if err := rows.Scan(
			&it.URL,
			&it.SourceID,
			&it.Tier,
			&kind,
			&it.Title,
			&published,
			&conf,
			&it.ContentHash,
			&it.RawJSON,
			&it.RawTruncated,
			&firstSeen,
			&lastSeen,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Kind = domain.Kind(kind)
		it.DateConfidence = domain.DateConfidence(conf)
		it.PublishedAt = timePtr(published)
		it.FirstSeenAt = fromMillis(firstSeen)
		it.LastSeenAt = fromMillis(lastSeen)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}
