package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"ArticlesIngest/internal/domain"
)

// GetHTTPCache returns the conditional request state of a source.
func (s *SQLiteStore) GetHTTPCache(ctx context.Context, sourceID string) (domain.HTTPCacheEntry, bool, error) {
	row, err := queryRowBuilder(ctx, s.db, s.sb.
		Select("source_id", "etag", "last_modified", "last_status", "last_fetch_at").
		From("http_cache").
		Where(sq.Eq{"source_id": sourceID}))
	if err != nil {
		return domain.HTTPCacheEntry{}, false, err
	}

	var (
		entry   domain.HTTPCacheEntry
		fetchAt int64
	)
	switch err := row.Scan(&entry.SourceID, &entry.ETag, &entry.LastModified, &entry.LastStatus, &fetchAt); {
	case errors.Is(err, sql.ErrNoRows):
		return domain.HTTPCacheEntry{}, false, nil
	case err != nil:
		return domain.HTTPCacheEntry{}, false, fmt.Errorf("get http cache: %w", err)
	}
	entry.LastFetchAt = fromMillis(fetchAt)
	return entry, true, nil
}

// UpsertHTTPCacheHeaders replaces the stored entry of a source.
func (s *SQLiteStore) UpsertHTTPCacheHeaders(ctx context.Context, entry domain.HTTPCacheEntry) error {
	if entry.SourceID == "" {
		return &domain.SchemaError{Field: "source_id", Reason: "required"}
	}
	return s.withTx(ctx, "upsert http cache", func(tx *sql.Tx) error {
		_, err := execBuilder(ctx, tx, s.sb.Insert("http_cache").
			Columns("source_id", "etag", "last_modified", "last_status", "last_fetch_at").
			Values(entry.SourceID, entry.ETag, entry.LastModified, entry.LastStatus, toMillis(entry.LastFetchAt)).
			Suffix(`ON CONFLICT (source_id) DO UPDATE SET
    etag = excluded.etag,
    last_modified = excluded.last_modified,
    last_status = excluded.last_status,
    last_fetch_at = excluded.last_fetch_at`))
		return err
	})
}
