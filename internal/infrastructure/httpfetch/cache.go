package httpfetch

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/ports"
)

// CacheManager is the only writer of per-source conditional request state.
type CacheManager struct {
	store  ports.CacheStore
	logger *slog.Logger
}

// NewCacheManager wires a cache store; a nil store disables caching.
func NewCacheManager(store ports.CacheStore, logger *slog.Logger) *CacheManager {
	return &CacheManager{store: store, logger: logger}
}

// Lookup returns the stored entry for a source, if any. Store errors are
// logged and treated as a miss so a broken cache never blocks a fetch.
func (m *CacheManager) Lookup(ctx context.Context, sourceID string) (domain.HTTPCacheEntry, bool) {
	if m == nil || m.store == nil || sourceID == "" {
		return domain.HTTPCacheEntry{}, false
	}
	entry, found, err := m.store.GetHTTPCache(ctx, sourceID)
	if err != nil {
		m.warn("http cache lookup failed", "source", sourceID, "error_class", domain.ErrorClass(err))
		return domain.HTTPCacheEntry{}, false
	}
	return entry, found
}

// ConditionalHeaders computes If-None-Match / If-Modified-Since for an entry.
func ConditionalHeaders(entry domain.HTTPCacheEntry) http.Header {
	h := http.Header{}
	if entry.ETag != "" {
		h.Set("If-None-Match", entry.ETag)
	}
	if entry.LastModified != "" {
		h.Set("If-Modified-Since", entry.LastModified)
	}
	return h
}

// Record stores the outcome of a fetch attempt. Validators only change when
// the upstream sent a different non-empty value; status and timestamp
// always change.
func (m *CacheManager) Record(ctx context.Context, prev domain.HTTPCacheEntry, sourceID string, status int, headers http.Header, at time.Time) {
	if m == nil || m.store == nil || sourceID == "" {
		return
	}

	entry := prev
	entry.SourceID = sourceID
	entry.LastStatus = status
	entry.LastFetchAt = at.UTC()

	if status == http.StatusNotModified || (status >= 200 && status < 300) {
		if etag := headers.Get("ETag"); etag != "" && etag != entry.ETag {
			entry.ETag = etag
		}
		if lm := headers.Get("Last-Modified"); lm != "" && lm != entry.LastModified {
			entry.LastModified = lm
		}
	}

	if err := m.store.UpsertHTTPCacheHeaders(ctx, entry); err != nil {
		m.warn("http cache write failed", "source", sourceID, "error_class", domain.ErrorClass(err))
	}
}

func (m *CacheManager) warn(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, args...)
	}
}
