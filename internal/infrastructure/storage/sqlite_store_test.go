package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/metrics"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func datedItem(url, title string, published time.Time) domain.Item {
	return domain.Item{
		URL:            url,
		SourceID:       "blog",
		Tier:           1,
		Kind:           domain.KindBlog,
		Title:          title,
		PublishedAt:    &published,
		DateConfidence: domain.ConfidenceHigh,
		RawJSON:        `{"title":"` + title + `"}`,
	}
}

func TestOpenUsesWALAndMigrates(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	var mode string
	if err := store.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal mode, got %q", mode)
	}

	version, err := store.GetSchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema version 2, got %d", version)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.UpsertItem(ctx, datedItem("https://example.com/a", "A", baseTime), baseTime); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, found, err := reopened.GetItem(ctx, "https://example.com/a"); err != nil || !found {
		t.Fatalf("expected item after reopen, found=%v err=%v", found, err)
	}
}

func TestUpsertItemsIdempotent(t *testing.T) {
	t.Parallel()

	rec := metrics.NewRegistry()
	store := openTestStore(t, WithMetrics(rec))
	ctx := context.Background()

	items := []domain.Item{
		datedItem("https://example.com/a", "A", baseTime.Add(-time.Hour)),
		datedItem("https://example.com/b", "B", baseTime.Add(-2*time.Hour)),
	}

	first, err := store.UpsertItems(ctx, items, baseTime)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	for _, r := range first {
		if r.Event != domain.EventNew {
			t.Fatalf("expected NEW on first upsert, got %s for %s", r.Event, r.URL)
		}
	}

	later := baseTime.Add(24 * time.Hour)
	second, err := store.UpsertItems(ctx, items, later)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	for _, r := range second {
		if r.Event != domain.EventUnchanged {
			t.Fatalf("expected UNCHANGED on second upsert, got %s for %s", r.Event, r.URL)
		}
	}

	got, found, err := store.GetItem(ctx, "https://example.com/a")
	if err != nil || !found {
		t.Fatalf("get item: found=%v err=%v", found, err)
	}
	if !got.FirstSeenAt.Equal(baseTime) {
		t.Fatalf("first_seen_at changed: %v", got.FirstSeenAt)
	}
	if !got.LastSeenAt.Equal(later) {
		t.Fatalf("expected last_seen_at %v, got %v", later, got.LastSeenAt)
	}
	if got.ContentHash == "" {
		t.Fatalf("expected store to compute content hash")
	}

	if n := rec.Counter(metrics.ItemsUpserted, map[string]string{"event": "NEW"}); n != 2 {
		t.Fatalf("expected 2 NEW upserts recorded, got %v", n)
	}
	if n := rec.Counter(metrics.ItemsUpserted, map[string]string{"event": "UNCHANGED"}); n != 2 {
		t.Fatalf("expected 2 UNCHANGED upserts recorded, got %v", n)
	}
}

func TestUpsertDetectsUpdate(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.UpsertItem(ctx, datedItem("https://example.com/a", "Draft", baseTime), baseTime); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := store.UpsertItem(ctx, datedItem("https://example.com/a", "Final", baseTime), baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Event != domain.EventUpdated {
		t.Fatalf("expected UPDATED, got %s", res.Event)
	}

	got, _, err := store.GetItem(ctx, "https://example.com/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Final" {
		t.Fatalf("expected title to be updated, got %q", got.Title)
	}
	if !got.FirstSeenAt.Equal(baseTime) {
		t.Fatalf("first_seen_at changed on update: %v", got.FirstSeenAt)
	}
}

func TestUpsertOlderObservationKeepsLastSeen(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	item := datedItem("https://example.com/a", "A", baseTime)

	if _, err := store.UpsertItem(ctx, item, baseTime); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.UpsertItem(ctx, item, baseTime.Add(-time.Hour)); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, _, err := store.GetItem(ctx, item.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastSeenAt.Equal(baseTime) {
		t.Fatalf("last_seen_at moved backwards: %v", got.LastSeenAt)
	}
}

func TestUpsertCanonicalizesKey(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	item := datedItem("HTTPS://Example.com:443/post?utm_source=feed#top", "Post", baseTime)
	res, err := store.UpsertItem(ctx, item, baseTime)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.URL != "https://example.com/post" {
		t.Fatalf("unexpected canonical url %q", res.URL)
	}

	again, err := store.UpsertItem(ctx, datedItem("https://example.com/post", "Post", baseTime), baseTime)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if again.Event != domain.EventUnchanged {
		t.Fatalf("expected variant urls to share a row, got %s", again.Event)
	}
}

func TestUpsertEnforcesDateConfidence(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	undated := domain.Item{
		URL:            "https://example.com/undated",
		SourceID:       "blog",
		Kind:           domain.KindBlog,
		Title:          "Undated",
		DateConfidence: domain.ConfidenceHigh,
	}
	if _, err := store.UpsertItem(ctx, undated, baseTime); err != nil {
		t.Fatalf("upsert undated: %v", err)
	}
	got, _, err := store.GetItem(ctx, undated.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DateConfidence != domain.ConfidenceLow || got.PublishedAt != nil {
		t.Fatalf("expected LOW with null date, got %s %v", got.DateConfidence, got.PublishedAt)
	}

	bad := datedItem("https://example.com/bad", "Bad", baseTime)
	bad.DateConfidence = domain.ConfidenceLow
	_, err = store.UpsertItem(ctx, bad, baseTime)
	var schemaErr *domain.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestUpsertItemsIsAtomic(t *testing.T) {
	t.Parallel()

	rec := metrics.NewRegistry()
	store := openTestStore(t, WithMetrics(rec))
	ctx := context.Background()

	oversized := datedItem("https://example.com/big", "Big", baseTime)
	oversized.RawJSON = `{"x":"` + strings.Repeat("a", domain.MaxRawJSONBytes) + `"}`

	items := []domain.Item{
		datedItem("https://example.com/ok", "OK", baseTime),
		oversized,
	}
	if _, err := store.UpsertItems(ctx, items, baseTime); err == nil {
		t.Fatalf("expected batch to fail")
	}

	if _, found, err := store.GetItem(ctx, "https://example.com/ok"); err != nil || found {
		t.Fatalf("expected no partial write, found=%v err=%v", found, err)
	}
	if n := rec.Counter(metrics.StoreTxFailures, map[string]string{"op": "upsert items"}); n != 1 {
		t.Fatalf("expected one tx failure recorded, got %v", n)
	}
}

func TestConcurrentUpsertsOfSameURL(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	item := datedItem("https://example.com/race", "Race", baseTime)

	const workers = 8
	events := make([]domain.UpsertEvent, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := store.UpsertItem(ctx, item, baseTime)
			events[i] = res.Event
			errs[i] = err
		}(i)
	}
	wg.Wait()

	newCount := 0
	for i := range events {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if events[i] == domain.EventNew {
			newCount++
		}
	}
	if newCount != 1 {
		t.Fatalf("expected exactly one NEW event, got %d", newCount)
	}
}

func TestGetItemsSinceOrdering(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	items := []domain.Item{
		datedItem("https://example.com/old", "Old", baseTime.Add(-72*time.Hour)),
		datedItem("https://example.com/b", "B", baseTime.Add(-time.Hour)),
		datedItem("https://example.com/a", "A", baseTime.Add(-time.Hour)),
		datedItem("https://example.com/new", "New", baseTime),
		{URL: "https://example.com/undated", SourceID: "blog", Kind: domain.KindBlog, Title: "Undated"},
	}
	if _, err := store.UpsertItems(ctx, items, baseTime); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetItemsSince(ctx, baseTime.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("since: %v", err)
	}

	want := []string{
		"https://example.com/new",
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/undated",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i].URL != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, got[i].URL)
		}
	}

	bySource, err := store.GetItemsBySource(ctx, "blog", 2)
	if err != nil {
		t.Fatalf("by source: %v", err)
	}
	if len(bySource) != 2 || bySource[0].URL != want[0] {
		t.Fatalf("unexpected by-source result: %+v", bySource)
	}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	const runID = "run-1"

	if err := store.BeginRun(ctx, runID, baseTime); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, next := range []domain.RunState{domain.RunCollecting, domain.RunRendering} {
		if err := store.AdvanceRun(ctx, runID, next); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
	}
	finished := baseTime.Add(time.Minute)
	if err := store.EndRun(ctx, runID, true, "", finished); err != nil {
		t.Fatalf("end: %v", err)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != domain.RunFinishedSuccess || !run.Success {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.FinishedAt == nil || !run.FinishedAt.Equal(finished) {
		t.Fatalf("unexpected finished_at %v", run.FinishedAt)
	}

	last, err := store.GetLastSuccessfulRunFinishedAt(ctx)
	if err != nil {
		t.Fatalf("last success: %v", err)
	}
	if last == nil || !last.Equal(finished) {
		t.Fatalf("expected last success %v, got %v", finished, last)
	}

	err = store.EndRun(ctx, runID, false, "late", finished.Add(time.Minute))
	var transitionErr *domain.StateTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected closed run to reject EndRun, got %v", err)
	}

	if _, err := store.db.ExecContext(ctx, "UPDATE runs SET error_summary = 'x' WHERE run_id = ?", runID); err == nil {
		t.Fatalf("expected trigger to reject update of closed run")
	}
}

func TestRunTransitionGuards(t *testing.T) {
	t.Parallel()

	rec := metrics.NewRegistry()
	store := openTestStore(t, WithMetrics(rec))
	ctx := context.Background()

	if err := store.BeginRun(ctx, "run-guard", baseTime); err != nil {
		t.Fatalf("begin: %v", err)
	}

	var transitionErr *domain.StateTransitionError
	if err := store.AdvanceRun(ctx, "run-guard", domain.RunRendering); !errors.As(err, &transitionErr) {
		t.Fatalf("expected skip to RENDERING to fail, got %v", err)
	}
	if err := store.EndRun(ctx, "run-guard", true, "", baseTime); !errors.As(err, &transitionErr) {
		t.Fatalf("expected success from STARTED to fail, got %v", err)
	}
	if n := rec.Counter(metrics.StateViolations, map[string]string{"machine": "run"}); n != 2 {
		t.Fatalf("expected 2 violations recorded, got %v", n)
	}

	run, err := store.GetRun(ctx, "run-guard")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != domain.RunStarted {
		t.Fatalf("illegal transition changed state to %s", run.State)
	}

	if err := store.EndRun(ctx, "run-guard", false, "blog: HTTP_5XX", baseTime); err != nil {
		t.Fatalf("failure from STARTED should be allowed: %v", err)
	}

	if err := store.AdvanceRun(ctx, "missing", domain.RunCollecting); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSourceStatusRecorded(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if err := store.BeginRun(ctx, "run-s", baseTime); err != nil {
		t.Fatalf("begin: %v", err)
	}
	statuses := []domain.SourceStatus{
		{RunID: "run-s", SourceID: "b", State: domain.StateFailed, ErrorClass: "HTTP_5XX", AttemptCount: 3, FinishedAt: baseTime},
		{RunID: "run-s", SourceID: "a", State: domain.StateDone, AttemptCount: 1, ItemCount: 2, NewCount: 2, Warnings: []string{"missing title"}, FinishedAt: baseTime},
	}
	for _, st := range statuses {
		if err := store.RecordSourceStatus(ctx, st); err != nil {
			t.Fatalf("record %s: %v", st.SourceID, err)
		}
	}
	// A retried write replaces the earlier row.
	statuses[0].AttemptCount = 4
	if err := store.RecordSourceStatus(ctx, statuses[0]); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	got, err := store.GetSourceStatuses(ctx, "run-s")
	if err != nil {
		t.Fatalf("get statuses: %v", err)
	}
	if len(got) != 2 || got[0].SourceID != "a" || got[1].SourceID != "b" {
		t.Fatalf("unexpected statuses %+v", got)
	}
	if len(got[0].Warnings) != 1 || got[0].Warnings[0] != "missing title" {
		t.Fatalf("warnings not kept: %v", got[0].Warnings)
	}
	if got[1].AttemptCount != 4 || got[1].ErrorClass != "HTTP_5XX" {
		t.Fatalf("unexpected failed status %+v", got[1])
	}
}

func TestHTTPCacheUpsert(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if _, found, err := store.GetHTTPCache(ctx, "blog"); err != nil || found {
		t.Fatalf("expected empty cache, found=%v err=%v", found, err)
	}

	entry := domain.HTTPCacheEntry{SourceID: "blog", ETag: `"v1"`, LastModified: "Mon, 02 Jan 2006 15:04:05 GMT", LastStatus: 200, LastFetchAt: baseTime}
	if err := store.UpsertHTTPCacheHeaders(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}
	entry.ETag = `"v2"`
	entry.LastStatus = 304
	entry.LastFetchAt = baseTime.Add(time.Hour)
	if err := store.UpsertHTTPCacheHeaders(ctx, entry); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, found, err := store.GetHTTPCache(ctx, "blog")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.ETag != `"v2"` || got.LastModified != entry.LastModified || got.LastStatus != 304 || !got.LastFetchAt.Equal(entry.LastFetchAt) {
		t.Fatalf("expected %+v, got %+v", entry, got)
	}

	if err := store.UpsertHTTPCacheHeaders(ctx, domain.HTTPCacheEntry{}); err == nil {
		t.Fatalf("expected missing source id to fail")
	}
}

func TestPruneOldItems(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	stale := baseTime.Add(-200 * 24 * time.Hour)
	if _, err := store.UpsertItem(ctx, datedItem("https://example.com/stale", "Stale", stale), stale); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}
	if _, err := store.UpsertItem(ctx, datedItem("https://example.com/fresh", "Fresh", baseTime), baseTime); err != nil {
		t.Fatalf("upsert fresh: %v", err)
	}

	if _, err := store.PruneOldItems(ctx, 179, baseTime); err == nil {
		t.Fatalf("expected retention below the floor to be rejected")
	}

	deleted, err := store.PruneOldItems(ctx, 180, baseTime)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 pruned item, got %d", deleted)
	}
	if _, found, _ := store.GetItem(ctx, "https://example.com/fresh"); !found {
		t.Fatalf("fresh item was pruned")
	}
}

func TestPruneOldRuns(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	old := baseTime.Add(-100 * 24 * time.Hour)

	if err := store.BeginRun(ctx, "old", old); err != nil {
		t.Fatalf("begin old: %v", err)
	}
	if err := store.RecordSourceStatus(ctx, domain.SourceStatus{RunID: "old", SourceID: "blog", State: domain.StateDone, FinishedAt: old}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.EndRun(ctx, "old", false, "", old); err != nil {
		t.Fatalf("end old: %v", err)
	}
	if err := store.BeginRun(ctx, "open", old); err != nil {
		t.Fatalf("begin open: %v", err)
	}

	if _, err := store.PruneOldRuns(ctx, 89, baseTime); err == nil {
		t.Fatalf("expected retention below the floor to be rejected")
	}

	deleted, err := store.PruneOldRuns(ctx, 90, baseTime)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 pruned run, got %d", deleted)
	}
	if _, err := store.GetRun(ctx, "open"); err != nil {
		t.Fatalf("open run must survive pruning: %v", err)
	}
	statuses, err := store.GetSourceStatuses(ctx, "old")
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	if len(statuses) != 0 {
		t.Fatalf("expected source rows to be pruned, got %d", len(statuses))
	}
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	second := datedItem("https://example.com/x", "X", baseTime)
	second.SourceID = "papers"
	items := []domain.Item{datedItem("https://example.com/a", "A", baseTime), second}
	if _, err := store.UpsertItems(ctx, items, baseTime); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.BeginRun(ctx, "r", baseTime); err != nil {
		t.Fatalf("begin: %v", err)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Items != 2 || stats.ItemsBySource["blog"] != 1 || stats.ItemsBySource["papers"] != 1 {
		t.Fatalf("unexpected item stats %+v", stats)
	}
	if stats.Runs != 1 || stats.SuccessfulRuns != 0 || stats.LastSuccessAt != nil {
		t.Fatalf("unexpected run stats %+v", stats)
	}
	if stats.SchemaVersion != 2 {
		t.Fatalf("unexpected schema version %d", stats.SchemaVersion)
	}
}
