package ports

import (
	"context"
	"net/http"
	"time"

	"ArticlesIngest/internal/domain"
)

// FetchRequest describes one logical GET issued by a collector.
type FetchRequest struct {
	SourceID string
	URL      string
	Headers  http.Header
	// SkipCache disables conditional headers and cache bookkeeping; item
	// page fetches use it so they never touch the source's list-page entry.
	SkipCache              bool
	AcceptContentTypes     []string
	AllowedRedirectDomains []string
}

// FetchResult is what the fetch layer hands back. Failures are carried in
// Err and never panic or abort the caller.
type FetchResult struct {
	StatusCode int
	FinalURL   string
	Headers    http.Header
	Body       []byte
	CacheHit   bool
	Attempts   int
	Err        *domain.FetchError
}

// OK reports whether the fetch produced a usable response.
func (r FetchResult) OK() bool {
	return r.Err == nil
}

// HTTPFetcher performs bounded, retried, conditional GETs.
type HTTPFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) FetchResult
}

// CacheStore persists conditional request state per source.
type CacheStore interface {
	GetHTTPCache(ctx context.Context, sourceID string) (domain.HTTPCacheEntry, bool, error)
	UpsertHTTPCacheHeaders(ctx context.Context, entry domain.HTTPCacheEntry) error
}

// RunStore is the slice of the state store used by the collector runner.
type RunStore interface {
	BeginRun(ctx context.Context, runID string, now time.Time) error
	AdvanceRun(ctx context.Context, runID string, next domain.RunState) error
	EndRun(ctx context.Context, runID string, success bool, errorSummary string, now time.Time) error
	UpsertItems(ctx context.Context, items []domain.Item, now time.Time) ([]domain.UpsertResult, error)
	RecordSourceStatus(ctx context.Context, status domain.SourceStatus) error
}

// ItemReader is consumed by downstream ranking and rendering.
type ItemReader interface {
	GetItemsSince(ctx context.Context, since time.Time) ([]domain.Item, error)
	GetLastSuccessfulRunFinishedAt(ctx context.Context) (*time.Time, error)
	GetStats(ctx context.Context) (domain.Stats, error)
}

// MetricsRecorder receives counters and timings; implementations must be
// safe for concurrent use by many workers.
type MetricsRecorder interface {
	IncCounter(name string, labels map[string]string, delta float64)
	ObserveDuration(name string, labels map[string]string, d time.Duration)
}

// Renderer turns a finished collection pass into artifacts.
type Renderer interface {
	Render(ctx context.Context, report domain.RunReport) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
