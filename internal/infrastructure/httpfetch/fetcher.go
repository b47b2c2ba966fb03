package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"ArticlesIngest/internal/canon"
	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/metrics"
	"ArticlesIngest/internal/ports"
)

const maxRedirects = 10

var errRedirectBlocked = errors.New("redirect target not allowed")

// Options tunes retries, timeouts and limits.
type Options struct {
	Timeout           time.Duration
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RetryAfterCap     time.Duration
	MaxBodyBytes      int64
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
}

// OptionsFromConfig maps the fetch config section onto Options.
func OptionsFromConfig(cfg config.FetchConfig) Options {
	return Options{
		Timeout:           cfg.Timeout,
		MaxRetries:        cfg.MaxRetries,
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		RetryAfterCap:     cfg.RetryAfterCap,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		UserAgent:         cfg.UserAgent,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = config.DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = config.DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = config.DefaultMaxDelay
	}
	if o.RetryAfterCap <= 0 {
		o.RetryAfterCap = config.DefaultRetryAfterCap
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = config.DefaultMaxBodyBytes
	}
	if o.UserAgent == "" {
		o.UserAgent = config.DefaultUserAgent
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	return o
}

// Fetcher implements ports.HTTPFetcher. It is safe for concurrent use and
// keeps no per-call state beyond the per-host politeness limiters.
type Fetcher struct {
	client  *http.Client
	cache   *CacheManager
	opts    Options
	metrics ports.MetricsRecorder
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ ports.HTTPFetcher = (*Fetcher)(nil)

// New builds a Fetcher. client may be nil; its redirect policy is always
// replaced by the per-source allowlist check.
func New(client *http.Client, cache *CacheManager, opts Options, rec ports.MetricsRecorder, logger *slog.Logger) *Fetcher {
	var c http.Client
	if client != nil {
		c = *client
	}
	c.Timeout = 0
	if rec == nil {
		rec = metrics.Nop{}
	}

	f := &Fetcher{
		cache:    cache,
		opts:     opts.withDefaults(),
		metrics:  rec,
		logger:   logger,
		tracer:   otel.Tracer("ArticlesIngest/httpfetch"),
		now:      time.Now,
		limiters: map[string]*rate.Limiter{},
	}
	c.CheckRedirect = checkRedirect
	f.client = &c
	return f
}

// Fetch performs one logical GET with conditional headers, retries and a
// body ceiling. The returned result always carries the attempt count.
func (f *Fetcher) Fetch(ctx context.Context, req ports.FetchRequest) ports.FetchResult {
	ctx, span := f.tracer.Start(ctx, "httpfetch.Fetch", trace.WithAttributes(
		attribute.String("source.id", req.SourceID),
		attribute.Bool("fetch.skip_cache", req.SkipCache),
	))
	defer span.End()

	started := time.Now()
	labels := map[string]string{"source": req.SourceID}

	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		res := ports.FetchResult{Err: &domain.FetchError{Class: domain.FetchInvalidURL, URL: req.URL, Err: err}}
		f.finish(span, req, res, labels, started)
		return res
	}

	var prev domain.HTTPCacheEntry
	conditional := http.Header{}
	if !req.SkipCache {
		if entry, found := f.cache.Lookup(ctx, req.SourceID); found {
			prev = entry
			conditional = ConditionalHeaders(entry)
		}
	}

	var (
		last     ports.FetchResult
		attempts int
	)
	operation := func() (struct{}, error) {
		attempts++
		f.metrics.IncCounter(metrics.FetchAttempts, labels, 1)

		res, retryAfter := f.attempt(ctx, req, target, conditional)
		last = res
		if res.Err == nil {
			return struct{}{}, nil
		}
		if !res.Err.Class.Retryable() {
			return struct{}{}, backoff.Permanent(res.Err)
		}
		if retryAfter > 0 {
			return struct{}{}, &backoff.RetryAfterError{Duration: retryAfter}
		}
		return struct{}{}, res.Err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.opts.BaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.5
	policy.MaxInterval = f.opts.MaxDelay

	_, _ = backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(f.opts.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			f.debug("fetch retry scheduled", "source", req.SourceID, "attempt", attempts, "wait", wait, "error_class", domain.ErrorClass(last.Err))
		}),
	)

	if attempts == 0 {
		cause := context.Cause(ctx)
		last = ports.FetchResult{Err: &domain.FetchError{Class: classifyTransport(cause), URL: req.URL, Err: cause}}
	}
	last.Attempts = attempts
	if last.Err != nil {
		last.Err.Attempts = attempts
	}

	if !req.SkipCache {
		f.cache.Record(ctx, prev, req.SourceID, last.StatusCode, last.Headers, f.now())
	}

	f.finish(span, req, last, labels, started)
	return last
}

func (f *Fetcher) finish(span trace.Span, req ports.FetchRequest, res ports.FetchResult, labels map[string]string, started time.Time) {
	f.metrics.ObserveDuration(metrics.FetchDuration, labels, time.Since(started))
	span.SetAttributes(
		attribute.Int("http.status_code", res.StatusCode),
		attribute.Int("fetch.attempts", res.Attempts),
		attribute.Bool("fetch.cache_hit", res.CacheHit),
		attribute.Int("fetch.bytes", len(res.Body)),
	)

	if res.CacheHit {
		f.metrics.IncCounter(metrics.FetchCacheHits, labels, 1)
	}
	f.metrics.IncCounter(metrics.FetchBytes, labels, float64(len(res.Body)))

	if res.Err != nil {
		class := string(res.Err.Class)
		span.SetStatus(codes.Error, class)
		f.metrics.IncCounter(metrics.FetchFailures, map[string]string{"source": req.SourceID, "class": class}, 1)
		if f.logger != nil {
			f.logger.Warn("fetch failed",
				"source", req.SourceID,
				"url", canon.RedactURL(req.URL),
				"error_class", class,
				"status", res.StatusCode,
				"attempt_count", res.Attempts,
			)
		}
		return
	}

	f.debug("fetch done",
		"source", req.SourceID,
		"url", canon.RedactURL(req.URL),
		"status", res.StatusCode,
		"cache_hit", res.CacheHit,
		"bytes", len(res.Body),
		"attempt_count", res.Attempts,
	)
}

// attempt issues exactly one HTTP request. The second return value is the
// capped Retry-After delay for 429 responses.
func (f *Fetcher) attempt(ctx context.Context, req ports.FetchRequest, target *url.URL, conditional http.Header) (ports.FetchResult, time.Duration) {
	fail := func(class domain.FetchClass, status int, err error) ports.FetchResult {
		return ports.FetchResult{StatusCode: status, Err: &domain.FetchError{Class: class, StatusCode: status, URL: req.URL, Err: err}}
	}

	if err := f.wait(ctx, target.Host); err != nil {
		return fail(classifyTransport(err), 0, err), 0
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()
	attemptCtx = context.WithValue(attemptCtx, redirectPolicyKey{}, redirectPolicy{allowed: req.AllowedRedirectDomains})

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fail(domain.FetchInvalidURL, 0, err), 0
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	if len(req.AcceptContentTypes) > 0 {
		httpReq.Header.Set("Accept", strings.Join(req.AcceptContentTypes, ", "))
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	for name, values := range conditional {
		httpReq.Header[name] = values
	}

	if f.logger != nil && f.logger.Enabled(ctx, slog.LevelDebug) {
		f.logger.Debug("fetch request", "source", req.SourceID, "url", canon.RedactURL(req.URL), "headers", RedactHeaders(httpReq.Header))
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return fail(classifyTransport(err), 0, err), 0
	}
	defer resp.Body.Close()

	res := ports.FetchResult{
		StatusCode: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
		Headers:    resp.Header.Clone(),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		res.CacheHit = true
		return res, 0
	case resp.StatusCode == http.StatusTooManyRequests:
		res.Err = &domain.FetchError{Class: domain.FetchRateLimited, StatusCode: resp.StatusCode, URL: req.URL}
		return res, f.retryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		res.Err = &domain.FetchError{Class: domain.FetchHTTP5xx, StatusCode: resp.StatusCode, URL: req.URL}
		return res, 0
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		res.Err = &domain.FetchError{Class: domain.FetchHTTP4xx, StatusCode: resp.StatusCode, URL: req.URL}
		return res, 0
	}

	if !contentTypeAllowed(resp.Header.Get("Content-Type"), req.AcceptContentTypes) {
		res.Err = &domain.FetchError{
			Class:      domain.FetchContentTypeRejected,
			StatusCode: resp.StatusCode,
			URL:        req.URL,
			Err:        fmt.Errorf("content type %q", resp.Header.Get("Content-Type")),
		}
		return res, 0
	}

	if resp.ContentLength > f.opts.MaxBodyBytes {
		res.Err = &domain.FetchError{Class: domain.FetchSizeExceeded, StatusCode: resp.StatusCode, URL: req.URL}
		return res, 0
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		res.Err = &domain.FetchError{Class: classifyTransport(err), StatusCode: resp.StatusCode, URL: req.URL, Err: err}
		return res, 0
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		res.Err = &domain.FetchError{Class: domain.FetchSizeExceeded, StatusCode: resp.StatusCode, URL: req.URL}
		return res, 0
	}

	res.Body = body
	return res, 0
}

func (f *Fetcher) wait(ctx context.Context, host string) error {
	if f.opts.RequestsPerSecond <= 0 {
		return nil
	}
	f.mu.Lock()
	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(f.opts.RequestsPerSecond), f.opts.Burst)
		f.limiters[host] = limiter
	}
	f.mu.Unlock()
	return limiter.Wait(ctx)
}

// retryAfter parses a Retry-After header (seconds or HTTP date) and caps it.
func (f *Fetcher) retryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(f.now())
	}

	if d <= 0 {
		return 0
	}
	if d > f.opts.RetryAfterCap {
		return f.opts.RetryAfterCap
	}
	return d
}

func (f *Fetcher) debug(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Debug(msg, args...)
	}
}

func classifyTransport(err error) domain.FetchClass {
	if errors.Is(err, errRedirectBlocked) {
		return domain.FetchRedirectBlocked
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.FetchTimeout
	}
	return domain.FetchConnection
}

func contentTypeAllowed(header string, allowed []string) bool {
	if len(allowed) == 0 || strings.TrimSpace(header) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(mediaType, a) {
			return true
		}
	}
	return false
}

type redirectPolicyKey struct{}

type redirectPolicy struct {
	allowed []string
}

// checkRedirect follows redirects within the same registrable domain or to
// hosts on the per-source allowlist.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", errRedirectBlocked, req.URL.Scheme)
	}

	origin := via[0].URL.Hostname()
	target := req.URL.Hostname()
	policy, _ := req.Context().Value(redirectPolicyKey{}).(redirectPolicy)
	if canon.HostAllowed(origin, target, policy.allowed) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", errRedirectBlocked, origin, target)
}
