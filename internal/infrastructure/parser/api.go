package parser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"ArticlesIngest/internal/collector"
	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/ports"
)

var apiContentTypes = []string{"application/json", "text/json", "application/vnd.api+json"}

// APICollector extracts items from JSON platform APIs using gjson paths.
type APICollector struct {
	normalizer *collector.Normalizer
	logger     *slog.Logger
	metrics    ports.MetricsRecorder
}

var _ collector.Collector = (*APICollector)(nil)

// NewAPICollector wires the shared normalizer.
func NewAPICollector(n *collector.Normalizer, logger *slog.Logger, rec ports.MetricsRecorder) *APICollector {
	return &APICollector{normalizer: n, logger: logger, metrics: rec}
}

// Method identifies the variant inside the registry.
func (c *APICollector) Method() config.Method {
	return config.MethodAPI
}

// Collect fetches one JSON document and maps each element of api.items.
func (c *APICollector) Collect(ctx context.Context, src config.SourceConfig, client ports.HTTPFetcher, now time.Time) collector.Result {
	m := collector.NewMachine(src.ID, c.logger, c.metrics)
	var res collector.Result

	paths := src.API
	if paths == nil || paths.Items == "" || paths.URL == "" {
		return collector.Fail(m, res, &domain.SchemaError{Field: "api", Reason: "items and url paths are required"})
	}

	if err := m.Transition(domain.StateFetching); err != nil {
		return collector.Fail(m, res, err)
	}
	req, warning := collector.Request(src, src.URL, apiContentTypes)
	if warning != "" {
		res.Warnings = append(res.Warnings, warning)
	}
	fetched := client.Fetch(ctx, req)
	res.Attempts = fetched.Attempts
	if fetched.Err != nil {
		return collector.Fail(m, res, fetched.Err)
	}

	if err := m.Transition(domain.StateParsing); err != nil {
		return collector.Fail(m, res, err)
	}
	if fetched.CacheHit {
		res.Warnings = append(res.Warnings, collector.WarningNotModified)
		return collector.Finish(m, res)
	}

	if !gjson.ValidBytes(fetched.Body) {
		return collector.Fail(m, res, &domain.ParseError{Err: fmt.Errorf("invalid json document")})
	}
	list := gjson.GetBytes(fetched.Body, paths.Items)
	if !list.IsArray() {
		return collector.Fail(m, res, &domain.SchemaError{Field: "api.items", Reason: fmt.Sprintf("path %q is not an array", paths.Items)})
	}

	titlePath := paths.Title
	if titlePath == "" {
		titlePath = "title"
	}

	var candidates []collector.Candidate
	for _, entry := range list.Array() {
		c := collector.Candidate{
			URL:   entry.Get(paths.URL).String(),
			Title: entry.Get(titlePath).String(),
		}
		if paths.Date != "" {
			if published, ok := apiDate(entry.Get(paths.Date), src.Location()); ok {
				c.PublishedAt = &published
				c.Confidence = domain.ConfidenceHigh
			}
		}
		if raw, ok := entry.Value().(map[string]any); ok {
			c.Raw = raw
		}
		candidates = append(candidates, c)
	}

	items, warnings, err := c.normalizer.Normalize(src, baseURL(fetched, src), candidates, now)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return collector.Fail(m, res, err)
	}
	res.Items = items
	return collector.Finish(m, res)
}

func apiDate(r gjson.Result, loc *time.Location) (time.Time, bool) {
	switch r.Type {
	case gjson.Number:
		return unixDate(r.Int())
	case gjson.String:
		return parseDate(r.Str, "", loc)
	default:
		return time.Time{}, false
	}
}
