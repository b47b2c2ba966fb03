package parser

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"ArticlesIngest/internal/collector"
	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/ports"
)

// feedAccept is advertised but not enforced: feeds are often served with
// generic types and gofeed detects the format from the body.
var feedAccept = []string{
	"application/rss+xml",
	"application/atom+xml",
	"application/rdf+xml",
	"application/feed+json",
	"application/xml",
	"text/xml",
	"application/json",
	"*/*;q=0.8",
}

// RSSCollector reads RSS, Atom and JSON Feed documents.
type RSSCollector struct {
	normalizer *collector.Normalizer
	logger     *slog.Logger
	metrics    ports.MetricsRecorder
}

var _ collector.Collector = (*RSSCollector)(nil)

// NewRSSCollector wires the shared normalizer.
func NewRSSCollector(n *collector.Normalizer, logger *slog.Logger, rec ports.MetricsRecorder) *RSSCollector {
	return &RSSCollector{normalizer: n, logger: logger, metrics: rec}
}

// Method identifies the variant inside the registry.
func (c *RSSCollector) Method() config.Method {
	return config.MethodRSS
}

// Collect fetches and parses one feed.
func (c *RSSCollector) Collect(ctx context.Context, src config.SourceConfig, client ports.HTTPFetcher, now time.Time) collector.Result {
	m := collector.NewMachine(src.ID, c.logger, c.metrics)
	var res collector.Result

	if err := m.Transition(domain.StateFetching); err != nil {
		return collector.Fail(m, res, err)
	}
	req, warning := collector.Request(src, src.URL, nil)
	if req.Headers.Get("Accept") == "" {
		req.Headers.Set("Accept", strings.Join(feedAccept, ", "))
	}
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

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(fetched.Body))
	if err != nil {
		return collector.Fail(m, res, feedParseError(err))
	}

	candidates := make([]collector.Candidate, 0, len(feed.Items))
	for _, entry := range feed.Items {
		if entry == nil {
			continue
		}
		candidates = append(candidates, feedCandidate(entry))
	}

	items, warnings, err := c.normalizer.Normalize(src, baseURL(fetched, src), candidates, now)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return collector.Fail(m, res, err)
	}
	res.Items = items
	return collector.Finish(m, res)
}

func feedCandidate(entry *gofeed.Item) collector.Candidate {
	link := strings.TrimSpace(entry.Link)
	if link == "" && len(entry.Links) > 0 {
		link = strings.TrimSpace(entry.Links[0])
	}
	if link == "" && (strings.HasPrefix(entry.GUID, "http://") || strings.HasPrefix(entry.GUID, "https://")) {
		link = entry.GUID
	}

	c := collector.Candidate{URL: link, Title: entry.Title}
	switch {
	case entry.PublishedParsed != nil:
		c.PublishedAt = entry.PublishedParsed
		c.Confidence = domain.ConfidenceHigh
	case entry.UpdatedParsed != nil:
		c.PublishedAt = entry.UpdatedParsed
		c.Confidence = domain.ConfidenceMedium
	}

	raw := map[string]any{
		"title": entry.Title,
		"link":  link,
	}
	if entry.GUID != "" {
		raw["guid"] = entry.GUID
	}
	if entry.Published != "" {
		raw["published"] = entry.Published
	}
	if entry.Updated != "" {
		raw["updated"] = entry.Updated
	}
	if entry.Description != "" {
		raw["description"] = entry.Description
	}
	if len(entry.Categories) > 0 {
		cats := make([]any, len(entry.Categories))
		for i, cat := range entry.Categories {
			cats[i] = cat
		}
		raw["categories"] = cats
	}
	if len(entry.Authors) > 0 {
		authors := make([]any, 0, len(entry.Authors))
		for _, a := range entry.Authors {
			if a != nil && a.Name != "" {
				authors = append(authors, a.Name)
			}
		}
		raw["authors"] = authors
	}
	c.Raw = raw
	return c
}

func feedParseError(err error) error {
	perr := &domain.ParseError{Err: err}
	var syntax *xml.SyntaxError
	if errors.As(err, &syntax) {
		perr.Line = syntax.Line
	}
	return perr
}

func baseURL(fetched ports.FetchResult, src config.SourceConfig) string {
	if fetched.FinalURL != "" {
		return fetched.FinalURL
	}
	return src.URL
}
