package parser

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ArticlesIngest/internal/canon"
	"ArticlesIngest/internal/collector"
	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/metrics"
	"ArticlesIngest/internal/ports"
)

// PresetArxiv selects the built-in arXiv listing extractor.
const PresetArxiv = "arxiv"

var htmlContentTypes = []string{"text/html", "application/xhtml+xml", "application/xml"}

// HTMLCollector scrapes a list page and optionally visits item pages to
// recover missing publication dates.
type HTMLCollector struct {
	normalizer *collector.Normalizer
	logger     *slog.Logger
	metrics    ports.MetricsRecorder
}

var _ collector.Collector = (*HTMLCollector)(nil)

// NewHTMLCollector wires the shared normalizer.
func NewHTMLCollector(n *collector.Normalizer, logger *slog.Logger, rec ports.MetricsRecorder) *HTMLCollector {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &HTMLCollector{normalizer: n, logger: logger, metrics: rec}
}

// Method identifies the variant inside the registry.
func (c *HTMLCollector) Method() config.Method {
	return config.MethodHTML
}

// Collect parses the list page, then spends at most src.MaxItemPages item
// page fetches on undated items. The budget is local to this call.
func (c *HTMLCollector) Collect(ctx context.Context, src config.SourceConfig, client ports.HTTPFetcher, now time.Time) collector.Result {
	m := collector.NewHTMLMachine(src.ID, c.logger, c.metrics)
	var res collector.Result

	sel := src.HTML
	if sel == nil {
		sel = &config.HTMLSelectors{}
	}
	if sel.Preset == "" && sel.Item == "" {
		return collector.Fail(m, res, &domain.SchemaError{Field: "html.item", Reason: "no preset or item selector configured"})
	}
	if sel.Preset != "" && sel.Preset != PresetArxiv {
		return collector.Fail(m, res, &domain.SchemaError{Field: "html.preset", Reason: fmt.Sprintf("unknown preset %q", sel.Preset)})
	}

	listURL := src.URL
	if sel.Preset == PresetArxiv {
		u, err := arxivListURL(src.URL, src.MaxItemsPerSource)
		if err != nil {
			return collector.Fail(m, res, &domain.FetchError{Class: domain.FetchInvalidURL, URL: src.URL, Err: err})
		}
		listURL = u
	}

	if err := m.Transition(domain.StateFetching); err != nil {
		return collector.Fail(m, res, err)
	}
	req, warning := collector.Request(src, listURL, htmlContentTypes)
	if warning != "" {
		res.Warnings = append(res.Warnings, warning)
	}
	fetched := client.Fetch(ctx, req)
	res.Attempts = fetched.Attempts
	if fetched.Err != nil {
		return collector.Fail(m, res, fetched.Err)
	}

	if err := m.Transition(domain.StateParsingList); err != nil {
		return collector.Fail(m, res, err)
	}
	if fetched.CacheHit {
		res.Warnings = append(res.Warnings, collector.WarningNotModified)
		return collector.Finish(m, res)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(fetched.Body))
	if err != nil {
		return collector.Fail(m, res, &domain.ParseError{Err: err})
	}

	var candidates []collector.Candidate
	if sel.Preset == PresetArxiv {
		candidates = extractArxiv(doc, src.Location())
	} else {
		candidates = extractList(doc, *sel, src.Location())
	}

	items, warnings, err := c.normalizer.Normalize(src, baseURL(fetched, src), candidates, now)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return collector.Fail(m, res, err)
	}

	if undated := countUndated(items); undated > 0 && src.MaxItemPages > 0 {
		if err := m.Transition(domain.StateParsingItemPages); err != nil {
			return collector.Fail(m, res, err)
		}
		res.Warnings = append(res.Warnings, c.recoverDates(ctx, src, client, items, now)...)
		collector.SortItems(items)
	}

	res.Items = items
	return collector.Finish(m, res)
}

// recoverDates visits undated items in URL order. A failed item page only
// leaves that item at LOW confidence.
func (c *HTMLCollector) recoverDates(ctx context.Context, src config.SourceConfig, client ports.HTTPFetcher, items []domain.Item, now time.Time) []string {
	var warnings []string
	budget := src.MaxItemPages
	labels := map[string]string{"source": src.ID}

	for i := range items {
		if budget == 0 || ctx.Err() != nil {
			break
		}
		if items[i].HasDate() {
			continue
		}
		budget--

		fetched := client.Fetch(ctx, collector.ItemRequest(src, items[i].URL, htmlContentTypes))
		c.metrics.IncCounter(metrics.ItemPageFetches, labels, 1)
		if fetched.Err != nil {
			warnings = append(warnings, fmt.Sprintf("item page %s: %s", items[i].URL, fetched.Err.Class))
			continue
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(fetched.Body))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("item page %s: %s", items[i].URL, domain.ClassParse))
			continue
		}
		published, ok := RecoverDate(doc, src.Location())
		if !ok {
			continue
		}
		if published.After(now.Add(collector.FutureSkew)) {
			warnings = append(warnings, fmt.Sprintf("item page %s: published_at %s is in the future", items[i].URL, published.Format(time.RFC3339)))
			continue
		}

		items[i].PublishedAt = &published
		items[i].DateConfidence = domain.ConfidenceHigh
		items[i].ContentHash = canon.ContentHash(items[i].Title, items[i].URL, items[i].PublishedAt, string(items[i].Kind))
	}
	return warnings
}

func extractList(doc *goquery.Document, sel config.HTMLSelectors, loc *time.Location) []collector.Candidate {
	var out []collector.Candidate
	doc.Find(sel.Item).Each(func(_ int, node *goquery.Selection) {
		link := node
		if sel.Link != "" {
			link = node.Find(sel.Link).First()
		} else if !node.Is("a[href]") {
			link = node.Find("a[href]").First()
		}
		href, _ := link.Attr("href")

		title := strings.TrimSpace(link.Text())
		if sel.Title != "" {
			title = strings.TrimSpace(node.Find(sel.Title).First().Text())
		}

		c := collector.Candidate{URL: strings.TrimSpace(href), Title: title}
		raw := map[string]any{"href": href, "title": title}

		if sel.Date != "" {
			dateNode := node.Find(sel.Date).First()
			dateText := strings.TrimSpace(dateNode.Text())
			if sel.DateAttr != "" {
				dateText, _ = dateNode.Attr(sel.DateAttr)
			}
			if dateText != "" {
				raw["date_text"] = dateText
			}
			if published, ok := parseDate(dateText, sel.DateLayout, loc); ok {
				c.PublishedAt = &published
				c.Confidence = domain.ConfidenceMedium
			}
		}
		c.Raw = raw
		out = append(out, c)
	})
	return out
}

func countUndated(items []domain.Item) int {
	n := 0
	for _, it := range items {
		if !it.HasDate() {
			n++
		}
	}
	return n
}
