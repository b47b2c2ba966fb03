package parser

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ArticlesIngest/internal/collector"
	"ArticlesIngest/internal/domain"
)

const arxivBaseURL = "https://arxiv.org"

// arXiv listing pages accept only these page sizes.
var arxivPageSizes = []int{25, 50, 100, 250, 500, 1000, 2000}

// arxivListURL asks the listing for enough entries to satisfy limit.
func arxivListURL(base string, limit int) (string, error) {
	size := arxivPageSizes[len(arxivPageSizes)-1]
	for _, s := range arxivPageSizes {
		if s >= limit {
			size = s
			break
		}
	}
	return buildPageURL(base, 0, size)
}

func buildPageURL(base string, skip, pageSize int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	query := parsed.Query()
	query.Set("skip", strconv.Itoa(skip))
	query.Set("show", strconv.Itoa(pageSize))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// extractArxiv walks a "dl > dt / dd" listing. Dates come either from a
// per-entry .list-date block or from the day heading preceding the entry.
func extractArxiv(doc *goquery.Document, loc *time.Location) []collector.Candidate {
	var out []collector.Candidate
	doc.Find("dl > dt").Each(func(_ int, dt *goquery.Selection) {
		out = append(out, parseArxivEntry(dt, dt.Next(), loc))
	})
	return out
}

func parseArxivEntry(dt, dd *goquery.Selection, loc *time.Location) collector.Candidate {
	link := dt.Find(`a[href*="/abs/"]`).First()
	href, _ := link.Attr("href")
	if href != "" && !strings.HasPrefix(href, "http") {
		href = strings.TrimSuffix(arxivBaseURL, "/") + href
	}

	id := strings.TrimSpace(link.Text())
	if id == "" {
		id = strings.TrimPrefix(href, arxivBaseURL+"/abs/")
	}

	title := strings.TrimSpace(dd.Find(".list-title").First().Text())
	title = strings.TrimSpace(strings.TrimPrefix(title, "Title:"))

	summary := strings.TrimSpace(dd.Find("p.mathjax").First().Text())
	summary = strings.TrimSpace(strings.TrimPrefix(summary, "Abstract:"))

	dateText := strings.TrimSpace(dd.Find(".list-date").First().Text())
	if dateText == "" {
		dateText = strings.TrimSpace(dd.Find(".list-dateline").First().Text())
	}
	if dateText == "" {
		dateText = strings.TrimSpace(dt.PrevAllFiltered("h3").First().Text())
	}
	if dateText == "" {
		dateText = strings.TrimSpace(dt.Parent().PrevAllFiltered("h3").First().Text())
	}

	c := collector.Candidate{URL: href, Title: title}
	if match := dayExpr.FindString(dateText); match != "" {
		if parsed, err := time.ParseInLocation("2 Jan 2006", match, loc); err == nil {
			day := parsed.UTC()
			c.PublishedAt = &day
			c.Confidence = domain.ConfidenceMedium
		}
	}

	raw := map[string]any{
		"id":    id,
		"title": title,
		"url":   href,
	}
	if summary != "" {
		raw["abstract"] = summary
	}
	if dateText != "" {
		raw["date_text"] = dateText
	}
	c.Raw = raw
	return c
}
