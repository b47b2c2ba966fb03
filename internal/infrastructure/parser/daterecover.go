package parser

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

var metaDateSelectors = []string{
	`meta[property="article:published_time"]`,
	`meta[property="og:published_time"]`,
	`meta[itemprop="datePublished"]`,
	`meta[name="date"]`,
	`meta[name="pubdate"]`,
	`meta[name="publish-date"]`,
	`meta[name="citation_publication_date"]`,
}

var jsonLDDatePaths = []string{
	"datePublished",
	"@graph.#.datePublished",
	"#.datePublished",
}

// RecoverDate looks for a publication date on an item page: meta tags
// first, then time[datetime], then JSON-LD datePublished.
func RecoverDate(doc *goquery.Document, loc *time.Location) (time.Time, bool) {
	for _, sel := range metaDateSelectors {
		if content, ok := doc.Find(sel).First().Attr("content"); ok {
			if t, ok := parseDate(content, "", loc); ok {
				return t, true
			}
		}
	}

	if value, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		if t, ok := parseDate(value, "", loc); ok {
			return t, true
		}
	}

	var (
		found time.Time
		ok    bool
	)
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found, ok = jsonLDDate(s.Text(), loc)
		return !ok
	})
	return found, ok
}

func jsonLDDate(body string, loc *time.Location) (time.Time, bool) {
	body = strings.TrimSpace(body)
	if body == "" || !gjson.Valid(body) {
		return time.Time{}, false
	}
	doc := gjson.Parse(body)
	for _, path := range jsonLDDatePaths {
		r := doc.Get(path)
		values := []gjson.Result{r}
		if r.IsArray() {
			values = r.Array()
		}
		for _, v := range values {
			if t, ok := parseDate(v.String(), "", loc); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
