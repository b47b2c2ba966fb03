package parser

import (
	"regexp"
	"strings"
	"time"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

var dayExpr = regexp.MustCompile(`\d{1,2} [A-Za-z]{3} \d{4}`)

// parseDate tries layout first (if set), then the common layouts. Values
// without a zone are read in loc.
func parseDate(text, layout string, loc *time.Location) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}

	if layout != "" {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t.UTC(), true
		}
	}
	for _, l := range dateLayouts {
		if t, err := time.ParseInLocation(l, text, loc); err == nil {
			return t.UTC(), true
		}
	}
	if match := dayExpr.FindString(text); match != "" {
		if t, err := time.ParseInLocation("2 Jan 2006", match, loc); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// unixDate interprets n as seconds, or milliseconds when it is too large
// to be a plausible seconds value.
func unixDate(n int64) (time.Time, bool) {
	if n <= 0 {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}
