package collector

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"ArticlesIngest/internal/canon"
	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
)

// FutureSkew is how far past now a published date may lie before it is
// treated as bogus.
const FutureSkew = 24 * time.Hour

var sensitiveKeyParts = []string{
	"authorization",
	"cookie",
	"token",
	"secret",
	"password",
	"api_key",
	"apikey",
}

// Candidate is one entry extracted by a variant before normalization.
type Candidate struct {
	URL         string
	Title       string
	PublishedAt *time.Time
	Confidence  domain.DateConfidence
	Raw         map[string]any
}

// Normalizer turns candidates into the final item list for one source.
type Normalizer struct {
	canon *canon.Canonicalizer
}

// NewNormalizer wires the shared canonicalizer; nil uses the defaults.
func NewNormalizer(c *canon.Canonicalizer) *Normalizer {
	if c == nil {
		c = canon.New(nil)
	}
	return &Normalizer{canon: c}
}

// Canonicalize exposes the shared URL rules to variants.
func (n *Normalizer) Canonicalize(raw, base string) (string, error) {
	return n.canon.Canonicalize(raw, base)
}

// Normalize canonicalizes, deduplicates, orders and caps candidates.
// Invalid entries become warnings; a SchemaError is returned only when
// there were candidates and none survived.
func (n *Normalizer) Normalize(src config.SourceConfig, base string, candidates []Candidate, now time.Time) ([]domain.Item, []string, error) {
	var warnings []string
	byURL := make(map[string]int, len(candidates))
	items := make([]domain.Item, 0, len(candidates))
	raws := make([]map[string]any, 0, len(candidates))

	for i, c := range candidates {
		canonical, err := n.canon.Canonicalize(c.URL, base)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("entry %d: invalid url: %v", i, err))
			continue
		}
		title := canon.NormalizeTitle(c.Title)
		if title == "" {
			warnings = append(warnings, fmt.Sprintf("entry %d: missing title", i))
			continue
		}
		if _, dup := byURL[canonical]; dup {
			continue
		}

		published, confidence, warning := checkDate(c.PublishedAt, c.Confidence, now)
		if warning != "" {
			warnings = append(warnings, fmt.Sprintf("entry %d: %s", i, warning))
		}

		byURL[canonical] = len(items)
		items = append(items, domain.Item{
			URL:            canonical,
			SourceID:       src.ID,
			Tier:           src.Tier,
			Kind:           domain.Kind(src.Kind),
			Title:          title,
			PublishedAt:    published,
			DateConfidence: confidence,
		})
		raws = append(raws, c.Raw)
	}

	if len(candidates) > 0 && len(items) == 0 {
		return nil, warnings, &domain.SchemaError{Field: "entries", Reason: fmt.Sprintf("none of %d entries had a valid url and title", len(candidates))}
	}

	for i := range items {
		items[i].ContentHash = canon.ContentHash(items[i].Title, items[i].URL, items[i].PublishedAt, string(items[i].Kind))
		items[i].RawJSON, items[i].RawTruncated = EncodeRaw(raws[i])
	}

	SortItems(items)
	if k := src.MaxItemsPerSource; k > 0 && len(items) > k {
		items = items[:k]
	}
	return items, warnings, nil
}

// checkDate enforces that a missing date is LOW and a LOW date is missing.
func checkDate(published *time.Time, confidence domain.DateConfidence, now time.Time) (*time.Time, domain.DateConfidence, string) {
	if published == nil || published.IsZero() || confidence == domain.ConfidenceLow {
		return nil, domain.ConfidenceLow, ""
	}
	if published.After(now.Add(FutureSkew)) {
		return nil, domain.ConfidenceLow, fmt.Sprintf("published_at %s is in the future", published.UTC().Format(time.RFC3339))
	}
	if confidence == "" {
		confidence = domain.ConfidenceMedium
	}
	utc := published.UTC()
	return &utc, confidence, ""
}

// SortItems orders by published_at descending with undated items last,
// breaking ties by URL ascending.
func SortItems(items []domain.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.PublishedAt != nil && b.PublishedAt == nil:
			return true
		case a.PublishedAt == nil && b.PublishedAt != nil:
			return false
		case a.PublishedAt != nil && !a.PublishedAt.Equal(*b.PublishedAt):
			return a.PublishedAt.After(*b.PublishedAt)
		}
		return a.URL < b.URL
	})
}

// EncodeRaw sanitizes and serializes a raw payload, truncating it to
// domain.MaxRawJSONBytes. encoding/json sorts map keys, so equal input
// yields equal bytes.
func EncodeRaw(raw map[string]any) (string, bool) {
	if len(raw) == 0 {
		return "{}", false
	}

	encoded, err := json.Marshal(Sanitize(raw))
	if err != nil {
		encoded, _ = json.Marshal(map[string]any{"encode_error": err.Error()})
	}
	if len(encoded) <= domain.MaxRawJSONBytes {
		return string(encoded), false
	}

	excerpt := string(encoded)
	for limit := domain.MaxRawJSONBytes / 2; limit > 0; limit /= 2 {
		cut := truncateUTF8(excerpt, limit)
		wrapped, _ := json.Marshal(map[string]any{"raw_truncated": true, "excerpt": cut})
		if len(wrapped) <= domain.MaxRawJSONBytes {
			return string(wrapped), true
		}
	}
	return `{"raw_truncated":true}`, true
}

// Sanitize drops keys that look like credentials at any depth.
func Sanitize(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		if IsSensitiveKey(k) {
			continue
		}
		out[k] = sanitizeValue(val)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = sanitizeValue(t[i])
		}
		return out
	default:
		return v
	}
}

// IsSensitiveKey reports whether a payload key may carry a secret.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(strings.ReplaceAll(key, "-", "_"))
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[:limit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
