package domain

import "time"

// Kind classifies what an item represents.
type Kind string

const (
	KindBlog    Kind = "blog"
	KindPaper   Kind = "paper"
	KindModel   Kind = "model"
	KindRelease Kind = "release"
	KindNews    Kind = "news"
	KindOther   Kind = "other"
)

// DateConfidence marks how trustworthy PublishedAt is.
type DateConfidence string

const (
	ConfidenceHigh   DateConfidence = "HIGH"
	ConfidenceMedium DateConfidence = "MEDIUM"
	ConfidenceLow    DateConfidence = "LOW"
)

// MaxRawJSONBytes caps the stored raw payload of a single item.
const MaxRawJSONBytes = 100 * 1024

// Item is one persisted unit of content keyed by its canonical URL.
type Item struct {
	URL            string
	SourceID       string
	Tier           int
	Kind           Kind
	Title          string
	PublishedAt    *time.Time
	DateConfidence DateConfidence
	ContentHash    string
	RawJSON        string
	RawTruncated   bool
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
}

// HasDate reports whether the item carries a usable publication date.
func (i Item) HasDate() bool {
	return i.PublishedAt != nil
}

// UpsertEvent describes what an upsert did to the stored row.
type UpsertEvent string

const (
	EventNew       UpsertEvent = "NEW"
	EventUpdated   UpsertEvent = "UPDATED"
	EventUnchanged UpsertEvent = "UNCHANGED"
)

// UpsertResult is returned for each item written to the store.
type UpsertResult struct {
	URL   string
	Event UpsertEvent
}

// HTTPCacheEntry is the per-source conditional request state.
type HTTPCacheEntry struct {
	SourceID     string
	ETag         string
	LastModified string
	LastStatus   int
	LastFetchAt  time.Time
}
