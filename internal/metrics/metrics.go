// Package metrics provides MetricsRecorder implementations. Nothing here is
// global: every component receives its recorder through its constructor.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"ArticlesIngest/internal/ports"
)

// Metric names emitted by the ingestion backbone.
const (
	FetchAttempts   = "fetch_attempts_total"
	FetchFailures   = "fetch_failures_total"
	FetchCacheHits  = "fetch_cache_hits_total"
	FetchBytes      = "fetch_bytes_total"
	FetchDuration   = "fetch_duration"
	SourceResults   = "source_results_total"
	CollectDuration = "collect_duration"
	ItemsUpserted   = "items_upserted_total"
	StateViolations = "state_transition_violations_total"
	ItemsPruned     = "items_pruned_total"
	RunsPruned      = "runs_pruned_total"
	StoreTxFailures = "store_tx_failures_total"
	ItemPageFetches = "item_page_fetches_total"
)

// Nop discards everything.
type Nop struct{}

var _ ports.MetricsRecorder = Nop{}

func (Nop) IncCounter(string, map[string]string, float64) {}
func (Nop) ObserveDuration(string, map[string]string, time.Duration) {}

// Point is one labelled series in a snapshot.
type Point struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
	Count  int64             `json:"count,omitempty"`
}

type entry struct {
	name   string
	labels map[string]string
	value  float64
	count  int64
}

// Registry is a lock-guarded in-memory aggregator.
type Registry struct {
	mu        sync.Mutex
	counters  map[string]entry
	durations map[string]entry
}

var _ ports.MetricsRecorder = (*Registry)(nil)

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]entry),
		durations: make(map[string]entry),
	}
}

// IncCounter adds delta to the labelled counter.
func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	k, lcopy := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.counters[k]
	if !ok {
		e = entry{name: name, labels: lcopy}
	}
	e.value += delta
	e.count++
	r.counters[k] = e
}

// ObserveDuration accumulates a timing sample in seconds.
func (r *Registry) ObserveDuration(name string, labels map[string]string, d time.Duration) {
	k, lcopy := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.durations[k]
	if !ok {
		e = entry{name: name, labels: lcopy}
	}
	e.value += d.Seconds()
	e.count++
	r.durations[k] = e
}

// Counter returns the current value of one labelled counter.
func (r *Registry) Counter(name string, labels map[string]string) float64 {
	k, _ := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[k].value
}

// Snapshot returns counters and duration sums sorted by name.
func (r *Registry) Snapshot() (counters, durations []Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return points(r.counters), points(r.durations)
}

func points(m map[string]entry) []Point {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Point, 0, len(keys))
	for _, k := range keys {
		e := m[k]
		out = append(out, Point{Name: e.name, Labels: cloneMap(e.labels), Value: e.value, Count: e.count})
	}
	return out
}

func key(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+1)
	parts = append(parts, name)
	for _, k := range names {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, "|"), cloneMap(labels)
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
