// Package collector defines the contract shared by every source variant:
// the per-source state machine, the method registry and the normalization
// pipeline that turns parsed candidates into ordered, capped items.
package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"time"

	"ArticlesIngest/internal/canon"
	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/ports"
)

// WarningNotModified is attached to results served from a 304.
const WarningNotModified = "not_modified"

// Result is the in-memory outcome of one Collect call.
type Result struct {
	Items    []domain.Item
	Warnings []string
	Err      error
	State    domain.SourceState
	Attempts int
}

// Collector is implemented by every source variant.
type Collector interface {
	Method() config.Method
	Collect(ctx context.Context, src config.SourceConfig, client ports.HTTPFetcher, now time.Time) Result
}

// Registry keeps a mapping from collection methods to their implementations.
type Registry struct {
	collectors map[config.Method]Collector
}

// NewRegistry builds a registry holding the given collectors.
func NewRegistry(collectors ...Collector) *Registry {
	r := &Registry{collectors: map[config.Method]Collector{}}
	for _, c := range collectors {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a collector implementation.
func (r *Registry) Register(c Collector) {
	if r.collectors == nil {
		r.collectors = map[config.Method]Collector{}
	}
	r.collectors[c.Method()] = c
}

// Resolve returns the collector for method or an error wrapping
// domain.ErrUnknownMethod.
func (r *Registry) Resolve(method config.Method) (Collector, error) {
	if c, ok := r.collectors[method]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("method %q: %w", method, domain.ErrUnknownMethod)
}

// Methods lists registered methods in sorted order.
func (r *Registry) Methods() []config.Method {
	out := make([]config.Method, 0, len(r.collectors))
	for m := range r.collectors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fail finishes res with err and moves m to FAILED. Items gathered so far
// are dropped.
func Fail(m *Machine, res Result, err error) Result {
	if terr := m.Fail(); terr != nil && err == nil {
		err = terr
	}
	res.Err = err
	res.Items = nil
	res.State = m.State()
	return res
}

// Finish moves m to DONE and stamps the final state on res.
func Finish(m *Machine, res Result) Result {
	if err := m.Transition(domain.StateDone); err != nil {
		return Fail(m, res, err)
	}
	res.State = m.State()
	return res
}

// Request builds the fetch request for url with the source's static
// headers and optional bearer token. A missing token variable is reported
// as a warning and the request is sent without it.
func Request(src config.SourceConfig, url string, accept []string) (ports.FetchRequest, string) {
	headers := http.Header{}
	for name, value := range src.Headers {
		headers.Set(name, value)
	}

	var warning string
	if src.AuthEnv != "" {
		if token, ok := os.LookupEnv(src.AuthEnv); ok && token != "" {
			headers.Set("Authorization", "Bearer "+token)
		} else {
			warning = fmt.Sprintf("auth_env %s is not set", src.AuthEnv)
		}
	}

	return ports.FetchRequest{
		SourceID:               src.ID,
		URL:                    url,
		Headers:                headers,
		AcceptContentTypes:     accept,
		AllowedRedirectDomains: src.AllowedRedirectDomains,
	}, warning
}

// ItemRequest builds an item page request. The source's headers and token
// are only sent when the item lives on the source's site or on one of its
// allowed redirect domains.
func ItemRequest(src config.SourceConfig, itemURL string, accept []string) ports.FetchRequest {
	req, _ := Request(src, itemURL, accept)
	req.SkipCache = true
	if !sameOrigin(src, itemURL) {
		req.Headers = http.Header{}
	}
	return req
}

func sameOrigin(src config.SourceConfig, itemURL string) bool {
	origin, err := url.Parse(src.URL)
	if err != nil {
		return false
	}
	target, err := url.Parse(itemURL)
	if err != nil || target.Hostname() == "" {
		return false
	}
	return canon.HostAllowed(origin.Hostname(), target.Hostname(), src.AllowedRedirectDomains)
}
