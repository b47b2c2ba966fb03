// Package canon holds the URL canonicalization and content hashing rules
// shared by collectors and the state store. Both sides must agree on the
// key of an item, so nothing else in the module re-implements them.
package canon

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"
)

// DefaultTrackingParams lists query parameters stripped from every URL.
// Entries ending in "*" match by prefix.
var DefaultTrackingParams = []string{
	"utm_*",
	"fbclid",
	"gclid",
	"dclid",
	"msclkid",
	"mc_cid",
	"mc_eid",
	"igshid",
	"ref_src",
	"_hsenc",
	"_hsmi",
	"yclid",
}

// ErrUnsupportedScheme is returned for anything other than http/https.
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// Canonicalizer normalizes URLs with a fixed tracking parameter list.
type Canonicalizer struct {
	exact    map[string]struct{}
	prefixes []string
}

// New builds a Canonicalizer; a nil list falls back to DefaultTrackingParams.
func New(trackingParams []string) *Canonicalizer {
	if trackingParams == nil {
		trackingParams = DefaultTrackingParams
	}
	c := &Canonicalizer{exact: make(map[string]struct{}, len(trackingParams))}
	for _, p := range trackingParams {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			c.prefixes = append(c.prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		c.exact[p] = struct{}{}
	}
	return c
}

// Canonicalize resolves raw against base and strips fragments, tracking
// parameters and default ports. Remaining query parameters are sorted.
func (c *Canonicalizer) Canonicalize(raw, base string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}

	if !ref.IsAbs() && base != "" {
		baseURL, err := url.Parse(strings.TrimSpace(base))
		if err != nil {
			return "", fmt.Errorf("parse base %q: %w", base, err)
		}
		ref = baseURL.ResolveReference(ref)
	}

	scheme := strings.ToLower(ref.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, ref.Scheme)
	}
	if ref.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	ref.Scheme = scheme
	ref.Host = normalizeHost(scheme, ref.Host)
	ref.Fragment = ""
	ref.RawFragment = ""
	ref.User = nil
	if ref.Path == "" {
		ref.Path = "/"
	}

	if ref.RawQuery != "" {
		query := ref.Query()
		for key := range query {
			if c.isTracking(key) {
				query.Del(key)
			}
		}
		ref.RawQuery = query.Encode()
	}
	ref.ForceQuery = false

	return ref.String(), nil
}

func (c *Canonicalizer) isTracking(key string) bool {
	key = strings.ToLower(key)
	if _, ok := c.exact[key]; ok {
		return true
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func normalizeHost(scheme, host string) string {
	host = strings.ToLower(host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// NormalizeTitle applies NFC normalization and collapses whitespace.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(norm.NFC.String(title)), " ")
}

// ContentHash is the BLAKE3 digest over the stable fields of an item.
// Fetch timing and raw payload never participate.
func ContentHash(title, canonicalURL string, publishedAt *time.Time, kind string) string {
	published := ""
	if publishedAt != nil {
		published = publishedAt.UTC().Format(time.RFC3339)
	}

	h := blake3.New()
	for _, field := range []string{NormalizeTitle(title), canonicalURL, published, kind} {
		_, _ = h.WriteString(field)
		_, _ = h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}
