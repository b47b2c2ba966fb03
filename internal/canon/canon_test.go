package canon

import (
	"errors"
	"testing"
	"time"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	c := New(nil)
	cases := []struct {
		raw, base, want string
	}{
		{"https://Example.com:443/a?utm_source=x&b=2&a=1#frag", "", "https://example.com/a?a=1&b=2"},
		{"/post/1?fbclid=abc", "https://blog.example.org/index.html", "https://blog.example.org/post/1"},
		{"post/2", "https://blog.example.org/list/", "https://blog.example.org/list/post/2"},
		{"http://example.com:80", "", "http://example.com/"},
		{"https://example.com/x?utm_campaign=a&utm_medium=b", "", "https://example.com/x"},
	}

	for _, tc := range cases {
		got, err := c.Canonicalize(tc.raw, tc.base)
		if err != nil {
			t.Fatalf("Canonicalize(%q) error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("Canonicalize(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestCanonicalizeRejectsSchemes(t *testing.T) {
	t.Parallel()

	c := New(nil)
	for _, raw := range []string{"mailto:me@example.com", "javascript:alert(1)", "ftp://example.com/file"} {
		_, err := c.Canonicalize(raw, "https://example.com/")
		if !errors.Is(err, ErrUnsupportedScheme) {
			t.Fatalf("expected unsupported scheme for %q, got %v", raw, err)
		}
	}

	if _, err := c.Canonicalize("relative/only", ""); err == nil {
		t.Fatal("expected error for relative url without base")
	}
}

func TestCanonicalizeCustomTrackingList(t *testing.T) {
	t.Parallel()

	c := New([]string{"session", "ref*"})
	got, err := c.Canonicalize("https://example.com/a?session=1&referrer=x&utm_source=kept", "")
	if err != nil {
		t.Fatalf("Canonicalize error: %v", err)
	}
	if got != "https://example.com/a?utm_source=kept" {
		t.Fatalf("unexpected canonical url: %s", got)
	}
}

func TestContentHashStable(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, time.January, 3, 10, 0, 0, 0, time.UTC)
	a := ContentHash("Hello   World", "https://example.com/a", &day, "blog")
	b := ContentHash(" Hello World ", "https://example.com/a", &day, "blog")
	if a != b {
		t.Fatal("whitespace differences must not change the hash")
	}

	c := ContentHash("Hello World", "https://example.com/a", nil, "blog")
	if a == c {
		t.Fatal("published date must participate in the hash")
	}
	if len(a) != 64 {
		t.Fatalf("expected 32-byte hex digest, got %d chars", len(a))
	}
}

func TestSameSite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want bool
	}{
		{"blog.example.com", "www.example.com", true},
		{"Example.com", "example.com", true},
		{"example.com", "example.org", false},
		{"foo.github.io", "bar.github.io", false},
		{"10.0.0.1", "192.168.0.1", false},
		{"127.0.0.1", "127.0.0.1", true},
	}
	for _, tt := range tests {
		if got := SameSite(tt.a, tt.b); got != tt.want {
			t.Fatalf("SameSite(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestHostAllowed(t *testing.T) {
	t.Parallel()

	allowed := []string{".cdn.example.net", " mirror.org "}
	tests := []struct {
		target string
		want   bool
	}{
		{"www.example.com", true},
		{"cdn.example.net", true},
		{"img.cdn.example.net", true},
		{"example.net", false},
		{"mirror.org", true},
		{"evilmirror.org", false},
		{"tracker.other.test", false},
	}
	for _, tt := range tests {
		if got := HostAllowed("blog.example.com", tt.target, allowed); got != tt.want {
			t.Fatalf("HostAllowed(%q) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://user:pw@api.example.com/v1/items?api_key=abc#frag": "https://api.example.com/v1/items?redacted",
		"https://example.com/feed.xml":                              "https://example.com/feed.xml",
		"relative/path":                                             "[invalid url]",
		"http://[::1":                                               "[invalid url]",
	}
	for raw, want := range tests {
		if got := RedactURL(raw); got != want {
			t.Fatalf("RedactURL(%q) = %q, want %q", raw, got, want)
		}
	}
}
