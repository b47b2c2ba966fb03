package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
database:
  path: /var/lib/ingest/state.db
fetch:
  timeout: 10s
  max_retries: 2
runner:
  max_workers: 8
  success_policy: ratio
  min_success_ratio: 0.75
sources:
  - id: example-blog
    url: https://example.com/feed.xml
    tier: 0
    method: rss
  - id: example-releases
    url: https://example.com/releases
    method: html
    kind: release
    max_items_per_source: 5
    html:
      item: article
      link: a
      date: time
      date_attr: datetime
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Database.Path != "/var/lib/ingest/state.db" {
		t.Fatalf("unexpected db path: %s", cfg.Database.Path)
	}
	if cfg.Fetch.Timeout != 10*time.Second || cfg.Fetch.MaxRetries != 2 {
		t.Fatalf("fetch overrides not applied: %+v", cfg.Fetch)
	}
	if cfg.Fetch.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Fatalf("expected default body cap, got %d", cfg.Fetch.MaxBodyBytes)
	}
	if cfg.Runner.MaxWorkers != 8 || cfg.Runner.SuccessPolicy != PolicyRatio {
		t.Fatalf("runner overrides not applied: %+v", cfg.Runner)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(cfg.Sources))
	}

	blog := cfg.Sources[0]
	if blog.Kind != "blog" || blog.MaxItemsPerSource != DefaultMaxItemsPerSource || blog.MaxItemPages != DefaultMaxItemPages {
		t.Fatalf("source defaults not applied: %+v", blog)
	}
	if cfg.Sources[1].HTML == nil || cfg.Sources[1].HTML.DateAttr != "datetime" {
		t.Fatalf("html selectors not decoded: %+v", cfg.Sources[1].HTML)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INGEST_DB_PATH", "/tmp/override.db")
	t.Setenv("INGEST_MAX_WORKERS", "2")
	t.Setenv("INGEST_FAIL_FAST", "true")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Fatalf("env db path ignored: %s", cfg.Database.Path)
	}
	if cfg.Runner.MaxWorkers != 2 || !cfg.Runner.FailFast {
		t.Fatalf("env runner overrides ignored: %+v", cfg.Runner)
	}
}

func TestValidateRejectsBadSources(t *testing.T) {
	t.Parallel()

	base := defaultConfig()
	cases := map[string]SourceConfig{
		"tier":   {ID: "a", URL: "https://x", Method: MethodRSS, Tier: 3, MaxItemsPerSource: 1},
		"method": {ID: "a", URL: "https://x", Method: "ftp", MaxItemsPerSource: 1},
		"api":    {ID: "a", URL: "https://x", Method: MethodAPI, MaxItemsPerSource: 1},
		"tz":     {ID: "a", URL: "https://x", Method: MethodRSS, MaxItemsPerSource: 1, Timezone: "Mars/Base"},
	}

	for name, src := range cases {
		cfg := base
		cfg.Sources = []SourceConfig{src}
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	cfg := base
	cfg.Sources = []SourceConfig{
		{ID: "dup", URL: "https://x", Method: MethodRSS, MaxItemsPerSource: 1},
		{ID: "dup", URL: "https://y", Method: MethodRSS, MaxItemsPerSource: 1},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestValidateRetentionFloor(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Retention.ItemDays = 30
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected retention floor error")
	}
}

func TestLoadMaxRetriesZeroDisablesRetries(t *testing.T) {
	cfg, err := Load(writeConfig(t, "database:\n  path: /tmp/state.db\nfetch:\n  max_retries: 0\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Fetch.MaxRetries != 0 {
		t.Fatalf("explicit max_retries 0 was replaced by %d", cfg.Fetch.MaxRetries)
	}

	cfg, err = Load(writeConfig(t, "database:\n  path: /tmp/state.db\nfetch:\n  timeout: 5s\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Fetch.MaxRetries != DefaultMaxRetries {
		t.Fatalf("absent max_retries should keep the default, got %d", cfg.Fetch.MaxRetries)
	}

	if _, err := Load(writeConfig(t, "database:\n  path: /tmp/state.db\nfetch:\n  max_retries: -2\n")); err == nil {
		t.Fatal("expected negative max_retries to be rejected")
	}
}
