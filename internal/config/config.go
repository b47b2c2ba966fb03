package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "UTC"

	// MinItemRetentionDays is the shortest allowed item retention window.
	MinItemRetentionDays = 180
	// MinRunRetentionDays is the shortest allowed run retention window.
	MinRunRetentionDays = 90
)

// Method selects the collector variant for a source.
type Method string

const (
	MethodRSS  Method = "rss"
	MethodHTML Method = "html"
	MethodAPI  Method = "api"
)

// SuccessPolicy decides whether a run with partial failures succeeded.
type SuccessPolicy string

const (
	PolicyAll   SuccessPolicy = "all"
	PolicyAny   SuccessPolicy = "any"
	PolicyRatio SuccessPolicy = "ratio"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Runner    RunnerConfig    `yaml:"runner"`
	Canonical CanonicalConfig `yaml:"canonical"`
	Retention RetentionConfig `yaml:"retention"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Render    RenderConfig    `yaml:"render"`
	Sources   []SourceConfig  `yaml:"sources"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig points at the SQLite state file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// FetchConfig tunes the HTTP fetch layer.
type FetchConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	RetryAfterCap     time.Duration `yaml:"retry_after_cap"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	UserAgent         string        `yaml:"user_agent"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// RunnerConfig controls concurrent collection.
type RunnerConfig struct {
	MaxWorkers      int           `yaml:"max_workers"`
	FailFast        bool          `yaml:"fail_fast"`
	SuccessPolicy   SuccessPolicy `yaml:"success_policy"`
	MinSuccessRatio float64       `yaml:"min_success_ratio"`
}

// CanonicalConfig lists tracking parameters stripped from URLs.
type CanonicalConfig struct {
	TrackingParams []string `yaml:"tracking_params"`
}

// RetentionConfig defines pruning windows in days.
type RetentionConfig struct {
	ItemDays int `yaml:"item_days"`
	RunDays  int `yaml:"run_days"`
}

// SchedulerConfig defines recurring runs.
type SchedulerConfig struct {
	Interval time.Duration  `yaml:"interval"`
	Timezone string         `yaml:"timezone"`
	location *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	return time.UTC
}

// TelemetryConfig enables OTLP trace export when an endpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// RenderConfig configures the built-in status renderer.
type RenderConfig struct {
	StatusPath string `yaml:"status_path"`
}

// SourceConfig describes a single remote source and how to collect it.
type SourceConfig struct {
	ID                     string            `yaml:"id"`
	URL                    string            `yaml:"url"`
	Tier                   int               `yaml:"tier"`
	Method                 Method            `yaml:"method"`
	Kind                   string            `yaml:"kind"`
	MaxItemsPerSource      int               `yaml:"max_items_per_source"`
	Timezone               string            `yaml:"timezone"`
	MaxItemPages           int               `yaml:"max_item_pages"`
	AllowedRedirectDomains []string          `yaml:"allowed_redirect_domains"`
	Headers                map[string]string `yaml:"headers"`
	AuthEnv                string            `yaml:"auth_env"`
	HTML                   *HTMLSelectors    `yaml:"html"`
	API                    *APIPaths         `yaml:"api"`
}

// Location resolves the source timezone, defaulting to UTC.
func (s SourceConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HTMLSelectors configures list-page extraction for HTML sources.
type HTMLSelectors struct {
	Preset     string `yaml:"preset"`
	Item       string `yaml:"item"`
	Link       string `yaml:"link"`
	Title      string `yaml:"title"`
	Date       string `yaml:"date"`
	DateAttr   string `yaml:"date_attr"`
	DateLayout string `yaml:"date_layout"`
}

// APIPaths are gjson paths used by the platform API collector.
type APIPaths struct {
	Items string `yaml:"items"`
	URL   string `yaml:"url"`
	Title string `yaml:"title"`
	Date  string `yaml:"date"`
}

// envOverrides lists the variables that win over the YAML file.
type envOverrides struct {
	ConfigPath   string `env:"INGEST_CONFIG"`
	DatabasePath string `env:"INGEST_DB_PATH"`
	LogLevel     string `env:"INGEST_LOG_LEVEL"`
	LogFormat    string `env:"INGEST_LOG_FORMAT"`
	MaxWorkers   int    `env:"INGEST_MAX_WORKERS"`
	FailFast     *bool  `env:"INGEST_FAIL_FAST"`
	OTLPEndpoint string `env:"INGEST_OTLP_ENDPOINT"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
// An empty path falls back to INGEST_CONFIG.
func Load(path string) (Config, error) {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := defaultConfig()

	if path == "" {
		path = overrides.ConfigPath
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		fileCfg, err := parseFile(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		cfg = mergeConfig(cfg, fileCfg)
	}

	cfg.applyEnvOverrides(overrides)
	if err := cfg.bindTimezone(); err != nil {
		return Config{}, err
	}
	cfg.applySourceDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// unsetRetries marks fetch.max_retries as absent from the file, so an
// explicit 0 can disable retries.
const unsetRetries = -1

// parseFile decodes a YAML document without applying defaults.
func parseFile(raw []byte) (Config, error) {
	cfg := Config{Fetch: FetchConfig{MaxRetries: unsetRetries}}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the core refuses to run with.
func (c Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Runner.MaxWorkers <= 0 {
		return fmt.Errorf("runner.max_workers must be positive")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must not be negative")
	}
	switch c.Runner.SuccessPolicy {
	case PolicyAll, PolicyAny:
	case PolicyRatio:
		if c.Runner.MinSuccessRatio <= 0 || c.Runner.MinSuccessRatio > 1 {
			return fmt.Errorf("runner.min_success_ratio must be in (0, 1]")
		}
	default:
		return fmt.Errorf("unknown runner.success_policy %q", c.Runner.SuccessPolicy)
	}
	if c.Retention.ItemDays < MinItemRetentionDays {
		return fmt.Errorf("retention.item_days must be at least %d", MinItemRetentionDays)
	}
	if c.Retention.RunDays < MinRunRetentionDays {
		return fmt.Errorf("retention.run_days must be at least %d", MinRunRetentionDays)
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if strings.TrimSpace(src.ID) == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = struct{}{}

		if src.URL == "" {
			return fmt.Errorf("source %s: url is required", src.ID)
		}
		if src.Tier < 0 || src.Tier > 2 {
			return fmt.Errorf("source %s: tier must be 0..2", src.ID)
		}
		switch src.Method {
		case MethodRSS, MethodHTML:
		case MethodAPI:
			if src.API == nil || src.API.Items == "" || src.API.URL == "" {
				return fmt.Errorf("source %s: api.items and api.url are required", src.ID)
			}
		default:
			return fmt.Errorf("source %s: unknown method %q", src.ID, src.Method)
		}
		if src.MaxItemsPerSource <= 0 {
			return fmt.Errorf("source %s: max_items_per_source must be positive", src.ID)
		}
		if src.Timezone != "" {
			if _, err := time.LoadLocation(src.Timezone); err != nil {
				return fmt.Errorf("source %s: unknown timezone %q", src.ID, src.Timezone)
			}
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides(o envOverrides) {
	if o.DatabasePath != "" {
		c.Database.Path = o.DatabasePath
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Logging.Format = o.LogFormat
	}
	if o.MaxWorkers > 0 {
		c.Runner.MaxWorkers = o.MaxWorkers
	}
	if o.FailFast != nil {
		c.Runner.FailFast = *o.FailFast
	}
	if o.OTLPEndpoint != "" {
		c.Telemetry.OTLPEndpoint = o.OTLPEndpoint
	}
}

func (c *Config) bindTimezone() error {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("scheduler.timezone %q: %w", tz, err)
	}
	c.Scheduler.location = loc
	return nil
}

func (c *Config) applySourceDefaults() {
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Method == "" {
			src.Method = MethodRSS
		}
		if src.Kind == "" {
			src.Kind = "blog"
		}
		if src.MaxItemsPerSource == 0 {
			src.MaxItemsPerSource = DefaultMaxItemsPerSource
		}
		if src.MaxItemPages == 0 {
			src.MaxItemPages = DefaultMaxItemPages
		}
	}
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if override.Database.Path != "" {
		base.Database = override.Database
	}

	base.Fetch = mergeFetch(base.Fetch, override.Fetch)

	if override.Runner.MaxWorkers > 0 {
		base.Runner.MaxWorkers = override.Runner.MaxWorkers
	}
	if override.Runner.FailFast {
		base.Runner.FailFast = true
	}
	if override.Runner.SuccessPolicy != "" {
		base.Runner.SuccessPolicy = override.Runner.SuccessPolicy
	}
	if override.Runner.MinSuccessRatio > 0 {
		base.Runner.MinSuccessRatio = override.Runner.MinSuccessRatio
	}

	if override.Canonical.TrackingParams != nil {
		base.Canonical = override.Canonical
	}

	if override.Retention.ItemDays > 0 {
		base.Retention.ItemDays = override.Retention.ItemDays
	}
	if override.Retention.RunDays > 0 {
		base.Retention.RunDays = override.Retention.RunDays
	}

	if override.Scheduler.Interval > 0 {
		base.Scheduler.Interval = override.Scheduler.Interval
	}
	if override.Scheduler.Timezone != "" {
		base.Scheduler.Timezone = override.Scheduler.Timezone
	}

	if override.Telemetry.OTLPEndpoint != "" {
		base.Telemetry.OTLPEndpoint = override.Telemetry.OTLPEndpoint
	}
	if override.Telemetry.ServiceName != "" {
		base.Telemetry.ServiceName = override.Telemetry.ServiceName
	}

	if override.Render.StatusPath != "" {
		base.Render = override.Render
	}

	if len(override.Sources) > 0 {
		base.Sources = override.Sources
	}

	return base
}

func mergeFetch(base, override FetchConfig) FetchConfig {
	if override.Timeout > 0 {
		base.Timeout = override.Timeout
	}
	if override.MaxRetries >= 0 {
		base.MaxRetries = override.MaxRetries
	}
	if override.BaseDelay > 0 {
		base.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay > 0 {
		base.MaxDelay = override.MaxDelay
	}
	if override.RetryAfterCap > 0 {
		base.RetryAfterCap = override.RetryAfterCap
	}
	if override.MaxBodyBytes > 0 {
		base.MaxBodyBytes = override.MaxBodyBytes
	}
	if override.UserAgent != "" {
		base.UserAgent = override.UserAgent
	}
	if override.RequestsPerSecond > 0 {
		base.RequestsPerSecond = override.RequestsPerSecond
	}
	if override.Burst > 0 {
		base.Burst = override.Burst
	}
	return base
}
