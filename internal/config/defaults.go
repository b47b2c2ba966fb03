package config

import "time"

// Defaults shared with the fetch layer and collectors.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultBaseDelay         = 500 * time.Millisecond
	DefaultMaxDelay          = 30 * time.Second
	DefaultRetryAfterCap     = 60 * time.Second
	DefaultMaxBodyBytes      = 10 << 20
	DefaultUserAgent         = "ArticlesIngest/1.0"
	DefaultMaxItemsPerSource = 50
	DefaultMaxItemPages      = 10
	DefaultMaxWorkers        = 4
)

func defaultConfig() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Path: "ingest.db"},
		Fetch: FetchConfig{
			Timeout:       DefaultTimeout,
			MaxRetries:    DefaultMaxRetries,
			BaseDelay:     DefaultBaseDelay,
			MaxDelay:      DefaultMaxDelay,
			RetryAfterCap: DefaultRetryAfterCap,
			MaxBodyBytes:  DefaultMaxBodyBytes,
			UserAgent:     DefaultUserAgent,
			Burst:         1,
		},
		Runner: RunnerConfig{
			MaxWorkers:    DefaultMaxWorkers,
			SuccessPolicy: PolicyAny,
		},
		Retention: RetentionConfig{
			ItemDays: MinItemRetentionDays,
			RunDays:  MinRunRetentionDays,
		},
		Scheduler: SchedulerConfig{Interval: 24 * time.Hour, Timezone: defaultTimezone, location: time.UTC},
		Telemetry: TelemetryConfig{ServiceName: "articles-ingest"},
		Sources: []SourceConfig{
			{
				ID:                "arxiv-cs-ai",
				URL:               "https://export.arxiv.org/list/cs.AI/pastweek",
				Tier:              1,
				Method:            MethodHTML,
				Kind:              "paper",
				MaxItemsPerSource: DefaultMaxItemsPerSource,
				MaxItemPages:      DefaultMaxItemPages,
				HTML:              &HTMLSelectors{Preset: "arxiv"},
			},
		},
	}
}
