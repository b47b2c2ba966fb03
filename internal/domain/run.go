package domain

import "time"

// RunState enumerates the pipeline execution lifecycle.
type RunState string

const (
	RunStarted         RunState = "RUN_STARTED"
	RunCollecting      RunState = "RUN_COLLECTING"
	RunRendering       RunState = "RUN_RENDERING"
	RunFinishedSuccess RunState = "RUN_FINISHED_SUCCESS"
	RunFinishedFailure RunState = "RUN_FINISHED_FAILURE"
)

// Terminal reports whether no further transition is allowed.
func (s RunState) Terminal() bool {
	return s == RunFinishedSuccess || s == RunFinishedFailure
}

var runTransitions = map[RunState][]RunState{
	RunStarted:    {RunCollecting, RunFinishedFailure},
	RunCollecting: {RunRendering, RunFinishedFailure},
	RunRendering:  {RunFinishedSuccess, RunFinishedFailure},
}

// CanTransitionRun reports whether from -> to is a legal run transition.
func CanTransitionRun(from, to RunState) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run is one pipeline execution.
type Run struct {
	ID           string
	State        RunState
	StartedAt    time.Time
	FinishedAt   *time.Time
	Success      bool
	ErrorSummary string
}

// SourceState is the per-source collection lifecycle.
type SourceState string

const (
	StatePending          SourceState = "PENDING"
	StateFetching         SourceState = "FETCHING"
	StateParsing          SourceState = "PARSING"
	StateParsingList      SourceState = "PARSING_LIST"
	StateParsingItemPages SourceState = "PARSING_ITEM_PAGES"
	StateDone             SourceState = "DONE"
	StateFailed           SourceState = "FAILED"
)

// Terminal reports whether the source finished one way or another.
func (s SourceState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// SourceStatus is the audit record of one source within one run.
type SourceStatus struct {
	RunID          string      `json:"run_id"`
	SourceID       string      `json:"source_id"`
	State          SourceState `json:"state"`
	ErrorClass     string      `json:"error_class,omitempty"`
	AttemptCount   int         `json:"attempt_count"`
	ItemCount      int         `json:"item_count"`
	NewCount       int         `json:"new_count"`
	UpdatedCount   int         `json:"updated_count"`
	UnchangedCount int         `json:"unchanged_count"`
	Warnings       []string    `json:"warnings,omitempty"`
	FinishedAt     time.Time   `json:"finished_at"`
}

// Stats summarizes store contents for operators and the renderer.
type Stats struct {
	SchemaVersion  int            `json:"schema_version"`
	Items          int            `json:"items"`
	ItemsBySource  map[string]int `json:"items_by_source"`
	Runs           int            `json:"runs"`
	SuccessfulRuns int            `json:"successful_runs"`
	CacheEntries   int            `json:"cache_entries"`
	LastSuccessAt  *time.Time     `json:"last_success_at,omitempty"`
	OldestItemSeen *time.Time     `json:"oldest_item_seen,omitempty"`
	NewestItemSeen *time.Time     `json:"newest_item_seen,omitempty"`
}

// RunReport is the outcome of one collection pass across all sources.
type RunReport struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Success    bool           `json:"success"`
	Summary    string         `json:"error_summary,omitempty"`
	Sources    []SourceStatus `json:"sources"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
}
