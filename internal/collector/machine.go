package collector

import (
	"log/slog"

	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/metrics"
	"ArticlesIngest/internal/ports"
)

var genericEdges = map[domain.SourceState][]domain.SourceState{
	domain.StatePending:  {domain.StateFetching, domain.StateFailed},
	domain.StateFetching: {domain.StateParsing, domain.StateFailed},
	domain.StateParsing:  {domain.StateDone, domain.StateFailed},
}

// PARSING_ITEM_PAGES is reachable only from PARSING_LIST.
var htmlEdges = map[domain.SourceState][]domain.SourceState{
	domain.StatePending:          {domain.StateFetching, domain.StateFailed},
	domain.StateFetching:         {domain.StateParsingList, domain.StateFailed},
	domain.StateParsingList:      {domain.StateParsingItemPages, domain.StateDone, domain.StateFailed},
	domain.StateParsingItemPages: {domain.StateDone, domain.StateFailed},
}

// Machine guards the lifecycle of one source within one collection pass.
// It is not safe for concurrent use; each Collect call owns its own.
type Machine struct {
	sourceID string
	variant  string
	state    domain.SourceState
	edges    map[domain.SourceState][]domain.SourceState
	logger   *slog.Logger
	metrics  ports.MetricsRecorder
}

// NewMachine returns a machine for single-document variants (rss, api).
func NewMachine(sourceID string, logger *slog.Logger, rec ports.MetricsRecorder) *Machine {
	return newMachine(sourceID, "source", genericEdges, logger, rec)
}

// NewHTMLMachine returns a machine with the list/item-page refinement.
func NewHTMLMachine(sourceID string, logger *slog.Logger, rec ports.MetricsRecorder) *Machine {
	return newMachine(sourceID, "html_source", htmlEdges, logger, rec)
}

func newMachine(sourceID, variant string, edges map[domain.SourceState][]domain.SourceState, logger *slog.Logger, rec ports.MetricsRecorder) *Machine {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Machine{
		sourceID: sourceID,
		variant:  variant,
		state:    domain.StatePending,
		edges:    edges,
		logger:   logger,
		metrics:  rec,
	}
}

// State returns the current state.
func (m *Machine) State() domain.SourceState {
	return m.state
}

// Transition moves to next or returns a StateTransitionError, leaving the
// current state untouched.
func (m *Machine) Transition(next domain.SourceState) error {
	for _, allowed := range m.edges[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}

	err := &domain.StateTransitionError{Machine: m.variant, From: string(m.state), To: string(next)}
	m.metrics.IncCounter(metrics.StateViolations, map[string]string{"machine": m.variant, "source": m.sourceID}, 1)
	if m.logger != nil {
		m.logger.Error("illegal state transition",
			"source", m.sourceID,
			"machine", m.variant,
			"from", m.state,
			"to", next,
			"invariant_violation", true,
		)
	}
	return err
}

// Fail moves any non-terminal machine to FAILED.
func (m *Machine) Fail() error {
	if m.state == domain.StateFailed {
		return nil
	}
	return m.Transition(domain.StateFailed)
}
