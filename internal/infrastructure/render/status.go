package render

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/ports"
)

// StatsReader is the store slice needed to enrich the report.
type StatsReader interface {
	GetStats(ctx context.Context) (domain.Stats, error)
}

// StatusDocument is the JSON written after every run.
type StatusDocument struct {
	Run   domain.RunReport `json:"run"`
	Stats *domain.Stats    `json:"stats,omitempty"`
}

// JSONStatusRenderer writes the run report and store stats to a file.
type JSONStatusRenderer struct {
	path   string
	stats  StatsReader
	logger *slog.Logger
}

var _ ports.Renderer = (*JSONStatusRenderer)(nil)

// NewJSONStatusRenderer wires the destination path; stats may be nil.
func NewJSONStatusRenderer(path string, stats StatsReader, logger *slog.Logger) *JSONStatusRenderer {
	return &JSONStatusRenderer{path: path, stats: stats, logger: logger}
}

// Render replaces the status file. The document is written to a temporary
// file in the same directory and renamed so readers never see a partial
// document.
func (r *JSONStatusRenderer) Render(ctx context.Context, report domain.RunReport) error {
	doc := StatusDocument{Run: report}
	if r.stats != nil {
		stats, err := r.stats.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("load stats: %w", err)
		}
		doc.Stats = &stats
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return fmt.Errorf("create temp status: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(payload, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close status: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace status: %w", err)
	}

	if r.logger != nil {
		r.logger.Debug("status written", "path", r.path, "run_id", report.RunID)
	}
	return nil
}
