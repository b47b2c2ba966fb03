package usecase

import (
	"context"
	"log/slog"
	"time"

	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/ports"
)

// Scheduler wires the interval driver with the collector runner.
type Scheduler struct {
	driver  ports.Scheduler
	runner  *Runner
	sources []config.SourceConfig
	logger  *slog.Logger
	// OnReport, when set, receives every finished run.
	OnReport func(domain.RunReport, error)
}

// NewScheduler returns a helper to start/stop recurring runs.
func NewScheduler(driver ports.Scheduler, runner *Runner, sources []config.SourceConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{driver: driver, runner: runner, sources: sources, logger: logger}
}

// Start registers the runner with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.runner == nil {
		return nil
	}

	job := func(trigger time.Time) {
		if ctx.Err() != nil {
			return
		}
		report, err := s.runner.Run(ctx, s.sources)
		if s.logger != nil {
			if err != nil {
				s.logger.Error("scheduled run aborted", "trigger", trigger, "run_id", report.RunID, "error_class", domain.ErrorClass(err))
			} else {
				s.logger.Info("scheduled run finished", "trigger", trigger, "run_id", report.RunID, "success", report.Success)
			}
		}
		if s.OnReport != nil {
			s.OnReport(report, err)
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
