package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"ArticlesIngest/internal/collector"
	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/metrics"
	"ArticlesIngest/internal/ports"
)

var errFailFast = errors.New("source failed with fail_fast enabled")

// RunnerDeps wires the driven adapters into the collector runner.
type RunnerDeps struct {
	Registry *collector.Registry
	Fetcher  ports.HTTPFetcher
	Store    ports.RunStore
	Renderer ports.Renderer
	Metrics  ports.MetricsRecorder
	Logger   *slog.Logger
	// Now and NewRunID are replaced in tests.
	Now      func() time.Time
	NewRunID func() string
}

// Runner executes one collection pass over all configured sources.
type Runner struct {
	registry *collector.Registry
	fetcher  ports.HTTPFetcher
	store    ports.RunStore
	renderer ports.Renderer
	metrics  ports.MetricsRecorder
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newRunID func() string
	cfg      config.RunnerConfig
}

// NewRunner constructs the orchestration component.
func NewRunner(deps RunnerDeps, cfg config.RunnerConfig) *Runner {
	r := &Runner{
		registry: deps.Registry,
		fetcher:  deps.Fetcher,
		store:    deps.Store,
		renderer: deps.Renderer,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		tracer:   otel.Tracer("ArticlesIngest/usecase"),
		now:      deps.Now,
		newRunID: deps.NewRunID,
		cfg:      cfg,
	}
	if r.metrics == nil {
		r.metrics = metrics.Nop{}
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.newRunID == nil {
		r.newRunID = uuid.NewString
	}
	if r.cfg.MaxWorkers <= 0 {
		r.cfg.MaxWorkers = config.DefaultMaxWorkers
	}
	if r.cfg.SuccessPolicy == "" {
		r.cfg.SuccessPolicy = config.PolicyAny
	}
	return r
}

// Run collects every source, persists the results and closes the run. The
// returned error is non-nil only when the run itself could not be carried
// out (store or render failure); source failures are reported in the
// RunReport and decide its Success flag.
func (r *Runner) Run(ctx context.Context, sources []config.SourceConfig) (domain.RunReport, error) {
	report := domain.RunReport{RunID: r.newRunID(), StartedAt: r.now()}

	ctx, span := r.tracer.Start(ctx, "ingest.Run", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.Int("run.sources", len(sources)),
	))
	defer span.End()

	logger := r.runLogger(report.RunID)
	logger.Info("run started", "sources", len(sources), "max_workers", r.cfg.MaxWorkers, "fail_fast", r.cfg.FailFast)

	if err := r.store.BeginRun(ctx, report.RunID, report.StartedAt); err != nil {
		span.SetStatus(codes.Error, "begin run")
		return report, fmt.Errorf("begin run: %w", err)
	}
	if err := r.store.AdvanceRun(ctx, report.RunID, domain.RunCollecting); err != nil {
		return r.abort(ctx, span, report, "advance run", err)
	}

	statuses, err := r.collectAll(ctx, report.RunID, sources)
	report.Sources = statuses
	report.Succeeded, report.Failed = tally(statuses)
	if err != nil {
		return r.abort(ctx, span, report, "collect", err)
	}
	if err := ctx.Err(); err != nil {
		return r.abort(ctx, span, report, "collect", err)
	}

	report.Success = r.evaluate(report.Succeeded, report.Failed)
	report.Summary = errorSummary(statuses)

	if err := r.store.AdvanceRun(ctx, report.RunID, domain.RunRendering); err != nil {
		return r.abort(ctx, span, report, "advance run", err)
	}

	report.FinishedAt = r.now()
	if r.renderer != nil {
		if err := r.renderer.Render(ctx, report); err != nil {
			return r.abort(ctx, span, report, "render", err)
		}
	}

	if err := r.store.EndRun(ctx, report.RunID, report.Success, report.Summary, report.FinishedAt); err != nil {
		span.SetStatus(codes.Error, "end run")
		return report, fmt.Errorf("end run: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("run.success", report.Success),
		attribute.Int("run.succeeded", report.Succeeded),
		attribute.Int("run.failed", report.Failed),
	)
	if !report.Success {
		span.SetStatus(codes.Error, "policy not met")
	}
	logger.Info("run finished",
		"success", report.Success,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	)
	return report, nil
}

// abort closes the run as failed. It runs on a context detached from
// cancellation so an interrupted run is still closed.
func (r *Runner) abort(ctx context.Context, span trace.Span, report domain.RunReport, step string, cause error) (domain.RunReport, error) {
	report.Success = false
	report.FinishedAt = r.now()
	report.Summary = joinSummary(errorSummary(report.Sources), fmt.Sprintf("%s: %s", step, domain.ErrorClass(cause)))

	span.SetStatus(codes.Error, step)
	r.runLogger(report.RunID).Error("run aborted", "step", step, "error_class", domain.ErrorClass(cause))

	closeCtx := context.WithoutCancel(ctx)
	if err := r.store.EndRun(closeCtx, report.RunID, false, report.Summary, report.FinishedAt); err != nil {
		return report, errors.Join(fmt.Errorf("%s: %w", step, cause), fmt.Errorf("end run: %w", err))
	}
	return report, fmt.Errorf("%s: %w", step, cause)
}

func (r *Runner) collectAll(ctx context.Context, runID string, sources []config.SourceConfig) ([]domain.SourceStatus, error) {
	statuses := make([]domain.SourceStatus, len(sources))
	storeCtx := context.WithoutCancel(ctx)

	var (
		mu        sync.Mutex
		storeErrs []error
	)
	storeFailed := func(err error) error {
		mu.Lock()
		storeErrs = append(storeErrs, err)
		mu.Unlock()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxWorkers)

	for i, src := range sources {
		g.Go(func() error {
			if gctx.Err() != nil {
				st := r.cancelled(runID, src)
				statuses[i] = st
				if err := r.record(storeCtx, st); err != nil {
					return storeFailed(err)
				}
				return nil
			}

			st, err := r.collectSource(ctx, gctx, storeCtx, runID, src)
			statuses[i] = st
			if err != nil {
				return storeFailed(err)
			}
			if r.cfg.FailFast && st.State == domain.StateFailed {
				return errFailFast
			}
			return nil
		})
	}

	// Wait reports only the first error, which may be the fail_fast
	// sentinel; store errors are collected separately.
	_ = g.Wait()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].SourceID < statuses[j].SourceID })
	return statuses, errors.Join(storeErrs...)
}

// collectSource runs one source end to end. Collection uses gctx so that
// fail_fast can cancel it; store writes use storeCtx, which ignores
// cancellation, so results already gathered are still persisted.
func (r *Runner) collectSource(ctx, gctx, storeCtx context.Context, runID string, src config.SourceConfig) (domain.SourceStatus, error) {
	started := time.Now()
	gctx, span := r.tracer.Start(gctx, "ingest.CollectSource", trace.WithAttributes(
		attribute.String("source.id", src.ID),
		attribute.String("source.method", string(src.Method)),
	))
	defer span.End()

	res := r.collect(gctx, src)

	st := domain.SourceStatus{
		RunID:        runID,
		SourceID:     src.ID,
		State:        res.State,
		ErrorClass:   domain.ErrorClass(res.Err),
		AttemptCount: res.Attempts,
		ItemCount:    len(res.Items),
		Warnings:     res.Warnings,
	}
	if res.Err != nil {
		st.State = domain.StateFailed
		st.ItemCount = 0
		// Another source tripped fail_fast while this one was in flight.
		if ctx.Err() == nil && gctx.Err() != nil && (errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, errFailFast)) {
			st.ErrorClass = domain.ClassCancelled
		}
	}

	var storeErr error
	if st.State == domain.StateDone && len(res.Items) > 0 {
		results, err := r.store.UpsertItems(storeCtx, res.Items, r.now())
		if err != nil {
			storeErr = fmt.Errorf("persist %s: %w", src.ID, err)
			st.State = domain.StateFailed
			st.ErrorClass = domain.ErrorClass(err)
			st.ItemCount = 0
		}
		for _, u := range results {
			switch u.Event {
			case domain.EventNew:
				st.NewCount++
			case domain.EventUpdated:
				st.UpdatedCount++
			case domain.EventUnchanged:
				st.UnchangedCount++
			}
		}
	}
	st.FinishedAt = r.now()

	if err := r.record(storeCtx, st); err != nil && storeErr == nil {
		storeErr = err
	}

	elapsed := time.Since(started)
	r.metrics.IncCounter(metrics.SourceResults, map[string]string{"source": src.ID, "state": string(st.State)}, 1)
	r.metrics.ObserveDuration(metrics.CollectDuration, map[string]string{"source": src.ID, "method": string(src.Method)}, elapsed)
	span.SetAttributes(
		attribute.String("source.state", string(st.State)),
		attribute.Int("source.items", st.ItemCount),
		attribute.Int("source.attempts", st.AttemptCount),
	)
	if st.State == domain.StateFailed {
		span.SetStatus(codes.Error, st.ErrorClass)
	}
	r.logSource(runID, src, st, elapsed)
	return st, storeErr
}

func (r *Runner) collect(ctx context.Context, src config.SourceConfig) collector.Result {
	c, err := r.registry.Resolve(src.Method)
	if err != nil {
		return collector.Result{Err: err, State: domain.StateFailed}
	}
	return c.Collect(ctx, src, r.fetcher, r.now())
}

func (r *Runner) cancelled(runID string, src config.SourceConfig) domain.SourceStatus {
	st := domain.SourceStatus{
		RunID:      runID,
		SourceID:   src.ID,
		State:      domain.StateFailed,
		ErrorClass: domain.ClassCancelled,
		FinishedAt: r.now(),
	}
	r.metrics.IncCounter(metrics.SourceResults, map[string]string{"source": src.ID, "state": string(st.State)}, 1)
	r.logSource(runID, src, st, 0)
	return st
}

func (r *Runner) record(ctx context.Context, st domain.SourceStatus) error {
	if err := r.store.RecordSourceStatus(ctx, st); err != nil {
		return fmt.Errorf("record status of %s: %w", st.SourceID, err)
	}
	return nil
}

func (r *Runner) logSource(runID string, src config.SourceConfig, st domain.SourceStatus, elapsed time.Duration) {
	if r.logger == nil {
		return
	}
	level := slog.LevelInfo
	if st.State == domain.StateFailed {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "source finished",
		"run_id", runID,
		"source", src.ID,
		"method", string(src.Method),
		"state", string(st.State),
		"items", st.ItemCount,
		"new", st.NewCount,
		"error_class", st.ErrorClass,
		"attempt_count", st.AttemptCount,
		"warnings", len(st.Warnings),
		"duration_ms", elapsed.Milliseconds(),
	)
}

func (r *Runner) runLogger(runID string) *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger.With("run_id", runID)
}

// evaluate applies the configured success policy.
func (r *Runner) evaluate(succeeded, failed int) bool {
	total := succeeded + failed
	if total == 0 {
		return true
	}
	switch r.cfg.SuccessPolicy {
	case config.PolicyAll:
		return failed == 0
	case config.PolicyRatio:
		return float64(succeeded)/float64(total) >= r.cfg.MinSuccessRatio
	default:
		return succeeded > 0
	}
}

func tally(statuses []domain.SourceStatus) (succeeded, failed int) {
	for _, st := range statuses {
		if st.State == domain.StateDone {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// errorSummary lists "source_id: CLASS" for failed sources; statuses are
// already sorted by source id.
func errorSummary(statuses []domain.SourceStatus) string {
	var parts []string
	for _, st := range statuses {
		if st.State == domain.StateFailed {
			parts = append(parts, fmt.Sprintf("%s: %s", st.SourceID, st.ErrorClass))
		}
	}
	return strings.Join(parts, "; ")
}

func joinSummary(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}
