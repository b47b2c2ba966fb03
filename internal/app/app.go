package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ArticlesIngest/internal/canon"
	"ArticlesIngest/internal/collector"
	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/infrastructure/httpfetch"
	"ArticlesIngest/internal/infrastructure/parser"
	"ArticlesIngest/internal/infrastructure/render"
	"ArticlesIngest/internal/infrastructure/scheduler"
	"ArticlesIngest/internal/infrastructure/storage"
	"ArticlesIngest/internal/logging"
	"ArticlesIngest/internal/metrics"
	"ArticlesIngest/internal/ports"
	"ArticlesIngest/internal/telemetry"
	"ArticlesIngest/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.SQLiteStore
	runner   *usecase.Runner
	metrics  *metrics.Registry
	shutdown func(context.Context) error
	now      func() time.Time
}

// New opens the state store and builds the collection stack.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	rec := metrics.NewRegistry()
	canonicalizer := canon.New(cfg.Canonical.TrackingParams)

	store, err := storage.Open(ctx, cfg.Database.Path,
		storage.WithCanonicalizer(canonicalizer),
		storage.WithMetrics(rec),
		storage.WithLogger(baseLogger.With("component", "storage")),
	)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open state store: %w", err)
	}

	client := &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	fetcher := httpfetch.New(client,
		httpfetch.NewCacheManager(store, baseLogger.With("component", "httpcache")),
		httpfetch.OptionsFromConfig(cfg.Fetch),
		rec,
		baseLogger.With("component", "httpfetch"),
	)

	normalizer := collector.NewNormalizer(canonicalizer)
	collectorLogger := baseLogger.With("component", "collector")
	registry := collector.NewRegistry(
		parser.NewRSSCollector(normalizer, collectorLogger, rec),
		parser.NewHTMLCollector(normalizer, collectorLogger, rec),
		parser.NewAPICollector(normalizer, collectorLogger, rec),
	)

	var renderer ports.Renderer
	if cfg.Render.StatusPath != "" {
		renderer = render.NewJSONStatusRenderer(cfg.Render.StatusPath, store, baseLogger.With("component", "render"))
	}

	runner := usecase.NewRunner(usecase.RunnerDeps{
		Registry: registry,
		Fetcher:  fetcher,
		Store:    store,
		Renderer: renderer,
		Metrics:  rec,
		Logger:   baseLogger.With("component", "runner"),
	}, cfg.Runner)

	return &Application{
		cfg:      cfg,
		logger:   baseLogger,
		store:    store,
		runner:   runner,
		metrics:  rec,
		shutdown: shutdown,
		now:      time.Now,
	}, nil
}

// RunOnce performs a single collection pass over every configured source.
func (a *Application) RunOnce(ctx context.Context) (domain.RunReport, error) {
	report, err := a.runner.Run(ctx, a.cfg.Sources)
	a.logMetrics()
	return report, err
}

// RunEvery runs the collection pass on an interval until ctx ends. It
// returns ctx's error, or nil on a clean shutdown.
func (a *Application) RunEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = a.cfg.Scheduler.Interval
	}
	driver := scheduler.NewIntervalScheduler(interval, a.cfg.Scheduler.Location())
	sched := usecase.NewScheduler(driver, a.runner, a.cfg.Sources, a.logger.With("component", "scheduler"))
	sched.OnReport = func(domain.RunReport, error) { a.logMetrics() }

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("scheduler started", "interval", interval.String(), "timezone", a.cfg.Scheduler.Location().String())

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	a.logger.Info("scheduler stopped")
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Prune applies the configured retention windows.
func (a *Application) Prune(ctx context.Context) (items, runs int64, err error) {
	now := a.now()
	items, err = a.store.PruneOldItems(ctx, a.cfg.Retention.ItemDays, now)
	if err != nil {
		return 0, 0, fmt.Errorf("prune items: %w", err)
	}
	runs, err = a.store.PruneOldRuns(ctx, a.cfg.Retention.RunDays, now)
	if err != nil {
		return items, 0, fmt.Errorf("prune runs: %w", err)
	}
	return items, runs, nil
}

// Stats reports what the store holds.
func (a *Application) Stats(ctx context.Context) (domain.Stats, error) {
	return a.store.GetStats(ctx)
}

// RollbackTo reverts the schema to version.
func (a *Application) RollbackTo(ctx context.Context, version int) (int, error) {
	return a.store.RollbackTo(ctx, version)
}

// Close flushes telemetry and releases the store.
func (a *Application) Close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *Application) logMetrics() {
	if !a.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	counters, durations := a.metrics.Snapshot()
	for _, p := range counters {
		a.logger.Debug("metric", "name", p.Name, "labels", p.Labels, "value", p.Value)
	}
	for _, p := range durations {
		a.logger.Debug("metric", "name", p.Name, "labels", p.Labels, "seconds", p.Value, "count", p.Count)
	}
}
