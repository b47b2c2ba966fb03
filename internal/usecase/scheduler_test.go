package usecase

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"ArticlesIngest/internal/collector"
	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/infrastructure/scheduler"
)

func TestSchedulerRunsRepeatedly(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	var seq atomic.Int32
	runner := NewRunner(RunnerDeps{
		Registry: collector.NewRegistry(stubCollector{}),
		Store:    store,
		NewRunID: func() string { return fmt.Sprintf("run-%d", seq.Add(1)) },
	}, config.RunnerConfig{MaxWorkers: 1})

	reports := make(chan domain.RunReport, 8)
	s := NewScheduler(scheduler.NewIntervalScheduler(20*time.Millisecond, time.UTC), runner, stubSources("a"), nil)
	s.OnReport = func(report domain.RunReport, err error) {
		if err != nil {
			t.Errorf("scheduled run: %v", err)
		}
		select {
		case reports <- report:
		default:
		}
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case report := <-reports:
			if !report.Success {
				t.Fatalf("run %s failed: %+v", report.RunID, report)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d scheduled runs completed", i)
		}
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	last, err := store.GetLastSuccessfulRunFinishedAt(context.Background())
	if err != nil || last == nil {
		t.Fatalf("expected a successful run recorded, got %v err=%v", last, err)
	}
}

func TestSchedulerWithoutDriverIsNoop(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil, nil, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
