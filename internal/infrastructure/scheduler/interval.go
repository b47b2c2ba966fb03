package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"ArticlesIngest/internal/ports"
)

// ErrAlreadyStarted is returned when Start is called twice without Stop.
var ErrAlreadyStarted = errors.New("scheduler already started")

// IntervalScheduler fires a job immediately and then every interval. Jobs
// never overlap: a tick that arrives while a job runs is dropped.
type IntervalScheduler struct {
	interval time.Duration
	loc      *time.Location

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

var _ ports.Scheduler = (*IntervalScheduler)(nil)

// NewIntervalScheduler builds a scheduler; trigger times are reported in loc.
func NewIntervalScheduler(interval time.Duration, loc *time.Location) *IntervalScheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &IntervalScheduler{interval: interval, loc: loc}
}

// Start begins ticking until ctx ends or Stop is called.
func (s *IntervalScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}
	if s.interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return ErrAlreadyStarted
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		job(time.Now().In(s.loc))
		for {
			select {
			case t := <-ticker.C:
				job(t.In(s.loc))
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()

	return nil
}

// Stop halts the ticker goroutine and waits for a running job to return,
// or for ctx to end.
func (s *IntervalScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the scheduler goroutine exits; nil before Start.
func (s *IntervalScheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
