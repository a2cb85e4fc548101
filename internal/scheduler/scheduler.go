// Package scheduler drives soulkeeper's periodic jobs: the proposal expiry
// sweep and reflection runs. Each job runs on its own ticker; shutdown is
// context cancellation plus a WaitGroup drain.
package scheduler

import (
	"context"
	"sync"
	"time"

	"soulkeeper/internal/logging"
)

// Sweeper is the lifecycle manager's expiry entry point.
type Sweeper interface {
	ExpireSweep() (int, error)
}

// ReflectionJob runs one reflection cycle for an agent.
type ReflectionJob interface {
	RunAll(ctx context.Context) error
}

// Scheduler owns the background tickers.
type Scheduler struct {
	sweeper    Sweeper
	reflection ReflectionJob

	sweepInterval      time.Duration
	reflectionInterval time.Duration

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// New creates a Scheduler. reflection may be nil when no producer is wired.
func New(sweeper Sweeper, reflection ReflectionJob, sweepInterval, reflectionInterval time.Duration) *Scheduler {
	return &Scheduler{
		sweeper:            sweeper,
		reflection:         reflection,
		sweepInterval:      sweepInterval,
		reflectionInterval: reflectionInterval,
	}
}

// Start launches the background jobs. Non-blocking.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.sweepLoop(ctx)

	if s.reflection != nil {
		s.wg.Add(1)
		go s.reflectionLoop(ctx)
	}

	logging.Scheduler("Started: sweep every %v, reflection every %v", s.sweepInterval, s.reflectionInterval)
}

// Stop cancels the jobs and waits for them to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	logging.Scheduler("Stopped")
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sweeper.ExpireSweep()
			if err != nil {
				logging.Get(logging.CategoryScheduler).Error("Expiry sweep failed: %v", err)
				continue
			}
			if n > 0 {
				logging.Scheduler("Expiry sweep: %d expired", n)
			}
		}
	}
}

func (s *Scheduler) reflectionLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reflectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reflection.RunAll(ctx); err != nil {
				logging.Get(logging.CategoryScheduler).Error("Reflection run failed: %v", err)
			}
		}
	}
}
