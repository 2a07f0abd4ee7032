package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TickFunc is periodic work driven by a Scheduler.
type TickFunc func(ctx context.Context, now time.Time)

// Scheduler calls a TickFunc on a fixed interval. It drives automation
// time triggers and delayed actions when no external scheduler calls the
// tick hook.
type Scheduler struct {
	name     string
	interval time.Duration
	tick     TickFunc
	logger   Logger
	now      func() time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(name string, interval time.Duration, tick TickFunc) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: interval,
		tick:     tick,
		logger:   noopLogger{},
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// Start runs the ticker until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the ticker and waits for an in-progress tick. Safe to call
// multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduled tick", "scheduler", s.name, "panic", fmt.Sprint(r))
		}
	}()
	s.tick(ctx, s.now())
}
