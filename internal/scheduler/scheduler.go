// Package scheduler runs cooperative tasks on a single goroutine.
//
// Every registered [Task] is polled once per tick. Poll must return
// quickly; a task that needs to do blocking work returns true from Poll
// (or is queued with [Scheduler.Trigger]) and the scheduler calls its
// Run method on the same goroutine before moving on. No two task
// methods ever execute concurrently.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Task is the capability set of a scheduled task.
type Task interface {
	// Poll does a bounded, non-blocking amount of work. Returning true
	// asks the scheduler to call Run.
	Poll(ctx context.Context) bool

	// Run does work that is allowed to block.
	Run(ctx context.Context)
}

type entry struct {
	name  string
	task  Task
	polls int64
	runs  int64
}

// Scheduler manages task polling and execution.
type Scheduler struct {
	logger   *slog.Logger
	clock    clock.Clock
	interval time.Duration

	mu      sync.Mutex
	tasks   []*entry
	pending map[string]bool
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock driving the tick.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates a scheduler that ticks every interval.
func New(logger *slog.Logger, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   logger,
		clock:    clock.New(),
		interval: interval,
		pending:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a task under name. Adding the same name twice replaces
// the earlier task.
func (s *Scheduler) Add(name string, t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.tasks {
		if e.name == name {
			e.task = t
			return
		}
	}
	s.tasks = append(s.tasks, &entry{name: name, task: t})
	s.logger.Debug("task registered", "task", name)
}

// Trigger queues a Run of the named task for the next tick.
func (s *Scheduler) Trigger(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[name] = true
}

// Start begins ticking on a background goroutine. It returns
// immediately; cancel ctx or call Stop to end it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	n := len(s.tasks)
	s.mu.Unlock()

	s.logger.Debug("scheduler started", "tasks", n, "interval", s.interval.String())

	s.wg.Add(1)
	go s.loop(ctx, stopCh)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop halts the scheduler and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Tick polls every task once, in registration order, and runs the ones
// that asked for it. Start calls it on every tick; tests call it
// directly.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]*entry, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, e := range tasks {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		want := s.pending[e.name]
		delete(s.pending, e.name)
		e.polls++
		s.mu.Unlock()

		if e.task.Poll(ctx) {
			want = true
		}
		if !want {
			continue
		}

		start := s.clock.Now()
		e.task.Run(ctx)

		s.mu.Lock()
		e.runs++
		s.mu.Unlock()

		s.logger.Debug("task run completed",
			"task", e.name,
			"duration", s.clock.Since(start),
		)
	}
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make(map[string]any, len(s.tasks))
	for _, e := range s.tasks {
		tasks[e.name] = map[string]int64{"polls": e.polls, "runs": e.runs}
	}
	return map[string]any{
		"running":  s.running,
		"interval": s.interval.String(),
		"tasks":    tasks,
	}
}
