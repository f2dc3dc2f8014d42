package engine

import (
	"context"
	"sync"
	"time"

	"listingflow/backend/internal/logging"
)

// Scheduler drives RETRYING executions back to the runner. The store is the
// source of truth: every tick it sweeps records whose next_retry_at has
// passed, so retries survive a restart. Retries scheduled by this process
// additionally get a timer so they fire on time between sweeps.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	batch    int
	logger   *logging.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	baseCtx context.Context
	stopped bool
}

// NewScheduler creates a Scheduler and subscribes it to the engine's events.
func NewScheduler(e *Engine, interval time.Duration, batch int) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Scheduler{
		engine:   e,
		interval: interval,
		batch:    batch,
		logger:   e.logger.With("component", "retry-scheduler"),
		timers:   make(map[string]*time.Timer),
		baseCtx:  context.Background(),
	}

	e.events.OnRetryScheduled("retry-timer", func(ctx context.Context, ev Event) error {
		if ev.Execution.NextRetryAt == nil {
			return nil
		}
		s.arm(ev.Execution.ID, ev.Execution.NextRetryAt.Sub(e.now()))
		return nil
	})
	disarm := func(ctx context.Context, ev Event) error {
		s.Cancel(ev.Execution.ID)
		return nil
	}
	e.events.OnCancelled("retry-timer", disarm)
	e.events.OnFailed("retry-timer", disarm)
	e.events.OnCompleted("", "retry-timer", disarm)
	return s
}

// Run sweeps due retries until ctx is done, then stops all armed timers.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.stopped = false
	s.mu.Unlock()
	defer s.stopAll()

	s.logger.Info("retry scheduler started", "interval", s.interval.String(), "batch", s.batch)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retry sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce re-dispatches every retry that is due now and returns how many
// it attempted.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	due, err := s.engine.store.ListDueRetries(ctx, s.engine.now().UTC(), s.batch)
	if err != nil {
		return 0, err
	}
	for _, exec := range due {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		s.Cancel(exec.ID)
		if _, err := s.engine.runRetry(ctx, exec.ID, false); err != nil {
			s.logger.Warn("scheduled retry failed", "execution_id", exec.ID, "error", err)
		}
	}
	return len(due), nil
}

// Cancel disarms the in-process timer for an execution. It reports whether a
// timer was armed. The durable schedule is cleared by the state transition
// itself, so a sweep never picks up a cancelled execution.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, id)
	return true
}

// Pending reports how many timers are armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) arm(id string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[id] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		ctx := s.baseCtx
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if _, err := s.engine.runRetry(ctx, id, false); err != nil {
			s.logger.Warn("timed retry failed", "execution_id", id, "error", err)
		}
	})
	s.timers[id] = t
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.stopped = true
}
