package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"listingflow/backend/internal/config"
	"listingflow/backend/internal/logging"
	"listingflow/backend/pkg/models"
)

// Monitor polls the runner for RUNNING executions that have gone quiet
// longer than the grace period. Callback delivery is at-most-once, so this
// is the only way a lost callback is ever reconciled.
type Monitor struct {
	engine   *Engine
	grace    time.Duration
	interval time.Duration
	batch    int
	limiter  *rate.Limiter
	logger   *logging.Logger
}

// NewMonitor creates a Monitor from the engine settings.
func NewMonitor(e *Engine, cfg config.EngineConfig) *Monitor {
	burst := cfg.PollBurst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(cfg.PollRate)
	if cfg.PollRate <= 0 {
		limit = rate.Inf
	}
	return &Monitor{
		engine:   e,
		grace:    cfg.PollGracePeriod,
		interval: cfg.PollInterval,
		batch:    cfg.PollBatch,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   e.logger.With("component", "status-monitor"),
	}
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("status monitor started", "grace_period", m.grace.String(), "interval", m.interval.String())
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("status monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("status poll pass failed", "error", err)
			}
		}
	}
}

// markPolled advances the poll cursor so the next pass starts with runs
// that have been waiting longer.
func (m *Monitor) markPolled(ctx context.Context, id, handle string) error {
	now := m.engine.now().UTC()
	_, _, err := m.engine.mutate(ctx, id, func(cur *models.WorkflowExecution) error {
		if cur.Status != models.StatusRunning || deref(cur.ExternalHandle) != handle {
			return errSkip
		}
		cur.LastPolledAt = &now
		return nil
	})
	return err
}

// RunOnce polls every stale RUNNING execution once and returns how many
// were moved to a new state.
func (m *Monitor) RunOnce(ctx context.Context) (int, error) {
	cutoff := m.engine.now().UTC().Add(-m.grace)
	stale, err := m.engine.store.ListStaleRunning(ctx, cutoff, m.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale executions: %w", err)
	}

	reconciled := 0
	for _, exec := range stale {
		if err := m.limiter.Wait(ctx); err != nil {
			return reconciled, err
		}
		handle := deref(exec.ExternalHandle)

		r := result{executionID: exec.ID, handle: handle}
		status, err := m.engine.runner.Status(ctx, handle)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return reconciled, ctx.Err()
			}
			r.errMessage = fmt.Sprintf("status poll failed: %v", err)
		case !status.Finished:
			m.engine.metrics.recordOutcome(ctx, m.engine.metrics.polls, "poll", OutcomePending)
			if err := m.markPolled(ctx, exec.ID, handle); err != nil {
				m.logger.Warn("failed to record status poll", "execution_id", exec.ID, "error", err)
			}
			continue
		default:
			r.success = status.Success
			r.data = status.Data
			r.errMessage = status.Error
		}

		_, outcome, err := m.engine.applyResult(ctx, r)
		m.engine.metrics.recordOutcome(ctx, m.engine.metrics.polls, "poll", outcome)
		if err != nil {
			m.logger.Warn("failed to apply polled result", "execution_id", exec.ID, "error", err)
			continue
		}
		if outcome == OutcomeApplied {
			reconciled++
		}
	}
	return reconciled, nil
}
