// Package engine creates, tracks, retries and reconciles workflow executions
// delegated to the external runner.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"listingflow/backend/internal/logging"
	"listingflow/backend/internal/repository"
	"listingflow/backend/internal/services"
	"listingflow/backend/pkg/models"
)

// maxWriteAttempts bounds the re-read loop after version conflicts.
const maxWriteAttempts = 5

// errSkip aborts a mutation without writing; the current record is returned.
var errSkip = errors.New("skip write")

// Engine is the workflow execution engine. All record mutations go through
// mutate, which serializes writers per execution with the record version.
type Engine struct {
	store   repository.ExecutionStore
	runner  services.RunnerClient
	events  *EventBus
	policy  RetryPolicy
	logger  *logging.Logger
	metrics *metrics
	meter   metric.Meter
	now     func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventBus shares an existing event bus.
func WithEventBus(bus *EventBus) Option {
	return func(e *Engine) { e.events = bus }
}

// WithMeter sets the OpenTelemetry meter; the global provider is used otherwise.
func WithMeter(meter metric.Meter) Option {
	return func(e *Engine) { e.meter = meter }
}

// New creates an Engine.
func New(store repository.ExecutionStore, runner services.RunnerClient, policy RetryPolicy, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		runner: runner,
		policy: policy,
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	if e.events == nil {
		e.events = NewEventBus(e.logger, 0)
	}

	m, err := newMetrics(e.meter)
	if err != nil {
		e.logger.Warn("failed to create some metric instruments", "error", err)
	}
	e.metrics = m
	e.events.setFailureHook(func(kind EventKind, name string) {
		e.metrics.hookFailures.Add(context.Background(), 1)
	})
	return e
}

// Events returns the bus on which transitions are published.
func (e *Engine) Events() *EventBus {
	return e.events
}

// Policy returns the retry policy in force.
func (e *Engine) Policy() RetryPolicy {
	return e.policy
}

// Now returns the engine clock in UTC.
func (e *Engine) Now() time.Time {
	return e.now().UTC()
}

// StartRequest is what a domain service passes to Start.
type StartRequest struct {
	WorkflowType models.WorkflowType
	TenantID     string
	SubjectID    *string
	Payload      json.RawMessage
}

// Start records a new PENDING execution and dispatches it. When dispatch
// fails the PENDING record is returned together with a *DispatchError so the
// caller can retry the dispatch later.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*models.WorkflowExecution, error) {
	if !req.WorkflowType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflowType, req.WorkflowType)
	}
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	input, err := SanitizePayload(req.Payload)
	if err != nil {
		return nil, err
	}

	exec, err := e.store.CreateExecution(ctx, models.NewExecution{
		WorkflowType: req.WorkflowType,
		TenantID:     req.TenantID,
		SubjectID:    req.SubjectID,
		InputData:    input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	e.metrics.started.Add(ctx, 1)
	e.logger.Info("execution created",
		"execution_id", exec.ID,
		"tenant_id", exec.TenantID,
		"workflow_type", string(exec.WorkflowType),
		"to_status", string(exec.Status),
	)

	claimed, ok, err := e.claimDispatch(ctx, exec.ID, true)
	if err != nil {
		return exec, err
	}
	if !ok {
		return claimed, nil
	}
	return e.dispatch(ctx, claimed)
}

// Get returns an execution visible to the tenant.
func (e *Engine) Get(ctx context.Context, tenantID, id string) (*models.WorkflowExecution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && exec.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return exec, nil
}

// List returns the tenant's executions.
func (e *Engine) List(ctx context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	if filter.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	return e.store.ListExecutions(ctx, filter)
}

// Cancel moves a non-terminal execution to CANCELLED. Cancelling an already
// cancelled execution is a no-op.
func (e *Engine) Cancel(ctx context.Context, tenantID, id string) (*models.WorkflowExecution, error) {
	from, exec, err := e.mutate(ctx, id, func(cur *models.WorkflowExecution) error {
		if tenantID != "" && cur.TenantID != tenantID {
			return ErrNotFound
		}
		if cur.Status == models.StatusCancelled {
			return errSkip
		}
		if cur.Status.Terminal() {
			return fmt.Errorf("%w: cannot cancel %s execution", ErrInvalidTransition, cur.Status)
		}
		cur.Status = models.StatusCancelled
		cur.NextRetryAt = nil
		cur.DispatchClaimedAt = nil
		return nil
	})
	if err != nil {
		return exec, err
	}
	if from != models.StatusCancelled {
		e.events.Publish(Event{Kind: EventCancelled, Execution: exec.Clone(), OccurredAt: e.now().UTC()})
	}
	return exec, nil
}

// Retry is the caller-initiated retry. A PENDING execution whose first
// dispatch failed is dispatched again without consuming a retry; a RETRYING
// execution is re-dispatched immediately instead of waiting for its backoff.
// Either is rejected with ErrInvalidTransition while another dispatch of the
// same execution holds a live claim.
func (e *Engine) Retry(ctx context.Context, tenantID, id string) (*models.WorkflowExecution, error) {
	exec, err := e.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	switch exec.Status {
	case models.StatusPending, models.StatusRetrying:
		return e.runRetry(ctx, id, true)
	case models.StatusFailed:
		if !e.policy.CanRetry(exec.RetryCount) {
			return exec, fmt.Errorf("%w: execution %s failed after %d retries", ErrRetryCeilingExceeded, id, exec.RetryCount)
		}
		return exec, fmt.Errorf("%w: execution %s is FAILED", ErrInvalidTransition, id)
	default:
		return exec, fmt.Errorf("%w: cannot retry %s execution", ErrInvalidTransition, exec.Status)
	}
}

// mutate re-reads the execution, applies fn and writes it back conditioned
// on the version it read. On a version conflict the whole read-apply-write
// cycle is repeated so fn always validates against the latest state. fn may
// return errSkip to leave the record untouched. It returns the status before
// the write and the record as stored.
func (e *Engine) mutate(ctx context.Context, id string, fn func(cur *models.WorkflowExecution) error) (models.ExecutionStatus, *models.WorkflowExecution, error) {
	for attempt := 1; ; attempt++ {
		cur, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return "", nil, err
		}
		from := cur.Status

		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, errSkip) {
				return from, cur, nil
			}
			if errors.Is(err, ErrNotFound) {
				return from, nil, err
			}
			return from, cur, err
		}
		if err := checkTransition(from, next.Status); err != nil {
			return from, cur, err
		}

		updated, err := e.store.UpdateExecution(ctx, next)
		if errors.Is(err, repository.ErrVersionConflict) && attempt < maxWriteAttempts {
			e.logger.Debug("version conflict, re-reading execution", "execution_id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return from, cur, fmt.Errorf("failed to update execution %s: %w", id, err)
		}

		e.audit(ctx, updated, from)
		return from, updated, nil
	}
}

func (e *Engine) audit(ctx context.Context, exec *models.WorkflowExecution, from models.ExecutionStatus) {
	e.logger.Info("execution updated",
		"execution_id", exec.ID,
		"tenant_id", exec.TenantID,
		"workflow_type", string(exec.WorkflowType),
		"from_status", string(from),
		"to_status", string(exec.Status),
		"retry_count", exec.RetryCount,
		"version", exec.Version,
	)
	if from != exec.Status {
		e.metrics.recordTransition(ctx, exec.WorkflowType, from, exec.Status)
	}
}
