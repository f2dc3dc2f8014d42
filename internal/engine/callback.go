package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"listingflow/backend/pkg/models"
)

// Outcome classifies what happened to a reported result.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeConflict  Outcome = "conflict"
	OutcomePending   Outcome = "pending"
	OutcomeError     Outcome = "error"
)

// Callback is an inbound completion or failure notification from the runner.
type Callback struct {
	ExecutionID    string
	TenantID       string // optional; must match when set
	ExternalHandle string // optional; names the attempt being reported
	Status         models.ExecutionStatus
	Data           json.RawMessage
	Error          string
}

// ParseCallbackStatus accepts COMPLETED/FAILED in any case plus the
// success/error aliases some runners send.
func ParseCallbackStatus(s string) (models.ExecutionStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETED", "SUCCESS", "SUCCEEDED":
		return models.StatusCompleted, nil
	case "FAILED", "ERROR", "FAILURE":
		return models.StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: callback status must be COMPLETED or FAILED, got %q", ErrInvalidInput, s)
	}
}

// result is an attempt outcome from either a pushed callback or a poll.
type result struct {
	executionID string
	tenantID    string
	handle      string
	success     bool
	data        json.RawMessage
	errMessage  string
}

// HandleCallback applies a runner notification. Repeating a terminal status
// is acknowledged without changes; contradicting a terminal status returns
// ErrCallbackConflict and leaves the record untouched.
func (e *Engine) HandleCallback(ctx context.Context, cb Callback) (*models.WorkflowExecution, Outcome, error) {
	if cb.ExecutionID == "" {
		return nil, OutcomeError, fmt.Errorf("%w: executionId is required", ErrInvalidInput)
	}
	if cb.Status != models.StatusCompleted && cb.Status != models.StatusFailed {
		return nil, OutcomeError, fmt.Errorf("%w: callback status must be COMPLETED or FAILED, got %q", ErrInvalidInput, cb.Status)
	}

	exec, outcome, err := e.applyResult(ctx, result{
		executionID: cb.ExecutionID,
		tenantID:    cb.TenantID,
		handle:      cb.ExternalHandle,
		success:     cb.Status == models.StatusCompleted,
		data:        cb.Data,
		errMessage:  cb.Error,
	})
	e.metrics.recordOutcome(ctx, e.metrics.callbacks, "callback", outcome)

	switch outcome {
	case OutcomeConflict:
		e.logger.Warn("callback conflicts with terminal execution; dropped",
			"execution_id", cb.ExecutionID,
			"current_status", string(exec.Status),
			"callback_status", string(cb.Status),
		)
	case OutcomeDuplicate, OutcomeStale:
		e.logger.Info("callback acknowledged without changes",
			"execution_id", cb.ExecutionID,
			"outcome", string(outcome),
		)
	}
	return exec, outcome, err
}

// applyResult runs the shared success/failure transition logic for pushed
// callbacks and polled results.
func (e *Engine) applyResult(ctx context.Context, r result) (*models.WorkflowExecution, Outcome, error) {
	now := e.now().UTC()
	outcome := OutcomeApplied
	incoming := models.StatusFailed
	if r.success {
		incoming = models.StatusCompleted
	}

	from, exec, err := e.mutate(ctx, r.executionID, func(cur *models.WorkflowExecution) error {
		outcome = OutcomeApplied
		if r.tenantID != "" && cur.TenantID != r.tenantID {
			return ErrNotFound
		}
		if cur.Status.Terminal() {
			if cur.Status == incoming {
				outcome = OutcomeDuplicate
				return errSkip
			}
			outcome = OutcomeConflict
			return fmt.Errorf("%w: execution %s is %s, callback reported %s",
				ErrCallbackConflict, cur.ID, cur.Status, incoming)
		}
		if r.handle != "" && cur.ExternalHandle != nil && *cur.ExternalHandle != r.handle {
			outcome = OutcomeStale
			return errSkip
		}

		if r.success {
			cur.Status = models.StatusCompleted
			cur.OutputData = normalizeOutput(r.data)
			cur.CompletedAt = &now
			cur.NextRetryAt = nil
			cur.ErrorMessage = nil
			return nil
		}

		if cur.Status == models.StatusRetrying {
			// failure for this attempt is already being handled
			outcome = OutcomeDuplicate
			return errSkip
		}
		message := r.errMessage
		if message == "" {
			message = "workflow reported failure"
		}
		e.applyFailure(cur, message, now)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, OutcomeError, err
		}
		if outcome != OutcomeConflict {
			outcome = OutcomeError
		}
		return exec, outcome, err
	}
	if outcome != OutcomeApplied {
		return exec, outcome, nil
	}

	switch exec.Status {
	case models.StatusCompleted:
		if d, ok := exec.Duration(); ok {
			e.metrics.recordDuration(ctx, exec.WorkflowType, d)
		}
		e.events.Publish(Event{Kind: EventCompleted, Execution: exec.Clone(), OccurredAt: now})
	default:
		e.publishFailureOutcome(exec)
	}
	e.logger.Debug("result applied", "execution_id", exec.ID, "from_status", string(from), "to_status", string(exec.Status))
	return exec, outcome, nil
}

// normalizeOutput guarantees COMPLETED records carry valid JSON output:
// JSON null when the runner sent nothing, a JSON string when it sent bytes
// that are not JSON.
func normalizeOutput(data json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return json.RawMessage(`null`)
	}
	if !json.Valid(trimmed) {
		quoted, _ := json.Marshal(string(trimmed))
		return quoted
	}
	return append(json.RawMessage(nil), trimmed...)
}
