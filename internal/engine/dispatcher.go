package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"listingflow/backend/pkg/models"
)

// errAbandoned marks a dispatch whose execution left PENDING/RETRYING, or
// whose claim was taken over, while the runner call was in flight.
var errAbandoned = errors.New("execution no longer awaiting dispatch")

// errClaimHeld rejects a dispatch while another one for the same execution
// is still within its claim lease.
var errClaimHeld = fmt.Errorf("%w: dispatch already in progress", ErrInvalidTransition)

// claimActive reports whether an unresolved dispatch claim is younger than
// the lease.
func claimActive(exec *models.WorkflowExecution, now time.Time) bool {
	return exec.DispatchClaimedAt != nil && now.Before(exec.DispatchClaimedAt.Add(claimLease))
}

func sameClaim(a, b *time.Time) bool {
	return a != nil && b != nil && a.Equal(*b)
}

// claimDispatch stamps a dispatch claim on a PENDING or RETRYING execution
// so that exactly one caller triggers the runner for that state. A scheduled
// retry (force false) is only claimed once it is due and silently skipped
// while another claim is live; a caller-initiated dispatch (force true) gets
// errClaimHeld instead. It reports whether the claim was taken.
func (e *Engine) claimDispatch(ctx context.Context, id string, force bool) (*models.WorkflowExecution, bool, error) {
	now := e.now().UTC()
	claimed := false
	_, exec, err := e.mutate(ctx, id, func(cur *models.WorkflowExecution) error {
		claimed = false
		switch cur.Status {
		case models.StatusPending:
		case models.StatusRetrying:
			if !force && (cur.NextRetryAt == nil || cur.NextRetryAt.After(now)) {
				return errSkip
			}
		default:
			return errSkip
		}
		if claimActive(cur, now) {
			if force {
				return errClaimHeld
			}
			return errSkip
		}
		if cur.DispatchClaimedAt != nil {
			e.logger.Warn("previous dispatch claim expired without an outcome",
				"execution_id", cur.ID,
				"claimed_at", cur.DispatchClaimedAt.Format(time.RFC3339),
				"dispatch_attempts", cur.DispatchAttempts,
			)
		}
		cur.DispatchClaimedAt = &now
		cur.DispatchAttempts++
		if cur.Status == models.StatusRetrying {
			lease := now.Add(claimLease)
			cur.LastRetryAt = &now
			cur.NextRetryAt = &lease
		}
		claimed = true
		return nil
	})
	return exec, claimed, err
}

// releaseClaim drops a PENDING execution's claim after a failed trigger so
// the caller can retry the dispatch straight away.
func (e *Engine) releaseClaim(ctx context.Context, exec *models.WorkflowExecution) *models.WorkflowExecution {
	_, released, err := e.mutate(ctx, exec.ID, func(cur *models.WorkflowExecution) error {
		if cur.Status != models.StatusPending || !sameClaim(cur.DispatchClaimedAt, exec.DispatchClaimedAt) {
			return errSkip
		}
		cur.DispatchClaimedAt = nil
		return nil
	})
	if err != nil || released == nil {
		e.logger.Warn("failed to release dispatch claim", "execution_id", exec.ID, "error", err)
		return exec
	}
	return released
}

// BuildPayload renders the runner payload for an execution: the sanitized
// input fields plus the reserved executionId, tenantId, subjectId,
// workflowType, attempt, dispatchAttempt and steps fields, which always win
// over input keys. dispatchAttempt changes on every trigger, including one
// repeated after a lost claim, so the runner can tell duplicates apart.
func BuildPayload(exec *models.WorkflowExecution) (map[string]any, error) {
	steps, ok := exec.WorkflowType.Steps()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflowType, exec.WorkflowType)
	}

	payload := make(map[string]any)
	if len(exec.InputData) > 0 {
		dec := json.NewDecoder(bytes.NewReader(exec.InputData))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return nil, fmt.Errorf("%w: stored input is not a JSON object: %v", ErrInvalidInput, err)
		}
		if payload == nil {
			payload = make(map[string]any)
		}
	}

	payload["executionId"] = exec.ID
	payload["tenantId"] = exec.TenantID
	payload["subjectId"] = exec.SubjectID
	payload["workflowType"] = string(exec.WorkflowType)
	payload["attempt"] = exec.RetryCount
	payload["dispatchAttempt"] = exec.DispatchAttempts
	payload["steps"] = steps
	return payload, nil
}

// dispatch sends a claimed execution to the runner and, on success, records
// the new external handle and moves the record to RUNNING. A handle is only
// recorded while the claim is still the one exec carries. On failure a
// *DispatchError is returned and a PENDING claim is released; dispatch never
// retries.
func (e *Engine) dispatch(ctx context.Context, exec *models.WorkflowExecution) (*models.WorkflowExecution, error) {
	payload, err := BuildPayload(exec)
	if err != nil {
		return exec, err
	}

	handle, err := e.runner.Trigger(ctx, exec.WorkflowType, payload)
	if err != nil {
		e.metrics.dispatchFailures.Add(ctx, 1)
		dispatchErr := &DispatchError{
			ExecutionID:  exec.ID,
			WorkflowType: exec.WorkflowType,
			Attempt:      exec.RetryCount,
			Err:          err,
		}
		e.logger.Warn("dispatch failed",
			"execution_id", exec.ID,
			"status", string(exec.Status),
			"dispatch_attempts", exec.DispatchAttempts,
			"transient", dispatchErr.Transient(),
			"error", err,
		)
		if exec.Status == models.StatusPending {
			return e.releaseClaim(ctx, exec), dispatchErr
		}
		return exec, dispatchErr
	}

	now := e.now().UTC()
	_, updated, err := e.mutate(ctx, exec.ID, func(cur *models.WorkflowExecution) error {
		if cur.Status != models.StatusPending && cur.Status != models.StatusRetrying {
			return errAbandoned
		}
		if !sameClaim(cur.DispatchClaimedAt, exec.DispatchClaimedAt) {
			return errAbandoned
		}
		cur.Status = models.StatusRunning
		cur.ExternalHandle = &handle
		cur.StartedAt = &now
		cur.NextRetryAt = nil
		cur.ErrorMessage = nil
		cur.DispatchClaimedAt = nil
		cur.LastPolledAt = nil
		return nil
	})
	if errors.Is(err, errAbandoned) {
		e.logger.Warn("runner accepted execution that is no longer awaiting dispatch; handle discarded",
			"execution_id", exec.ID,
			"external_handle", handle,
			"status", string(updated.Status),
		)
		return updated, nil
	}
	if err != nil {
		return exec, err
	}
	return updated, nil
}
