package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"listingflow/backend/pkg/models"
)

// claimLease bounds a dispatch claim. While a retry is being dispatched
// next_retry_at is also pushed forward by the lease so another scheduler pass
// (or replica) does not pick it up. If this process dies mid-dispatch the
// claim expires and the execution can be dispatched again.
const claimLease = 2 * time.Minute

// applyFailure records a failed attempt on cur. While retries remain it
// consumes one (retry_count is advanced now, before any re-dispatch) and
// schedules it after the backoff; otherwise the execution becomes FAILED.
func (e *Engine) applyFailure(cur *models.WorkflowExecution, message string, now time.Time) {
	cur.ErrorMessage = &message
	cur.OutputData = nil
	cur.DispatchClaimedAt = nil

	if e.policy.CanRetry(cur.RetryCount) {
		cur.RetryCount++
		due := now.Add(e.policy.Delay(cur.RetryCount))
		cur.Status = models.StatusRetrying
		cur.NextRetryAt = &due
		return
	}

	cur.Status = models.StatusFailed
	cur.FailedAt = &now
	cur.NextRetryAt = nil
}

// publishFailureOutcome emits the event matching what applyFailure decided.
// A terminal failure here always means the retry ceiling was reached.
func (e *Engine) publishFailureOutcome(exec *models.WorkflowExecution) {
	switch exec.Status {
	case models.StatusRetrying:
		e.events.Publish(Event{Kind: EventRetryScheduled, Execution: exec.Clone(), OccurredAt: e.now().UTC()})
	case models.StatusFailed:
		e.events.Publish(Event{
			Kind:       EventFailed,
			Execution:  exec.Clone(),
			Err:        fmt.Errorf("%w: %s", ErrRetryCeilingExceeded, deref(exec.ErrorMessage)),
			OccurredAt: e.now().UTC(),
		})
	}
}

// runRetry performs one RETRYING -> RUNNING cycle: it claims the due retry,
// stamps last_retry_at, and re-dispatches the frozen input snapshot under a
// new external handle. A failed re-dispatch is terminal. force skips the
// due-time check for caller-initiated retries but never a live claim.
func (e *Engine) runRetry(ctx context.Context, id string, force bool) (*models.WorkflowExecution, error) {
	exec, claimed, err := e.claimDispatch(ctx, id, force)
	if err != nil || !claimed {
		return exec, err
	}
	if exec.Status != models.StatusRetrying {
		return e.dispatch(ctx, exec)
	}

	e.logger.Info("re-dispatching execution",
		"execution_id", exec.ID,
		"retry_count", exec.RetryCount,
		"dispatch_attempts", exec.DispatchAttempts,
		"abandoned_handle", deref(exec.ExternalHandle),
	)

	running, err := e.dispatch(ctx, exec)
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		return running, err
	}

	failedAt := e.now().UTC()
	message := fmt.Sprintf("re-dispatch failed: %v", dispatchErr.Err)
	_, failed, mutErr := e.mutate(ctx, id, func(cur *models.WorkflowExecution) error {
		if cur.Status != models.StatusRetrying || !sameClaim(cur.DispatchClaimedAt, exec.DispatchClaimedAt) {
			return errSkip
		}
		cur.Status = models.StatusFailed
		cur.ErrorMessage = &message
		cur.FailedAt = &failedAt
		cur.NextRetryAt = nil
		cur.DispatchClaimedAt = nil
		return nil
	})
	if mutErr != nil {
		return exec, errors.Join(err, mutErr)
	}
	if failed.Status == models.StatusFailed {
		e.events.Publish(Event{Kind: EventFailed, Execution: failed.Clone(), Err: dispatchErr, OccurredAt: failedAt})
	}
	return failed, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
