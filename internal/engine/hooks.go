package engine

import (
	"context"
	"errors"

	"listingflow/backend/internal/services"
	"listingflow/backend/pkg/models"
)

// Notification kinds sent to the owner.
const (
	NotifyRetryCeilingExceeded = "retry_ceiling_exceeded"
	NotifyRedispatchFailed     = "redispatch_failed"
	NotifyCompleted            = "workflow_completed"
)

// NotifyOwnerOnFailure subscribes notifier to terminal failures so the owner
// learns that automation for their listing needs manual attention.
func NotifyOwnerOnFailure(bus *EventBus, notifier services.Notifier) {
	bus.OnFailed("owner-notification", func(ctx context.Context, ev Event) error {
		kind := NotifyRetryCeilingExceeded
		if IsDispatchError(ev.Err) {
			kind = NotifyRedispatchFailed
		}
		message := deref(ev.Execution.ErrorMessage)
		if message == "" && ev.Err != nil {
			message = ev.Err.Error()
		}
		return notifier.Notify(ctx, services.Notification{
			Kind:         kind,
			ExecutionID:  ev.Execution.ID,
			TenantID:     ev.Execution.TenantID,
			SubjectID:    ev.Execution.SubjectID,
			WorkflowType: ev.Execution.WorkflowType,
			RetryCount:   ev.Execution.RetryCount,
			Message:      message,
		})
	})
}

// NotifyOwnerOnCompletion registers a post-completion hook for each of the
// given workflow types that tells the owner the automation finished.
func NotifyOwnerOnCompletion(bus *EventBus, notifier services.Notifier, types ...models.WorkflowType) {
	for _, wt := range types {
		bus.OnCompleted(wt, "owner-notification:"+string(wt), func(ctx context.Context, ev Event) error {
			return notifier.Notify(ctx, services.Notification{
				Kind:         NotifyCompleted,
				ExecutionID:  ev.Execution.ID,
				TenantID:     ev.Execution.TenantID,
				SubjectID:    ev.Execution.SubjectID,
				WorkflowType: ev.Execution.WorkflowType,
				RetryCount:   ev.Execution.RetryCount,
			})
		})
	}
}

// IsRetryCeilingExceeded reports whether a failure event or error means the
// execution exhausted its retries.
func IsRetryCeilingExceeded(err error) bool {
	return errors.Is(err, ErrRetryCeilingExceeded)
}
