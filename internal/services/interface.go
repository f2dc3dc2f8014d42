package services

import (
	"context"
	"encoding/json"

	"listingflow/backend/pkg/models"
)

// RunnerClient is an interface for communicating with the external workflow runner.
type RunnerClient interface {
	// Trigger submits a payload to the runner webhook for the workflow type
	// and returns the runner-assigned execution handle.
	Trigger(ctx context.Context, workflowType models.WorkflowType, payload map[string]any) (string, error)
	// Status reports the runner-side state of a previously triggered execution.
	Status(ctx context.Context, handle string) (*RunnerStatus, error)
}

// RunnerStatus is the runner's view of one dispatch attempt.
type RunnerStatus struct {
	Finished bool            `json:"finished"`
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Notifier delivers owner-facing notifications, e.g. that automation for a
// listing needs manual attention.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Notification is the body posted to the owner notification webhook.
type Notification struct {
	Kind         string              `json:"kind"`
	ExecutionID  string              `json:"executionId"`
	TenantID     string              `json:"tenantId"`
	SubjectID    *string             `json:"subjectId,omitempty"`
	WorkflowType models.WorkflowType `json:"workflowType"`
	RetryCount   int                 `json:"retryCount"`
	Message      string              `json:"message"`
}
