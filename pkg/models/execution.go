// Package models defines the domain models for the workflow execution engine
package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow execution
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusRetrying  ExecutionStatus = "RETRYING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// AllStatuses lists every execution status in lifecycle order.
var AllStatuses = []ExecutionStatus{
	StatusPending,
	StatusRunning,
	StatusRetrying,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// Terminal reports whether no further transition may leave the status.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// WorkflowExecution tracks one requested workflow instance across all of its
// dispatch attempts.
type WorkflowExecution struct {
	ID             string          `json:"id" db:"id"`
	WorkflowType   WorkflowType    `json:"workflow_type" db:"workflow_type"`
	TenantID       string          `json:"tenant_id" db:"tenant_id"`
	SubjectID      *string         `json:"subject_id,omitempty" db:"subject_id"`
	InputData      json.RawMessage `json:"input_data,omitempty" db:"input_data"`   // JSONB, sanitized
	OutputData     json.RawMessage `json:"output_data,omitempty" db:"output_data"` // JSONB, COMPLETED only
	Status         ExecutionStatus `json:"status" db:"status"`
	ExternalHandle *string         `json:"external_handle,omitempty" db:"external_handle"`
	RetryCount     int             `json:"retry_count" db:"retry_count"`
	ErrorMessage   *string         `json:"error_message,omitempty" db:"error_message"`
	Version        int64           `json:"version" db:"version"`

	// Scheduling
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`

	// DispatchClaimedAt is set while a runner trigger for the current
	// PENDING/RETRYING state is in flight; a claim older than the lease is
	// considered orphaned. DispatchAttempts counts every claim ever taken.
	DispatchClaimedAt *time.Time `json:"dispatch_claimed_at,omitempty" db:"dispatch_claimed_at"`
	DispatchAttempts  int        `json:"dispatch_attempts" db:"dispatch_attempts"`

	// LastPolledAt is the status monitor's cursor for RUNNING executions.
	LastPolledAt *time.Time `json:"last_polled_at,omitempty" db:"last_polled_at"`

	// Audit fields
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	FailedAt    *time.Time `json:"failed_at,omitempty" db:"failed_at"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty" db:"last_retry_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.SubjectID = cloneString(e.SubjectID)
	c.ExternalHandle = cloneString(e.ExternalHandle)
	c.ErrorMessage = cloneString(e.ErrorMessage)
	c.NextRetryAt = cloneTime(e.NextRetryAt)
	c.StartedAt = cloneTime(e.StartedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.FailedAt = cloneTime(e.FailedAt)
	c.LastRetryAt = cloneTime(e.LastRetryAt)
	c.DispatchClaimedAt = cloneTime(e.DispatchClaimedAt)
	c.LastPolledAt = cloneTime(e.LastPolledAt)
	if e.InputData != nil {
		c.InputData = append(json.RawMessage(nil), e.InputData...)
	}
	if e.OutputData != nil {
		c.OutputData = append(json.RawMessage(nil), e.OutputData...)
	}
	return &c
}

// Duration is completed_at - started_at for completed executions.
func (e *WorkflowExecution) Duration() (time.Duration, bool) {
	if e.Status != StatusCompleted || e.StartedAt == nil || e.CompletedAt == nil {
		return 0, false
	}
	return e.CompletedAt.Sub(*e.StartedAt), true
}

// NewExecution describes a workflow a caller asks the engine to start.
type NewExecution struct {
	WorkflowType WorkflowType
	TenantID     string
	SubjectID    *string
	InputData    json.RawMessage
}

// ExecutionFilter narrows a tenant-scoped execution listing.
type ExecutionFilter struct {
	TenantID      string
	Status        *ExecutionStatus
	WorkflowType  *WorkflowType
	SubjectID     *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// AnalyticsSummary is the per-tenant aggregate over a time range.
type AnalyticsSummary struct {
	TenantID      string                  `json:"tenant_id"`
	From          time.Time               `json:"from"`
	To            time.Time               `json:"to"`
	Total         int                     `json:"total"`
	ByStatus      map[ExecutionStatus]int `json:"by_status"`
	ByType        map[WorkflowType]int    `json:"by_type"`
	SuccessRate   float64                 `json:"success_rate"`
	AvgDuration   time.Duration           `json:"-"`
	AvgDurationMs int64                   `json:"avg_duration_ms"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
