package repository

import (
	"context"
	"errors"
	"time"

	"listingflow/backend/pkg/models"
)

var (
	// ErrNotFound is returned when no record matches the requested id.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a conditional update lost a race
	// with another writer; the caller should re-read and retry.
	ErrVersionConflict = errors.New("version conflict")
)

// ExecutionStore persists workflow execution records. Updates are
// conditional on the record version so concurrent writers cannot clobber
// each other.
type ExecutionStore interface {
	// CreateExecution inserts a PENDING record with retry_count 0.
	CreateExecution(ctx context.Context, in models.NewExecution) (*models.WorkflowExecution, error)
	// GetExecution retrieves an execution by its ID.
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
	// UpdateExecution writes the full record if exec.Version still matches
	// the stored version and returns the stored result with the bumped version.
	UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) (*models.WorkflowExecution, error)
	// ListExecutions returns tenant-scoped executions, newest first.
	ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error)
	// ListDueRetries returns RETRYING executions whose next_retry_at <= now.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowExecution, error)
	// ListStaleRunning returns RUNNING executions with an external handle
	// whose last poll (or, if never polled, start) is at or before the
	// cutoff, ordered by that instant so repeated passes walk the backlog.
	ListStaleRunning(ctx context.Context, quietSince time.Time, limit int) ([]*models.WorkflowExecution, error)
}

// TenantStore resolves tenants for authentication.
type TenantStore interface {
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	ExecutionStore
	TenantStore
	Ping(ctx context.Context) error
}
