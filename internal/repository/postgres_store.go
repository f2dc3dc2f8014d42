package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"listingflow/backend/pkg/models"
)

const executionColumns = `id, workflow_type, tenant_id, subject_id, input_data, output_data, status,
	external_handle, retry_count, error_message, version, next_retry_at,
	created_at, started_at, completed_at, failed_at, last_retry_at, updated_at,
	dispatch_claimed_at, dispatch_attempts, last_polled_at`

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateExecution inserts a new PENDING execution.
func (s *PostgresStore) CreateExecution(ctx context.Context, in models.NewExecution) (*models.WorkflowExecution, error) {
	now := s.now().UTC()
	row := s.db.QueryRow(ctx, `
		INSERT INTO workflow_executions
			(id, workflow_type, tenant_id, subject_id, input_data, status, retry_count, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 1, $7, $7)
		RETURNING `+executionColumns,
		uuid.New().String(), string(in.WorkflowType), in.TenantID, in.SubjectID,
		jsonParam(in.InputData), string(models.StatusPending), now,
	)
	exec, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert execution: %w", err)
	}
	return exec, nil
}

// GetExecution retrieves an execution by its ID.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return exec, nil
}

// UpdateExecution writes the full record guarded by its version.
func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) (*models.WorkflowExecution, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE workflow_executions SET
			status = $3, external_handle = $4, retry_count = $5, error_message = $6,
			output_data = $7, next_retry_at = $8, started_at = $9, completed_at = $10,
			failed_at = $11, last_retry_at = $12, updated_at = $13, dispatch_claimed_at = $14,
			dispatch_attempts = $15, last_polled_at = $16, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+executionColumns,
		exec.ID, exec.Version,
		string(exec.Status), exec.ExternalHandle, exec.RetryCount, exec.ErrorMessage,
		jsonParam(exec.OutputData), exec.NextRetryAt, exec.StartedAt, exec.CompletedAt,
		exec.FailedAt, exec.LastRetryAt, s.now().UTC(), exec.DispatchClaimedAt,
		exec.DispatchAttempts, exec.LastPolledAt,
	)
	updated, err := scanExecution(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update execution %s: %w", exec.ID, err)
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM workflow_executions WHERE id = $1)`, exec.ID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check execution %s: %w", exec.ID, err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrVersionConflict
}

// ListExecutions returns tenant-scoped executions matching the filter.
func (s *PostgresStore) ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	conds := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.WorkflowType != nil {
		add("workflow_type = $%d", string(*filter.WorkflowType))
	}
	if filter.SubjectID != nil {
		add("subject_id = $%d", *filter.SubjectID)
	}
	if filter.CreatedAfter != nil {
		add("created_at >= $%d", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		add("created_at < $%d", *filter.CreatedBefore)
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryExecutions(ctx, query, args...)
}

// ListDueRetries returns RETRYING executions whose backoff has elapsed.
func (s *PostgresStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowExecution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM workflow_executions
		WHERE status = $1 AND next_retry_at <= $2
		ORDER BY next_retry_at
		LIMIT $3`,
		string(models.StatusRetrying), now, limitOrDefault(limit),
	)
}

// ListStaleRunning returns RUNNING executions neither started nor polled
// after the cutoff, least recently looked at first.
func (s *PostgresStore) ListStaleRunning(ctx context.Context, quietSince time.Time, limit int) ([]*models.WorkflowExecution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM workflow_executions
		WHERE status = $1 AND external_handle IS NOT NULL
		  AND COALESCE(last_polled_at, started_at) <= $2
		ORDER BY COALESCE(last_polled_at, started_at), id
		LIMIT $3`,
		string(models.StatusRunning), quietSince, limitOrDefault(limit),
	)
}

// GetTenantByDomain looks up a tenant by e-mail domain.
func (s *PostgresStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := s.db.QueryRow(ctx,
		`SELECT id, name, domain, created_at, updated_at FROM tenants WHERE domain = $1`, domain,
	).Scan(&tenant.ID, &tenant.Name, &tenant.Domain, &tenant.CreatedAt, &tenant.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// CreateTenant inserts a tenant, assigning its ID and timestamps.
func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := s.now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	_, err := s.db.Exec(ctx,
		`INSERT INTO tenants (id, name, domain, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		tenant.ID, tenant.Name, tenant.Domain, tenant.CreatedAt, tenant.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*models.WorkflowExecution, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*models.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

func scanExecution(row pgx.Row) (*models.WorkflowExecution, error) {
	var (
		exec          models.WorkflowExecution
		workflowType  string
		status        string
		input, output []byte
	)
	err := row.Scan(
		&exec.ID, &workflowType, &exec.TenantID, &exec.SubjectID, &input, &output, &status,
		&exec.ExternalHandle, &exec.RetryCount, &exec.ErrorMessage, &exec.Version, &exec.NextRetryAt,
		&exec.CreatedAt, &exec.StartedAt, &exec.CompletedAt, &exec.FailedAt, &exec.LastRetryAt, &exec.UpdatedAt,
		&exec.DispatchClaimedAt, &exec.DispatchAttempts, &exec.LastPolledAt,
	)
	if err != nil {
		return nil, err
	}
	exec.WorkflowType = models.WorkflowType(workflowType)
	exec.Status = models.ExecutionStatus(status)
	exec.InputData = input
	exec.OutputData = output
	return &exec, nil
}

// jsonParam maps an empty payload to SQL NULL.
func jsonParam(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
