package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"listingflow/backend/pkg/models"
)

// MemoryStore is an in-process Repository used for local development and
// tests. It applies the same version check as PostgresStore.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*models.WorkflowExecution
	tenants    map[string]*models.Tenant // keyed by domain
	now        func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*models.WorkflowExecution),
		tenants:    make(map[string]*models.Tenant),
		now:        time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// CreateExecution inserts a new PENDING execution.
func (s *MemoryStore) CreateExecution(ctx context.Context, in models.NewExecution) (*models.WorkflowExecution, error) {
	now := s.now().UTC()
	exec := &models.WorkflowExecution{
		ID:           uuid.New().String(),
		WorkflowType: in.WorkflowType,
		TenantID:     in.TenantID,
		SubjectID:    in.SubjectID,
		InputData:    in.InputData,
		Status:       models.StatusPending,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	stored := exec.Clone()

	s.mu.Lock()
	s.executions[exec.ID] = stored
	s.mu.Unlock()

	return stored.Clone(), nil
}

// GetExecution retrieves an execution by its ID.
func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return exec.Clone(), nil
}

// UpdateExecution writes the full record guarded by its version.
func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) (*models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.executions[exec.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Version != exec.Version {
		return nil, ErrVersionConflict
	}

	next := exec.Clone()
	// identity and creation fields are immutable
	next.WorkflowType = current.WorkflowType
	next.TenantID = current.TenantID
	next.SubjectID = current.SubjectID
	next.InputData = current.InputData
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = s.now().UTC()

	s.executions[exec.ID] = next
	return next.Clone(), nil
}

// ListExecutions returns tenant-scoped executions, newest first.
func (s *MemoryStore) ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	matched := s.collect(func(e *models.WorkflowExecution) bool {
		switch {
		case e.TenantID != filter.TenantID:
			return false
		case filter.Status != nil && e.Status != *filter.Status:
			return false
		case filter.WorkflowType != nil && e.WorkflowType != *filter.WorkflowType:
			return false
		case filter.SubjectID != nil && (e.SubjectID == nil || *e.SubjectID != *filter.SubjectID):
			return false
		case filter.CreatedAfter != nil && e.CreatedAt.Before(*filter.CreatedAfter):
			return false
		case filter.CreatedBefore != nil && !e.CreatedAt.Before(*filter.CreatedBefore):
			return false
		}
		return true
	})

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// ListDueRetries returns RETRYING executions whose backoff has elapsed.
func (s *MemoryStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowExecution, error) {
	due := s.collect(func(e *models.WorkflowExecution) bool {
		return e.Status == models.StatusRetrying && e.NextRetryAt != nil && !e.NextRetryAt.After(now)
	})
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	return truncate(due, limit), nil
}

// ListStaleRunning returns RUNNING executions neither started nor polled
// after the cutoff, least recently looked at first.
func (s *MemoryStore) ListStaleRunning(ctx context.Context, quietSince time.Time, limit int) ([]*models.WorkflowExecution, error) {
	stale := s.collect(func(e *models.WorkflowExecution) bool {
		if e.Status != models.StatusRunning || e.ExternalHandle == nil || e.StartedAt == nil {
			return false
		}
		return !lastSeen(e).After(quietSince)
	})
	sort.Slice(stale, func(i, j int) bool {
		a, b := lastSeen(stale[i]), lastSeen(stale[j])
		if a.Equal(b) {
			return stale[i].ID < stale[j].ID
		}
		return a.Before(b)
	})
	return truncate(stale, limit), nil
}

// lastSeen is the poll cursor: the last status poll, else the dispatch time.
func lastSeen(e *models.WorkflowExecution) time.Time {
	if e.LastPolledAt != nil {
		return *e.LastPolledAt
	}
	return *e.StartedAt
}

// GetTenantByDomain looks up a tenant by e-mail domain.
func (s *MemoryStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, ok := s.tenants[domain]
	if !ok {
		return nil, ErrNotFound
	}
	t := *tenant
	return &t, nil
}

// CreateTenant inserts a tenant, assigning its ID and timestamps.
func (s *MemoryStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := s.now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	t := *tenant
	s.tenants[tenant.Domain] = &t
	return nil
}

func (s *MemoryStore) collect(keep func(*models.WorkflowExecution) bool) []*models.WorkflowExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.WorkflowExecution
	for _, e := range s.executions {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

func truncate(executions []*models.WorkflowExecution, limit int) []*models.WorkflowExecution {
	limit = limitOrDefault(limit)
	if len(executions) > limit {
		return executions[:limit]
	}
	return executions
}
