package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"listingflow/backend/pkg/models"
)

const analyticsPageSize = 500

// Summarize aggregates the tenant's executions created in [from, to). It
// only reads the store and is safe to run alongside any other operation.
func (e *Engine) Summarize(ctx context.Context, tenantID string, from, to time.Time) (*models.AnalyticsSummary, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("%w: analytics range end must be after its start", ErrInvalidInput)
	}

	summary := &models.AnalyticsSummary{
		TenantID: tenantID,
		From:     from.UTC(),
		To:       to.UTC(),
		ByStatus: make(map[models.ExecutionStatus]int, len(models.AllStatuses)),
		ByType:   make(map[models.WorkflowType]int),
	}
	for _, s := range models.AllStatuses {
		summary.ByStatus[s] = 0
	}

	var (
		completed   int
		timed       int
		durationSum time.Duration
	)
	filter := models.ExecutionFilter{
		TenantID:      tenantID,
		CreatedAfter:  &from,
		CreatedBefore: &to,
		Limit:         analyticsPageSize,
	}
	for {
		page, err := e.store.ListExecutions(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to list executions: %w", err)
		}
		for _, exec := range page {
			summary.Total++
			summary.ByStatus[exec.Status]++
			summary.ByType[exec.WorkflowType]++
			if exec.Status == models.StatusCompleted {
				completed++
			}
			if d, ok := exec.Duration(); ok {
				timed++
				durationSum += d
			}
		}
		if len(page) < analyticsPageSize {
			break
		}
		filter.Offset += len(page)
	}

	if summary.Total > 0 {
		summary.SuccessRate = float64(completed) / float64(summary.Total)
	}
	if timed > 0 {
		summary.AvgDuration = durationSum / time.Duration(timed)
		summary.AvgDurationMs = summary.AvgDuration.Milliseconds()
	}
	return summary, nil
}

// ParseRange turns a lookback such as "7d", "24h" or "90m" into a duration.
// An empty string means seven days.
func ParseRange(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 7 * 24 * time.Hour, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: invalid range %q", ErrInvalidInput, s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: invalid range %q", ErrInvalidInput, s)
	}
	return d, nil
}
