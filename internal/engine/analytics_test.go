package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listingflow/backend/pkg/models"
)

func TestSummarize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.policy.MaxRetries = 0
	from := h.clock.Now()

	// two completions taking 10s and 30s
	a := h.start(t, `{}`)
	h.clock.Advance(10 * time.Second)
	h.callback(t, a.ID, models.StatusCompleted, `{}`)

	b, err := h.engine.Start(ctx, StartRequest{WorkflowType: models.WorkflowTypeLeadProcessing, TenantID: tenantA})
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)
	h.callback(t, b.ID, models.StatusCompleted, `{}`)

	c := h.start(t, `{}`)
	h.callback(t, c.ID, models.StatusFailed, "nope")

	d := h.start(t, `{}`)
	_, err = h.engine.Cancel(ctx, tenantA, d.ID)
	require.NoError(t, err)

	// other tenants never leak into the summary
	_, err = h.engine.Start(ctx, StartRequest{WorkflowType: models.WorkflowTypeIngestion, TenantID: "tenant-b"})
	require.NoError(t, err)

	summary, err := h.engine.Summarize(ctx, tenantA, from, h.clock.Now().Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.ByStatus[models.StatusCompleted])
	assert.Equal(t, 1, summary.ByStatus[models.StatusFailed])
	assert.Equal(t, 1, summary.ByStatus[models.StatusCancelled])
	assert.Equal(t, 0, summary.ByStatus[models.StatusRunning])
	assert.Equal(t, 3, summary.ByType[models.WorkflowTypeContentGeneration])
	assert.Equal(t, 1, summary.ByType[models.WorkflowTypeLeadProcessing])
	assert.InDelta(t, 0.5, summary.SuccessRate, 1e-9)
	assert.Equal(t, 20*time.Second, summary.AvgDuration)
	assert.Equal(t, int64(20000), summary.AvgDurationMs)
}

func TestSummarize_EmptyAndInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	summary, err := h.engine.Summarize(ctx, tenantA, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.Zero(t, summary.SuccessRate)
	assert.Zero(t, summary.AvgDurationMs)
	assert.Len(t, summary.ByStatus, len(models.AllStatuses))

	_, err = h.engine.Summarize(ctx, "", now.Add(-time.Hour), now)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = h.engine.Summarize(ctx, tenantA, now, now)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSummarize_PagesThroughLargeTenants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	from := h.clock.Now()

	for i := 0; i < analyticsPageSize+7; i++ {
		_, err := h.engine.Start(ctx, StartRequest{WorkflowType: models.WorkflowTypeDataEnrichment, TenantID: tenantA})
		require.NoError(t, err)
		h.clock.Advance(time.Millisecond)
	}

	summary, err := h.engine.Summarize(ctx, tenantA, from, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, analyticsPageSize+7, summary.Total)
	assert.Equal(t, analyticsPageSize+7, summary.ByStatus[models.StatusRunning])
}

func TestParseRange(t *testing.T) {
	cases := map[string]time.Duration{
		"":    7 * 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
		"30D": 30 * 24 * time.Hour,
		"24h": 24 * time.Hour,
		"90m": 90 * time.Minute,
	}
	for in, want := range cases {
		got, err := ParseRange(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"d", "-3d", "soon", "0h"} {
		_, err := ParseRange(bad)
		assert.ErrorIs(t, err, ErrInvalidInput, bad)
	}
}
