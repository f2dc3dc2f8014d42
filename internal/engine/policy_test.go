package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"listingflow/backend/internal/config"
	"listingflow/backend/pkg/models"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := PolicyFromConfig(config.DefaultEngineConfig())

	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Second, p.Delay(2))
	assert.Equal(t, 20*time.Second, p.Delay(3))
	assert.Equal(t, 40*time.Second, p.Delay(4))
	assert.Equal(t, p.Delay(1), p.Delay(0))

	huge := RetryPolicy{BaseDelay: time.Hour, Multiplier: 10}
	assert.Equal(t, time.Duration(1<<63-1), huge.Delay(40))
}

func TestRetryPolicy_CanRetry(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3}
	assert.True(t, p.CanRetry(0))
	assert.True(t, p.CanRetry(2))
	assert.False(t, p.CanRetry(3))
	assert.False(t, RetryPolicy{}.CanRetry(0))
}

func TestCheckTransition(t *testing.T) {
	allowed := [][2]models.ExecutionStatus{
		{models.StatusPending, models.StatusRunning},
		{models.StatusPending, models.StatusCancelled},
		{models.StatusRunning, models.StatusCompleted},
		{models.StatusRunning, models.StatusRetrying},
		{models.StatusRunning, models.StatusFailed},
		{models.StatusRetrying, models.StatusRunning},
		{models.StatusRetrying, models.StatusFailed},
		{models.StatusRetrying, models.StatusCancelled},
		{models.StatusRetrying, models.StatusRetrying},
	}
	for _, tr := range allowed {
		assert.NoError(t, checkTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	rejected := [][2]models.ExecutionStatus{
		{models.StatusRunning, models.StatusPending},
		{models.StatusRetrying, models.StatusPending},
		{models.StatusCompleted, models.StatusFailed},
		{models.StatusCompleted, models.StatusCompleted},
		{models.StatusCancelled, models.StatusRunning},
		{models.StatusFailed, models.StatusRetrying},
	}
	for _, tr := range rejected {
		assert.ErrorIs(t, checkTransition(tr[0], tr[1]), ErrInvalidTransition, "%s -> %s", tr[0], tr[1])
	}
}
