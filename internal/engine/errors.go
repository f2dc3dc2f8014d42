package engine

import (
	"context"
	"errors"
	"fmt"
	"net"

	"listingflow/backend/internal/repository"
	"listingflow/backend/internal/services"
	"listingflow/backend/pkg/models"
)

var (
	ErrNotFound             = repository.ErrNotFound
	ErrCallbackConflict     = errors.New("callback conflicts with terminal execution state")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrUnknownWorkflowType  = errors.New("unknown workflow type")
	ErrInvalidInput         = errors.New("invalid input")
	ErrRetryCeilingExceeded = errors.New("retry ceiling exceeded")
)

// DispatchError reports that the runner could not be reached or rejected a
// payload. The dispatcher never retries on its own.
type DispatchError struct {
	ExecutionID  string
	WorkflowType models.WorkflowType
	Attempt      int
	Err          error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch[%s] execution %s attempt %d: %v", e.WorkflowType, e.ExecutionID, e.Attempt, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure looks recoverable (timeouts, 5xx,
// unreachable runner) as opposed to a rejected payload.
func (e *DispatchError) Transient() bool {
	var runnerErr *services.RunnerError
	if errors.As(e.Err, &runnerErr) {
		return runnerErr.Transient()
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr)
}

func IsDispatchError(err error) bool {
	var dispatchErr *DispatchError
	return errors.As(err, &dispatchErr)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrCallbackConflict) || errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrRetryCeilingExceeded) || errors.Is(err, repository.ErrVersionConflict)
}

func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUnknownWorkflowType)
}
