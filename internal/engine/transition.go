package engine

import (
	"fmt"

	"listingflow/backend/pkg/models"
)

// allowedTransitions is the execution state machine. PENDING may move
// straight to an outcome because a fast runner can call back before the
// dispatch response has been persisted.
var allowedTransitions = map[models.ExecutionStatus][]models.ExecutionStatus{
	models.StatusPending: {
		models.StatusRunning, models.StatusCompleted, models.StatusRetrying,
		models.StatusFailed, models.StatusCancelled,
	},
	models.StatusRunning: {
		models.StatusCompleted, models.StatusRetrying, models.StatusFailed, models.StatusCancelled,
	},
	models.StatusRetrying: {
		models.StatusRunning, models.StatusCompleted, models.StatusFailed, models.StatusCancelled,
	},
}

// checkTransition rejects any move out of a terminal state and any edge not
// in the state machine. Rewriting a non-terminal record without changing its
// status is allowed.
func checkTransition(from, to models.ExecutionStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if from == to {
		return nil
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
