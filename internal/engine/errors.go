package engine

import (
	"fmt"

	"escrowline/internal/domain"
)

// InvalidStateError indicates the mission's current status does not satisfy
// the action's precondition. State is never mutated when it is returned.
type InvalidStateError struct {
	Action string
	Status domain.Status
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed while mission is %s", e.Action, e.Status)
}

// InvalidArgumentError indicates malformed input such as a non-future
// deadline, an empty required message or a non-positive duration.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e InvalidArgumentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
