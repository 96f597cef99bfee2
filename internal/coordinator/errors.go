package coordinator

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by coordinator operations. Callers classify with
// errors.Is.
var (
	// ErrAgentNotFound means the referenced agent is not registered.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrTaskNotFound means the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrWorkflowNotFound means the referenced workflow does not exist.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrQueueFull means the admission queue hit its backpressure limit.
	// Callers should retry with backoff.
	ErrQueueFull = errors.New("admission queue full")
	// ErrInvalid means the input is structurally wrong: cyclic workflow,
	// missing required field, duplicate id.
	ErrInvalid = errors.New("invalid input")
)

// StateError reports an operation that is illegal for the entity's current
// status, e.g. completing a task that is not running.
type StateError struct {
	Entity string
	ID     string
	Status string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s is %s", e.Entity, e.ID, e.Status)
}

// IsStateError reports whether err wraps a StateError.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
