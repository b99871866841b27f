package engine

import (
	"fmt"
	"strings"

	"github.com/toolflow/toolflow/pkg/models"
)

// ValidationError reports missing or malformed input. It is never
// retried automatically.
type ValidationError struct {
	Reason string
	Fields []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("validation failed: %s: %s", e.Reason, strings.Join(e.Fields, ", "))
	}
	return "validation failed: " + e.Reason
}

// NotFoundError reports that the operation target is absent. Callers
// render a default or empty state rather than a hard failure.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// TransitionError reports a status change the state machine forbids.
type TransitionError struct {
	ID   string
	From models.CallStatus
	To   models.CallStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("tool call %s cannot transition from %s to %s", e.ID, e.From, e.To)
}

// StoreError reports a persistence failure. It is always propagated to
// the caller, never swallowed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
