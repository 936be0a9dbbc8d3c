package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrValidation marks malformed input rejected before any store access.
	ErrValidation = errors.New("rbac: validation failed")
	// ErrConflict marks a write against a record in an incompatible state.
	ErrConflict = errors.New("rbac: state conflict")
	// ErrForbidden marks an administrative action the actor may not perform.
	ErrForbidden = errors.New("rbac: forbidden")
	// ErrIndeterminate means no decision could be computed; it is neither allow nor deny.
	ErrIndeterminate = errors.New("rbac: authorization indeterminate")
	// ErrAuditUnavailable is returned when a privileged write could not be audited.
	ErrAuditUnavailable = errors.New("rbac: audit trail unavailable")
)

// IndeterminateError wraps a store failure or timeout hit while computing a decision.
type IndeterminateError struct {
	Op  string
	Err error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("rbac: authorization indeterminate: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrIndeterminate and the underlying cause to errors.Is.
func (e *IndeterminateError) Unwrap() []error {
	return []error{ErrIndeterminate, e.Err}
}

func indeterminate(op string, err error) error {
	var ie *IndeterminateError
	if errors.As(err, &ie) {
		return err
	}
	return &IndeterminateError{Op: op, Err: err}
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrForbidden}, args...)...)
}
