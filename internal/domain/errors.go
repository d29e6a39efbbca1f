package domain

import "fmt"

// ValidationError reports a business-rule violation detected at submission
// time. It is surfaced synchronously to the caller and names the violated
// constraint.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for a named constraint
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConcurrencyError reports a lock that could not be acquired. The holder
// of the current tick skips the resource and retries on the next tick.
type ConcurrencyError struct {
	Resource string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("could not acquire lock on %s", e.Resource)
}

// ExecutionError reports a failure discovered at trade time despite the
// order having passed submission validation (insufficient funds or shares
// after a race). The offending order is rejected; matching continues.
type ExecutionError struct {
	OrderID int64
	Reason  string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("order %d cannot execute: %s", e.OrderID, e.Reason)
}

// InvariantViolation reports a programming error (e.g. a trade with
// non-positive quantity). It aborts the current trade attempt and is logged
// at error severity; it is never user-recoverable.
type InvariantViolation struct {
	Detail string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Detail
}
