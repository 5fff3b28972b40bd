package apperr

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects bad input before any side effect happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidStateError is returned when an operation is illegal for the current campaign status.
type InvalidStateError struct {
	Resource  string
	ID        string
	State     string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s in state %s", e.Resource, e.ID, e.Operation, e.State)
}

func InvalidState(resource, id, state, operation string) error {
	return &InvalidStateError{Resource: resource, ID: id, State: state, Operation: operation}
}

type RateLimitedError struct {
	Class      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.Class, RetrySeconds(e.RetryAfter))
}

type LockedOutError struct {
	Remaining time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("locked out after repeated authentication failures, retry after %ds", RetrySeconds(e.Remaining))
}

// TransportError is a per-recipient send failure. It is recorded on the Message and never aborts a batch.
type TransportError struct {
	Channel string
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport to %q: %v", e.Channel, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PersistenceError signals that the store could not be reached or refused a write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ErrUnauthenticated is returned for bad credentials and missing or invalid session tokens.
var ErrUnauthenticated = errors.New("unauthenticated")

// ForbiddenError is an authenticated caller lacking the required role.
type ForbiddenError struct {
	Role     string
	Required string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not perform this operation, %s required", e.Role, e.Required)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsPersistence(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// RetrySeconds rounds a wait up to whole seconds, never below one.
func RetrySeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
