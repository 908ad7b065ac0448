package messaging

import (
	"errors"
	"fmt"
)

// RecoverableError marks a delivery failure that may succeed on redelivery,
// such as a database outage.
type RecoverableError struct {
	err error
}

func (e RecoverableError) Error() string { return e.err.Error() }
func (e RecoverableError) Unwrap() error { return e.err }

// NewRecoverableError returns a new error that is marked as being recoverable.
func NewRecoverableError(format string, a ...any) RecoverableError {
	return RecoverableError{err: fmt.Errorf(format, a...)}
}

// UnrecoverableError marks a delivery that will never succeed, such as a
// payload that does not decode.
type UnrecoverableError struct {
	err error
}

func (e UnrecoverableError) Error() string { return e.err.Error() }
func (e UnrecoverableError) Unwrap() error { return e.err }

// NewUnrecoverableError returns a new error that is marked as being unrecoverable.
func NewUnrecoverableError(format string, a ...any) UnrecoverableError {
	return UnrecoverableError{err: fmt.Errorf(format, a...)}
}

// IsRecoverable reports whether err should be requeued. Errors that carry
// neither mark are treated as recoverable so transient failures are not lost.
func IsRecoverable(err error) bool {
	var unrecoverable UnrecoverableError
	return !errors.As(err, &unrecoverable)
}
