package engine

import (
	"errors"
	"fmt"
)

// ErrClaimConflict means another worker advanced the enrollment between
// the due scan and the claim. Benign under concurrency; never surfaced
// to a caller, the row is simply picked up again on a later tick.
var ErrClaimConflict = errors.New("enrollment claim lost to another worker")

// ValidationError rejects bad input before any state change
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError signals a duplicate the caller must resolve (duplicate
// enrollment, colliding step order)
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func NewConflictError(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// TransientExecutionError marks a downstream hiccup worth retrying with
// backoff; the enrollment stays active on the same step.
type TransientExecutionError struct {
	Err error
}

func (e *TransientExecutionError) Error() string {
	return fmt.Sprintf("transient execution failure: %v", e.Err)
}

func (e *TransientExecutionError) Unwrap() error { return e.Err }

// PermanentExecutionError marks a downstream rejection that retrying
// cannot fix (invalid address, missing template, dead target).
type PermanentExecutionError struct {
	Err error
}

func (e *PermanentExecutionError) Error() string {
	return fmt.Sprintf("permanent execution failure: %v", e.Err)
}

func (e *PermanentExecutionError) Unwrap() error { return e.Err }

// LogWriteFailure is fatal for the enrollment's dispatch cycle: the
// action side effect happened but the audit record could not be written.
type LogWriteFailure struct {
	Err error
}

func (e *LogWriteFailure) Error() string {
	return fmt.Sprintf("execution log write failed: %v", e.Err)
}

func (e *LogWriteFailure) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is a ConflictError
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
