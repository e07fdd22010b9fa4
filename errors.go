package delivery

import (
	stderrors "errors"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodePreconditionNotMet = "DELIVERY_PRECONDITION_NOT_MET"
	ErrCodeConflict           = "DELIVERY_CONFLICT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeWaitTimeout        = "DELIVERY_WAIT_TIMEOUT"
	ErrCodeNotDeliverable     = "DELIVERY_NOT_DELIVERABLE"
)

var (
	// ErrPreconditionNotMet covers both an unmet delivery precondition and a
	// missing target for a non-constructor command.
	ErrPreconditionNotMet = errors.New("precondition not met", errors.CategoryBadInput).
				WithTextCode(ErrCodePreconditionNotMet)

	// ErrConflict signals an optimistic write conflict or a duplicate
	// construction against an existing target.
	ErrConflict = errors.New("concurrent write conflict", errors.CategoryConflict).
			WithTextCode(ErrCodeConflict)

	// ErrValidation marks command or argument validation failures. Wrappers
	// compare with errors.Is to propagate validation intent.
	ErrValidation = errors.New("validation error", errors.CategoryValidation).
			WithTextCode(ErrCodeValidationFailed)

	// ErrWaitTimeout reports a precondition wait that exceeded its bound.
	ErrWaitTimeout = errors.New("precondition wait timed out", errors.CategoryExternal).
			WithTextCode(ErrCodeWaitTimeout)

	// ErrNotDeliverable is the base scheduler's fail-fast contract: a command
	// with no due trigger and no precondition cannot be deferred.
	ErrNotDeliverable = errors.New("command has no delivery trigger", errors.CategoryBadInput).
				WithTextCode(ErrCodeNotDeliverable)
)

// PreconditionError builds a precondition failure with context.
func PreconditionError(message string, source error) error {
	err := ErrPreconditionNotMet.Clone()
	if message != "" {
		err.Message = message
	}
	if source != nil {
		err.Source = source
	}
	return err
}

// ConflictError builds a conflict failure with context.
func ConflictError(message string, source error) error {
	err := ErrConflict.Clone()
	if message != "" {
		err.Message = message
	}
	if source != nil {
		err.Source = source
	}
	return err
}

// ValidationError builds a validation failure with context.
func ValidationError(message string, source error) error {
	err := ErrValidation.Clone()
	if message != "" {
		err.Message = message
	}
	if source != nil {
		err.Source = source
	}
	return err
}

// NotDeliverableError builds a fail-fast scheduling rejection with context.
func NotDeliverableError(message string, source error) error {
	err := ErrNotDeliverable.Clone()
	if message != "" {
		err.Message = message
	}
	if source != nil {
		err.Source = source
	}
	return err
}

// WaitTimeoutError builds a precondition-wait timeout with context.
func WaitTimeoutError(message string, source error) error {
	err := ErrWaitTimeout.Clone()
	if message != "" {
		err.Message = message
	}
	if source != nil {
		err.Source = source
	}
	return err
}

// ErrorCode extracts the text code from a categorized error, or "".
func ErrorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsPreconditionNotMet reports whether err is a precondition failure.
func IsPreconditionNotMet(err error) bool {
	return ErrorCode(err) == ErrCodePreconditionNotMet
}

// IsConflict reports whether err is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	return ErrorCode(err) == ErrCodeConflict
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return ErrorCode(err) == ErrCodeValidationFailed
}

// IsWaitTimeout reports whether err is a precondition wait timeout.
func IsWaitTimeout(err error) bool {
	return ErrorCode(err) == ErrCodeWaitTimeout
}

// IsNotDeliverable reports whether err is the fail-fast scheduling rejection.
func IsNotDeliverable(err error) bool {
	return ErrorCode(err) == ErrCodeNotDeliverable
}
