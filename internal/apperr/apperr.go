// Package apperr holds the error taxonomy shared by the core packages.
// Domain packages wrap these sentinels; callers classify with errors.Is.
package apperr

import "errors"

var (
	ErrInvalidRange      = errors.New("invalid date range")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrForbidden         = errors.New("forbidden")
	ErrValidation        = errors.New("validation failed")
)

// Validation wraps a message as an ErrValidation.
func Validation(msg string) error {
	return &validationError{msg: msg}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Unwrap() error { return ErrValidation }
