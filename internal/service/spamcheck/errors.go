package spamcheck

import (
	"errors"
	"fmt"
)

// Sentinel errors for the spamcheck service layer.
var (
	ErrNotFound          = errors.New("spamcheck not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleStatus       = errors.New("spamcheck status changed concurrently")
	ErrTenantBusy        = errors.New("tenant already has a spamcheck in flight")
	ErrBusy              = errors.New("spamcheck is being processed")
	ErrPauseNotAllowed   = errors.New("spamcheck cannot be paused in its current status")
	ErrEditNotAllowed    = errors.New("spamcheck cannot be edited in its current status")
	ErrDeleteNotAllowed  = errors.New("spamcheck cannot be deleted in its current status")
	ErrDuplicateName     = errors.New("spamcheck name already in use")
	ErrValidation        = errors.New("validation failed")
)

// ValidationError describes a rejected field. It matches ErrValidation with
// errors.Is.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
