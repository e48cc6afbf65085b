// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
	ErrInvalidEntity = errors.New("invalid entity")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")

	// Infrastructure errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrStorage            = errors.New("storage error")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progress", "exchange", "persistence"
	Op      string // Operation that failed, e.g., "Dispatch", "Import"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Progress domain errors
var (
	ErrPathNotFound       = NewDomainError("progress", "Find", ErrNotFound, "learning path not found")
	ErrMilestoneNotFound  = NewDomainError("progress", "Find", ErrNotFound, "milestone not found")
	ErrSkillNotFound      = NewDomainError("progress", "Find", ErrNotFound, "skill not found")
	ErrSessionNotFound    = NewDomainError("progress", "Find", ErrNotFound, "practice session not found")
	ErrMilestoneCompleted = NewDomainError("progress", "Complete", ErrStateTransition, "milestone already completed")
	ErrUnknownAction      = NewDomainError("progress", "DecodeAction", ErrInvalidInput, "unknown action type")
	ErrInvalidUserID      = NewDomainError("progress", "Validate", ErrInvalidID, "invalid user ID")
	ErrInvalidRating      = NewDomainError("progress", "Validate", ErrValueOutOfRange, "rating must be between 1 and 5")
	ErrInvalidScore       = NewDomainError("progress", "Validate", ErrValueOutOfRange, "score must be between 0 and 100")
)

// Exchange errors
var (
	ErrInvalidEnvelope     = NewDomainError("exchange", "Import", ErrInvalidFormat, "invalid export envelope")
	ErrUnsupportedFormat   = NewDomainError("exchange", "Export", ErrInvalidInput, "unsupported export format")
	ErrUnsupportedVersion  = NewDomainError("exchange", "Import", ErrInvalidFormat, "unsupported envelope version")
	ErrRoadmapSourceFailed = NewDomainError("roadmap", "Generate", ErrServiceUnavailable, "roadmap source failed")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrInvalidFormat)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}
