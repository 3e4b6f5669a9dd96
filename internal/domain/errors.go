package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the timeline components.
var (
	ErrNotFound          = errors.New("not found")
	ErrMalformedDate     = errors.New("malformed date")
	ErrStoreBusy         = errors.New("timeline store already has an open handle")
	ErrReadOnly          = errors.New("timeline store opened read-only")
	ErrStoreClosed       = errors.New("timeline store is closed")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidExtraction = errors.New("invalid extraction")
)

// TimelineError represents a coded failure surfaced to operators.
type TimelineError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	PatientID string    `json:"patient_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

// Error implements the error interface
func (e *TimelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *TimelineError) Unwrap() error {
	return e.Err
}

// Error codes for the failure classes the engine reports.
const (
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeMalformedDate       = "MALFORMED_DATE"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeStoreError          = "STORE_ERROR"
	ErrCodeFeedError           = "FEED_ERROR"
)

// NewTimelineError creates a new TimelineError with timestamp
func NewTimelineError(code, message, patientID string, cause error) *TimelineError {
	e := &TimelineError{
		Code:      code,
		Message:   message,
		PatientID: patientID,
		Timestamp: time.Now().UTC(),
		Err:       cause,
	}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Unwrap lets callers match validation failures with ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
