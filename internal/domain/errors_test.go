package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTimelineError(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		message   string
		patientID string
		cause     error
		details   string
	}{
		{
			name:      "Store failure",
			code:      ErrCodeStoreError,
			message:   "loading timelines",
			patientID: "P1",
			cause:     ErrStoreBusy,
			details:   ErrStoreBusy.Error(),
		},
		{
			name:    "Feed failure without cause",
			code:    ErrCodeFeedError,
			message: "listing patients",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewTimelineError(tt.code, tt.message, tt.patientID, tt.cause)

			if err.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, err.Code)
			}
			if err.Details != tt.details {
				t.Errorf("Expected details %q, got %q", tt.details, err.Details)
			}
			if err.PatientID != tt.patientID {
				t.Errorf("Expected patientID %s, got %s", tt.patientID, err.PatientID)
			}
			if want := fmt.Sprintf("%s: %s", tt.code, tt.message); err.Error() != want {
				t.Errorf("Expected error string %q, got %q", want, err.Error())
			}
			if time.Since(err.Timestamp) > time.Minute {
				t.Error("Expected timestamp to be recent")
			}
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Errorf("Expected error to wrap %v", tt.cause)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("confidence", "must be between 0 and 1", 1.5)

	expected := "validation error for field 'confidence': must be between 0 and 1"
	if err.Error() != expected {
		t.Errorf("Expected error message %s, got %s", expected, err.Error())
	}
	if err.Value != 1.5 {
		t.Errorf("Expected value 1.5, got %v", err.Value)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("Expected validation errors to match ErrInvalidInput")
	}
	if errors.Is(err, ErrInvalidExtraction) {
		t.Error("Expected plain validation errors not to match ErrInvalidExtraction")
	}

	var target *ValidationError
	wrapped := fmt.Errorf("writing row: %w", err)
	if !errors.As(wrapped, &target) || target.Field != "confidence" {
		t.Error("Expected wrapped validation error to be recoverable with errors.As")
	}
}
