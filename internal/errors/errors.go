package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Error kinds for the catalogscan worker
 *
 * Every run fails as a whole with exactly one of these kinds. Components wrap
 * their own faults with fmt.Errorf; the processor converts them into a
 * ProcessingError at the stage boundary.
 */

// Kind enumerates the ways a run can fail
type Kind string

const (
	// Input errors (no processing attempted)
	KindInputMissing Kind = "INPUT_MISSING"

	// Processing errors
	KindRasterizeFailed Kind = "RASTERIZE_FAILED"
	KindRecognizeFailed Kind = "RECOGNIZE_FAILED"

	// Artifact errors
	KindPersistFailed Kind = "PERSIST_FAILED"

	// KindUnknown is reported for errors that did not come from a run
	KindUnknown Kind = "UNKNOWN"
)

// ProcessingError represents a structured run failure
type ProcessingError struct {
	Kind      Kind
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for each kind

func NewInputMissingError(jobID string, input string) *ProcessingError {
	return &ProcessingError{
		Kind:      KindInputMissing,
		Message:   fmt.Sprintf("Required input missing: %s", input),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"input": input,
		},
	}
}

func NewRasterizeFailedError(jobID string, documentPath string, cause error) *ProcessingError {
	return &ProcessingError{
		Kind:      KindRasterizeFailed,
		Message:   "Failed to rasterize document",
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"document_path": documentPath,
		},
		Cause: cause,
	}
}

func NewRecognizeFailedError(jobID string, page int, region int, cause error) *ProcessingError {
	return &ProcessingError{
		Kind:      KindRecognizeFailed,
		Message:   fmt.Sprintf("Failed to extract page %d region %d", page, region),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page":   page,
			"region": region,
		},
		Cause: cause,
	}
}

func NewPersistFailedError(jobID string, artifactPath string, cause error) *ProcessingError {
	return &ProcessingError{
		Kind:      KindPersistFailed,
		Message:   "Failed to persist artifact",
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"artifact_path": artifactPath,
		},
		Cause: cause,
	}
}

// KindOf returns the kind of the first ProcessingError in err's chain
func KindOf(err error) Kind {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_kind": string(e.Kind),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
