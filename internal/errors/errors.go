package errors

import (
	"fmt"
	"time"
)

/**
 * Custom error types for the forensics worker
 *
 * Each pipeline stage fails with a ProcessingError carrying a stage code so
 * the job record and the queue's error handler can tell stages apart.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Input errors
	ErrorInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrorConversionFailed ErrorCode = "CONVERSION_FAILED"

	// Stage errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorLayoutFailed      ErrorCode = "LAYOUT_FAILED"
	ErrorELAFailed         ErrorCode = "ELA_FAILED"
	ErrorInferenceFailed   ErrorCode = "INFERENCE_FAILED"
	ErrorExplanationFailed ErrorCode = "EXPLANATION_FAILED"
	ErrorExtractionFailed  ErrorCode = "EXTRACTION_FAILED"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

// NewStageError wraps a failure raised by one pipeline stage.
func NewStageError(jobID string, code ErrorCode, message string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      code,
		Message:   message,
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewConversionFailedError(jobID string, path string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorConversionFailed,
		Message:   "Failed to convert PDF to image.",
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"path": path,
		},
	}
}

func NewInvalidInputError(jobID string, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidInput,
		Message:   reason,
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store analysis results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
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
