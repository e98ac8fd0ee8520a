package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDuplicateID       = "DUPLICATE_ID"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeWorkflowAborted   = "WORKFLOW_ABORTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// AgoraError is the structured error type for all agora operations.
type AgoraError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AgoraError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AgoraError) Unwrap() error {
	return e.Cause
}

// NewError creates a new AgoraError.
func NewError(code, message string) *AgoraError {
	return &AgoraError{Code: code, Message: message}
}

// NewErrorf creates a new AgoraError with a formatted message.
func NewErrorf(code, format string, args ...any) *AgoraError {
	return &AgoraError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *AgoraError) WithStep(step string) *AgoraError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *AgoraError) WithCause(err error) *AgoraError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AgoraError) WithDetails(details map[string]any) *AgoraError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code indicates a condition the
// retry policy should re-attempt. Validation, transition, and terminal
// workflow errors are never retried.
func (e *AgoraError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeExecution, ErrCodeStepFailed:
		return true
	default:
		return false
	}
}
