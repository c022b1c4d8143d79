package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeWorkflowStall     = "WORKFLOW_STALL"
	ErrCodeAgentUnavailable  = "AGENT_UNAVAILABLE"
)

// nonRetryableCodes are failures that another attempt cannot fix.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:       true,
	ErrCodeInterpolation:    true,
	ErrCodeNotFound:         true,
	ErrCodeCancelled:        true,
	ErrCodeAgentUnavailable: true,
	ErrCodeWorkflowStall:    true,
}

// BankflowError is the structured error type returned across the engine.
type BankflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *BankflowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *BankflowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the code allows another attempt.
func (e *BankflowError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new BankflowError.
func NewError(code, message string) *BankflowError {
	return &BankflowError{Code: code, Message: message}
}

// NewErrorf creates a new BankflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *BankflowError {
	return &BankflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *BankflowError) WithStep(step string) *BankflowError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *BankflowError) WithCause(err error) *BankflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *BankflowError) WithDetails(details map[string]any) *BankflowError {
	e.Details = details
	return e
}

// HasCode reports whether err is (or wraps) a BankflowError with the given code.
func HasCode(err error, code string) bool {
	var be *BankflowError
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsNotFound is shorthand for HasCode(err, ErrCodeNotFound).
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}
