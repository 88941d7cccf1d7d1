package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies engine failures.
type ErrorType string

const (
	ErrorTypeNone     ErrorType = ""
	ErrorTypeEndpoint ErrorType = "endpoint"
	ErrorTypeAuth     ErrorType = "auth"
	ErrorTypeModel    ErrorType = "model"
	ErrorTypeUnknown  ErrorType = "unknown"
)

// Error represents a structured engine error with classification.
type Error struct {
	Type       ErrorType // Classification of the error
	Message    string    // Human-readable message
	Retryable  bool      // Whether the operation can be retried
	Cause      error     // Underlying error
	StatusCode int       // HTTP status code if applicable
	Model      string    // Model name if known
	Endpoint   string    // Endpoint URL if known
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, string(e.Type))

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}

	parts = append(parts, e.Message)

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable implements the retry.RetryableError interface.
// This allows the retry package to check retryability without importing engine.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// NewError creates a new structured engine error.
func NewError(errType ErrorType, message string, retryable bool, cause error) *Error {
	return &Error{
		Type:      errType,
		Message:   message,
		Retryable: retryable,
		Cause:     cause,
	}
}

// ClassifyError categorizes an error and returns a structured Error.
// This consolidates error classification logic for consistent handling.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	// Check if already an *Error
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr
	}

	errStr := err.Error()
	lower := strings.ToLower(errStr)

	// Extract HTTP status code from error string
	statusCode := 0
	for _, code := range []int{400, 401, 403, 404, 429, 500, 502, 503, 504} {
		if strings.Contains(errStr, fmt.Sprintf("%d", code)) {
			statusCode = code
			break
		}
	}

	// Authentication errors (not retryable)
	if strings.Contains(errStr, "401") || strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "invalid api key") {
		engErr := NewError(ErrorTypeAuth, "authentication failed", false, err)
		engErr.StatusCode = statusCode
		return engErr
	}

	// Model not found (not retryable without config change)
	if strings.Contains(lower, "model") && (strings.Contains(lower, "not found") ||
		strings.Contains(lower, "does not exist")) {
		engErr := NewError(ErrorTypeModel, "model not found", false, err)
		engErr.StatusCode = statusCode
		return engErr
	}

	// Endpoint not found (not retryable without config change)
	if strings.Contains(errStr, "404") {
		engErr := NewError(ErrorTypeEndpoint, "endpoint not found", false, err)
		engErr.StatusCode = statusCode
		return engErr
	}

	// Connection errors (may be retryable)
	if strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") {
		engErr := NewError(ErrorTypeEndpoint, "connection failed", true, err)
		engErr.StatusCode = statusCode
		return engErr
	}

	// Timeout and deadline exceeded (retryable)
	if strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "context canceled") {
		engErr := NewError(ErrorTypeEndpoint, "request timeout", true, err)
		engErr.StatusCode = statusCode
		return engErr
	}

	// Rate limiting and overload (retryable after backoff)
	if strings.Contains(errStr, "429") || strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "overloaded") {
		engErr := NewError(ErrorTypeUnknown, "rate limited", true, err)
		engErr.StatusCode = statusCode
		return engErr
	}

	// 5xx server errors (retryable)
	if strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504") {
		engErr := NewError(ErrorTypeEndpoint, "server error", true, err)
		engErr.StatusCode = statusCode
		return engErr
	}

	// Unknown error
	engErr = NewError(ErrorTypeUnknown, "engine error", false, err)
	engErr.StatusCode = statusCode
	return engErr
}

// IsRetryable returns true if the error is retryable.
func IsRetryable(err error) bool {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Retryable
	}
	return false
}

// GetErrorType extracts the ErrorType from an error.
func GetErrorType(err error) ErrorType {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Type
	}
	return ErrorTypeUnknown
}
