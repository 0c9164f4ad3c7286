package core

import (
	"fmt"
)

// ErrorCategory classifies the type of error for better debugging and reporting
type ErrorCategory int

const (
	ErrCategoryNone       ErrorCategory = iota // No error
	ErrCategoryCommand                         // Malformed, unknown or rejected command
	ErrCategoryConnection                      // VM service, device or tunnel connection problem
	ErrCategoryApp                             // The app reported an error for a command
	ErrCategoryConfig                          // Invalid capabilities or configuration
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryCommand:
		return "command"
	case ErrCategoryConnection:
		return "connection"
	case ErrCategoryApp:
		return "app"
	case ErrCategoryConfig:
		return "config"
	default:
		return "unknown"
	}
}

// ExecutionError represents a structured error with category and details
type ExecutionError struct {
	Category ErrorCategory
	Code     string                 // Machine-readable code: unsupported_command, port_busy, etc.
	Message  string                 // Human-readable message
	Details  map[string]interface{} // Additional context
	Cause    error                  // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an ExecutionError with the same code, so that
// copies made with WithCause/WithMessage still match the predefined errors.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// WithMessagef is WithMessage with a format string.
func (e *ExecutionError) WithMessagef(format string, args ...interface{}) *ExecutionError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	merged := make(map[string]interface{})
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  merged,
		Cause:    e.Cause,
	}
}

// Predefined errors
var (
	// Command errors
	ErrUnsupportedCommand = &ExecutionError{
		Category: ErrCategoryCommand,
		Code:     "unsupported_command",
		Message:  "command not supported",
	}
	ErrInvalidArgument = &ExecutionError{
		Category: ErrCategoryCommand,
		Code:     "invalid_argument",
		Message:  "invalid command argument",
	}
	ErrNoSuchDriver = &ExecutionError{
		Category: ErrCategoryCommand,
		Code:     "no_such_driver",
		Message:  "driver is not ready",
	}

	// Connection errors
	ErrConnection = &ExecutionError{
		Category: ErrCategoryConnection,
		Code:     "connection_failed",
		Message:  "could not connect to the Dart VM service",
	}
	ErrHandshake = &ExecutionError{
		Category: ErrCategoryConnection,
		Code:     "handshake_failed",
		Message:  "Dart VM service handshake failed",
	}
	ErrPortBusy = &ExecutionError{
		Category: ErrCategoryConnection,
		Code:     "port_busy",
		Message:  "port is occupied by another process",
	}
	ErrTunnelConnect = &ExecutionError{
		Category: ErrCategoryConnection,
		Code:     "tunnel_connect_failed",
		Message:  "could not reach the device port",
	}

	// App errors
	ErrElementCommand = &ExecutionError{
		Category: ErrCategoryApp,
		Code:     "element_command_failed",
		Message:  "flutter driver extension returned an error",
	}

	// Config errors
	ErrUnsupportedPlatform = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "unsupported_platform",
		Message:  "unsupported platformName",
	}
	ErrInvalidCapabilities = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_capabilities",
		Message:  "invalid capabilities",
	}
)

// NewExecutionError creates a new ExecutionError with the given parameters
func NewExecutionError(category ErrorCategory, code, message string) *ExecutionError {
	return &ExecutionError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}
