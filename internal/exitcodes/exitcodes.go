// Package exitcodes defines standard exit codes for CLI operations so
// Airflow, Kubernetes, and other orchestration environments can branch on
// the failure class without parsing log output.
package exitcodes

import (
	"errors"
	"os"
	"strings"
)

const (
	// Success - operation completed without errors
	Success = 0

	// ConfigError - configuration/YAML parsing or catalog errors (non-recoverable, don't retry)
	ConfigError = 1

	// ConnectionError - source/destination database connection or pool errors (recoverable)
	ConnectionError = 2

	// ExecutionError - migration execution or detection failed (non-recoverable)
	ExecutionError = 3

	// ValidationError - baseline validation or invariant violation (non-recoverable)
	ValidationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - checkpoint/resume state errors (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// It examines error messages and types to classify the error.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Invariant and baseline validation errors (exit code 4) - checked before
	// ConfigError so "analysis validation failed" doesn't match config keywords
	if containsAny(errStr, []string{
		"record gap",
		"mapping invalid",
		"invariant",
		"exceeds ceiling",
		"validation failed",
	}) {
		return ValidationError
	}

	// Config errors (exit code 1) - parsing and catalog issues, not data validation
	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid configuration",
		"missing required",
		"invalid value",
		"parsing config",
		"unknown entity",
		"dependency cycle",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	// Connection errors (exit code 2)
	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"pool",
		"ping",
		"login failed",
		"authentication",
	}) {
		return ConnectionError
	}

	// Execution errors (exit code 3)
	if containsAny(errStr, []string{
		"execute",
		"execution",
		"batch",
		"detect",
		"upsert",
		"insert",
		"resolve",
		"conflict",
	}) {
		return ExecutionError
	}

	// Cancelled (exit code 5)
	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context canceled",
		"context deadline",
	}) {
		return Cancelled
	}

	// State errors (exit code 6)
	if containsAny(errStr, []string{
		"state",
		"checkpoint",
		"resume",
		"run not found",
		"already completed",
	}) {
		return StateError
	}

	// Default to execution error for unknown errors
	return ExecutionError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case ExecutionError:
		return "execution error"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
