// Package apperrors provides the standardized error type used across the
// log view engine, adapted from the log-capture side's pkg/errors: a single
// struct carrying a code, component/operation provenance and a severity,
// rather than ad-hoc fmt.Errorf chains.
package apperrors

import (
	"fmt"
	"runtime"
	"time"
)

// Severity classifies how a StageError should be handled by its caller.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityInfo     Severity = "info"
)

// Error codes for the three kinds of failure spec.md §7 distinguishes.
const (
	// CodeProgrammerError marks a contract violation: nil source, negative
	// offset, destination shorter than the index list. Never swallowed.
	CodeProgrammerError = "PROGRAMMER_ERROR"
	// CodeStaleIndex marks a row/column query against an index that is no
	// longer (or not yet) valid. No code path creates one: out-of-range
	// queries substitute the column default without logging.
	CodeStaleIndex = "STALE_INDEX"
	// CodeInternalInconsistency marks a self-detected bookkeeping error
	// (e.g. indices.len() != currentSourceIndex). Internal builds one, but
	// no stage performs such a check or logs one.
	CodeInternalInconsistency = "INTERNAL_INCONSISTENCY"
)

// StageError is the error type returned for programmer errors; the other
// two codes are informational and are logged rather than returned.
type StageError struct {
	Code      string
	Component string
	Operation string
	Message   string
	Cause     error
	Severity  Severity
	Timestamp time.Time
	Location  string
}

// New creates a StageError, capturing the call site the way the log
// capture side's errors.New does.
func New(code string, severity Severity, component, operation, message string) *StageError {
	_, file, line, _ := runtime.Caller(1)
	return &StageError{
		Code:      code,
		Component: component,
		Operation: operation,
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now(),
		Location:  fmt.Sprintf("%s:%d", file, line),
	}
}

// Programmer creates a CodeProgrammerError StageError, the only severity
// that is ever returned from a public API call in this engine.
func Programmer(component, operation, message string) *StageError {
	return New(CodeProgrammerError, SeverityCritical, component, operation, message)
}

// Internal creates a CodeInternalInconsistency StageError for logging.
func Internal(component, operation, message string) *StageError {
	return New(CodeInternalInconsistency, SeverityError, component, operation, message)
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Wrap attaches a cause and returns the receiver for chaining.
func (e *StageError) Wrap(cause error) *StageError {
	e.Cause = cause
	return e
}

// Unwrap lets errors.Is / errors.As see through to the cause.
func (e *StageError) Unwrap() error { return e.Cause }

// IsProgrammerError reports whether err is a programmer-error StageError.
func IsProgrammerError(err error) bool {
	se, ok := err.(*StageError)
	return ok && se.Code == CodeProgrammerError
}
