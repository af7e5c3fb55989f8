// Package errors provides structured error handling for MetaboFlow.
// Errors carry codes, context, and stack traces for diagnostics.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code identifies an error class for programmatic handling.
type Code string

const (
	// Decode errors (1xx): binary payload problems. Recoverable — the
	// affected array degrades to empty.
	CodeDecodeBase64      Code = "E101"
	CodeDecodeCompression Code = "E102"
	CodeDecodeLength      Code = "E103"

	// Format errors (2xx): document-level parse problems. Fatal to the
	// file, never to a batch.
	CodeUnknownFormat Code = "E201"
	CodeMalformedXML  Code = "E202"
	CodeDegradedParse Code = "E203"

	// Stage errors (3xx): a stage's input contract was not met. Recorded
	// as stage failure, run continues.
	CodeInsufficientData   Code = "E301"
	CodePrerequisiteNotMet Code = "E302"
	CodeInvalidParameter   Code = "E303"

	// Workflow errors (4xx): whole-run precondition violations.
	CodeWorkflowValidation Code = "E401"
	CodeRunInFlight        Code = "E402"
	CodeRunCanceled        Code = "E403"

	// Remote errors (5xx): collaborator unreachable or erroring.
	// Triggers local fallback, never surfaced to the user directly.
	CodeRemoteExecution   Code = "E501"
	CodeRemoteUnavailable Code = "E502"

	// Persistence errors (6xx).
	CodeHistorySave Code = "E601"
	CodeHistoryLoad Code = "E602"
	CodeExportWrite Code = "E603"

	// Unknown
	CodeUnknown Code = "E999"
)

// Error is the base error type for all MetaboFlow errors.
type Error struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, v))
			first = false
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds a key-value pair to the error context.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *Error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *Error) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// DecodeLengthMismatch reports a binary payload shorter than declared.
func DecodeLengthMismatch(declared, got int) *Error {
	return New(CodeDecodeLength, "binary array shorter than declared length").
		WithContext("declared", declared).
		WithContext("bytes", got)
}

// UnknownFormat reports an unrecognized document root element.
func UnknownFormat(fileName, root string) *Error {
	return New(CodeUnknownFormat, "unrecognized document format").
		WithContext("file", fileName).
		WithContext("root", root)
}

// InsufficientData reports a stage starved of input.
func InsufficientData(stage, detail string) *Error {
	return New(CodeInsufficientData, detail).WithContext("stage", stage)
}

// PrerequisiteNotMet reports a stage run out of order.
func PrerequisiteNotMet(stage, required string) *Error {
	return New(CodePrerequisiteNotMet, "required input missing: run "+required+" first").
		WithContext("stage", stage)
}

// WorkflowValidation reports an invalid run request.
func WorkflowValidation(detail string) *Error {
	return New(CodeWorkflowValidation, detail)
}

// RemoteExecution reports a failed remote stage attempt.
func RemoteExecution(step string, err error) *Error {
	return Wrap(err, CodeRemoteExecution, "remote stage execution failed").
		WithContext("step", step)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var mfErr *Error
	if errors.As(err, &mfErr) {
		return mfErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var mfErr *Error
	if errors.As(err, &mfErr) {
		return mfErr.Code
	}
	return CodeUnknown
}

// IsStageFailure reports whether the error should be recorded as a
// per-stage failure rather than aborting the run.
func IsStageFailure(err error) bool {
	switch GetCode(err) {
	case CodeInsufficientData, CodePrerequisiteNotMet, CodeInvalidParameter:
		return true
	default:
		return false
	}
}

// MultiError collects per-file errors from a batch parse.
type MultiError struct {
	Errors []error
}

func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// ErrOrNil returns the collection as an error, or nil if empty.
func (m *MultiError) ErrOrNil() error {
	if m.HasErrors() {
		return m
	}
	return nil
}
