// Package apperrors defines the error taxonomy shared by the preparation and
// execution pipeline. Every error surfaced to a caller carries a stable Code
// and a human readable message; Details carries structured diagnostics such
// as syntax positions or rule violations.
package apperrors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine readable error code.
type Code string

const (
	CodeSyntax               Code = "SYNTAX_ERROR"
	CodeStructuralValidation Code = "STRUCTURAL_VALIDATION_ERROR"
	CodeSchemaValidation     Code = "SCHEMA_VALIDATION_ERROR"
	CodeImportPolicy         Code = "IMPORT_POLICY_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
	CodeCategoryMismatch     Code = "CATEGORY_MISMATCH"
	CodeVersionConflict      Code = "VERSION_CONFLICT"
	CodeEngineSubmission     Code = "ENGINE_SUBMISSION_ERROR"
	CodeEngineTimeout        Code = "ENGINE_TIMEOUT"
	CodeEngineExecution      Code = "ENGINE_EXECUTION_ERROR"
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeDataIntegrity        Code = "DATA_INTEGRITY"
	CodeInternal             Code = "INTERNAL"
)

// Sentinel values usable with errors.Is. Matching is by code only.
var (
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrVersionConflict  = &Error{Code: CodeVersionConflict, Message: "version conflict"}
	ErrEngineTimeout    = &Error{Code: CodeEngineTimeout, Message: "engine wait timed out"}
	ErrCategoryMismatch = &Error{Code: CodeCategoryMismatch, Message: "category belongs to another tenant"}
)

// Error is the concrete error type used across the service.
type Error struct {
	Code    Code
	Message string
	Details any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// NotFound is a convenience constructor for missing records.
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, "%s %q not found", kind, id)
}
