package errorutil

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to callers.
const (
	CodeValidation             = "VALIDATION_FAILED"
	CodeNotFound               = "NOT_FOUND"
	CodeUnauthenticated        = "UNAUTHENTICATED"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeTerminalState          = "TERMINAL_STATE"
	CodeIllegalEdge            = "ILLEGAL_EDGE"
	CodeMissingRequiredField   = "MISSING_REQUIRED_FIELD"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeConflict               = "CONFLICT"
	CodeExternalSyncFailure    = "EXTERNAL_SYNC_FAILURE"
	CodeInternal               = "INTERNAL_ERROR"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches another DomainError by code, so errors.Is(err, &DomainError{Code: ...}) works.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code != "" && other.Code == e.Code
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

// NewUnauthenticated reports missing or invalid credentials.
func NewUnauthenticated(message string) error {
	return NewDomainError(CodeUnauthenticated, message, http.StatusUnauthorized, nil)
}

// NewUnauthorized reports an identified actor that may not perform the operation.
func NewUnauthorized(message string, details map[string]any) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusForbidden, details)
}

func NewTerminalState(state string) error {
	return NewDomainError(CodeTerminalState,
		fmt.Sprintf("request is in terminal state %s", state),
		http.StatusConflict,
		map[string]any{"state": state})
}

func NewIllegalEdge(from, to, message string) error {
	if message == "" {
		message = fmt.Sprintf("transition %s -> %s is not allowed", from, to)
	}
	return NewDomainError(CodeIllegalEdge, message, http.StatusConflict,
		map[string]any{"from": from, "to": to})
}

func NewMissingRequiredField(field, reason string) error {
	message := fmt.Sprintf("%s is required", field)
	if reason != "" {
		message = fmt.Sprintf("%s is required %s", field, reason)
	}
	return NewDomainError(CodeMissingRequiredField, message, http.StatusUnprocessableEntity,
		map[string]any{"field": field})
}

func NewConcurrentModification(expected, actual int64) error {
	return NewDomainError(CodeConcurrentModification,
		"request was modified by someone else; reload and retry",
		http.StatusConflict,
		map[string]any{"expected_version": expected, "actual_version": actual})
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, message, http.StatusConflict, details)
}

// NewExternalSyncFailure wraps a source-control failure. It is logged, never shown to users.
func NewExternalSyncFailure(step string, err error) error {
	return &DomainError{
		Code:       CodeExternalSyncFailure,
		Message:    fmt.Sprintf("source-control sync step %s failed", step),
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"step": step},
		Err:        err,
	}
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func MapError(err error) error {
	if err == nil {
		return nil
	}
	return ToDomainError(err)
}

// HasCode reports whether err is a DomainError with the given code.
func HasCode(err error, code string) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}
