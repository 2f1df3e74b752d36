package skill

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// Error codes surfaced to API callers.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
	CodeReconcileConflict   = "skill_reconcile_conflict"
	CodeCenterDisabled      = "skill_center_disabled"
	CodeParserDisabled      = "skill_input_parser_disabled"
	CodeParseDebugForbidden = "skill_parse_debug_forbidden_in_production"
	CodeConfig              = "config_error"
	CodeSchemaMissing       = "skill_center_schema_missing"
	CodeParseFailed         = "skill_parse_failed"
)

// Error is a coded error carrying the HTTP status it maps to.
type Error struct {
	Code    string
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds an Error with a formatted message.
func Errorf(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Invalid is shorthand for a 400 invalid_request error.
func Invalid(format string, args ...any) *Error {
	return Errorf(CodeInvalidRequest, http.StatusBadRequest, format, args...)
}

// NotFound is shorthand for a 404 error.
func NotFound(format string, args ...any) *Error {
	return Errorf(CodeNotFound, http.StatusNotFound, format, args...)
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ErrorStatus maps any error to an HTTP status.
func ErrorStatus(err error) int {
	if e, ok := AsError(err); ok && e.Status != 0 {
		return e.Status
	}
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// ErrorCode returns the code for err, or "internal_error".
func ErrorCode(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	return "internal_error"
}
