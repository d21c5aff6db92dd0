package router

import (
	"errors"
	"fmt"
)

// Stable wire error kinds of the router layer. The HTTP adapter maps each
// kind to a status code and serializes {error, message, field?}.
const (
	CodeUnauthorized       = "unauthorized"
	CodeMissingField       = "missing_field"
	CodeInvalidField       = "invalid_field"
	CodeNotFound           = "not_found"
	CodeNameTaken          = "name_taken"
	CodeExternalProvider   = "external_provider"
	CodeRateLimited        = "rate_limited"
	CodePayloadTooLarge    = "payload_too_large"
	CodeDuplicateMessage   = "duplicate_message"
	CodeOrganizationNotSet = "organization_not_set"
	CodeInvalidRequest     = "invalid_request"
	CodeInternal           = "internal_error"
)

// Error is a router failure with a stable wire code. Suggestions, Hint, and
// Rate carry code-specific response data (name_taken alternatives, setup
// hints, X-RateLimit-* header values).
type Error struct {
	Code        string
	Message     string
	Field       string
	Suggestions []string
	Hint        string
	Rate        *Decision
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E builds an Error with a formatted message.
func E(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithField attaches the offending wire field name.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// AsError extracts the *Error from err, wrapping anything else as
// internal_error so callers always see a taxonomy code.
func AsError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
