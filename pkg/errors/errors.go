package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes surfaced to callers on fail-closed responses.
const (
	// CodeTenantExtraction - tenant extraction failed (no source yielded a value)
	CodeTenantExtraction = "TOK_ERROR_1001"

	// CodeBusinessError - tokenization service returned a business error object
	CodeBusinessError = "TOK_ERROR_1002"

	// CodeServiceFailure - tokenization service unreachable / non-auth failure
	CodeServiceFailure = "TOK_ERROR_1003"

	// CodeAuthFailure - OAuth2 token acquisition failed
	CodeAuthFailure = "TOK_ERROR_1004"
)

// Standard error types for the tokenization gateway.
var (
	// Tenant extraction errors
	ErrTenantHeaderMissing = errors.New("tenant header is missing")
	ErrTenantPathAbsent    = errors.New("tenant path is absent")
	ErrTenantBodyInvalid   = errors.New("request body is not valid JSON")
	ErrTenantTokenMissing  = errors.New("authorization header is missing")
	ErrTenantTokenDecode   = errors.New("bearer token cannot be decoded")
	ErrTenantValueInvalid  = errors.New("tenant value is not a primitive")

	// Tokenization exchange errors
	ErrEmptyResponse = errors.New("empty response from tokenization service")
	ErrInvalidJSON   = errors.New("invalid JSON from tokenization service")

	// Credential errors
	ErrAccessTokenMissing = errors.New("token response has no access_token")

	// Configuration errors
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrConfigLoadFailed = errors.New("failed to load configuration")
)

// TokenizationError represents a classified interception failure. Status
// carries the HTTP status of the failing upstream call when one was received;
// it is zero for transport-level failures.
type TokenizationError struct {
	// Code is one of the stable TOK_ERROR_* codes
	Code string `json:"code"`

	// Status is the upstream HTTP status, if any
	Status int `json:"status,omitempty"`

	// Message is the error message
	Message string `json:"message"`

	// Cause is the underlying error
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *TokenizationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *TokenizationError) Unwrap() error {
	return e.Cause
}

// Detail returns the raw error text carried to fail-open body annotations.
func (e *TokenizationError) Detail() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

// NewTenantError creates a tenant-extraction failure.
func NewTenantError(message string, cause error) *TokenizationError {
	return &TokenizationError{
		Code:    CodeTenantExtraction,
		Message: message,
		Cause:   cause,
	}
}

// NewServiceError creates a tokenization-service failure. status is zero for
// transport failures.
func NewServiceError(status int, message string, cause error) *TokenizationError {
	return &TokenizationError{
		Code:    CodeServiceFailure,
		Status:  status,
		Message: message,
		Cause:   cause,
	}
}

// NewAuthError creates a credential-acquisition failure carrying the identity
// provider's HTTP status, if one was received.
func NewAuthError(status int, message string, cause error) *TokenizationError {
	return &TokenizationError{
		Code:    CodeAuthFailure,
		Status:  status,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf classifies an arbitrary error into one of the stable codes.
// Unclassified errors count as service failures.
func CodeOf(err error) string {
	var te *TokenizationError
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeServiceFailure
}

// HTTPStatus maps a stable error code to the fail-closed response status.
func HTTPStatus(code string) int {
	switch code {
	case CodeTenantExtraction, CodeBusinessError:
		return http.StatusBadRequest
	case CodeAuthFailure:
		return http.StatusUnauthorized
	case CodeServiceFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Description maps a stable error code to the human-readable text used in
// fail-open body annotations.
func Description(code string) string {
	switch code {
	case CodeTenantExtraction:
		return "tenant extraction failed"
	case CodeBusinessError:
		return "tokenization service returned a business error"
	case CodeServiceFailure:
		return "tokenization service unavailable"
	case CodeAuthFailure:
		return "authentication with identity provider failed"
	default:
		return "tokenization failed"
	}
}

// Is reports whether err matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
