package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Signing-specific error codes.
const (
	ErrAuthFailed      = "AUTH_FAILED"
	ErrConsentRequired = "CONSENT_REQUIRED"
	ErrProviderError   = "PROVIDER_ERROR"
	ErrRecordStore     = "RECORD_STORE_ERROR"
)

// ErrorEnvelope is the standard error response envelope returned by the
// portal API. It implements the error interface. Upstream status and body
// are kept for logging only and never serialized to callers.
type ErrorEnvelope struct {
	Code       string       `json:"code"`
	Message    string       `json:"message"`
	Details    []FieldError `json:"details,omitempty"`
	ConsentURL string       `json:"consent_url,omitempty"`
	TraceID    string       `json:"trace_id"`

	UpstreamStatus int    `json:"-"`
	UpstreamBody   string `json:"-"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// NewAuthError returns an AUTH_FAILED error for signing-provider credential
// or token-exchange failures.
func NewAuthError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAuthFailed, Message: msg}
}

// NewConsentRequiredError returns a CONSENT_REQUIRED error carrying the URL
// an operator must visit to grant impersonation consent.
func NewConsentRequiredError(consentURL string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:       ErrConsentRequired,
		Message:    "Signing provider consent has not been granted for this integration",
		ConsentURL: consentURL,
	}
}

// NewProviderError returns a PROVIDER_ERROR for a non-2xx signing-provider
// response. The upstream status and body are attached for logs; callers see
// only the operation that failed.
func NewProviderError(operation string, status int, body string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:           ErrProviderError,
		Message:        fmt.Sprintf("Signing provider rejected %s", operation),
		UpstreamStatus: status,
		UpstreamBody:   body,
	}
}

// NewRecordStoreError returns a RECORD_STORE_ERROR. Primary flows log and
// swallow this; it only surfaces from operations whose sole purpose is the
// record write.
func NewRecordStoreError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrRecordStore, Message: msg}
}
