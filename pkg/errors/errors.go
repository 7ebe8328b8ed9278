// Package errors defines the typed errors used across the bridge.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrConfig is returned when required configuration is missing or invalid
	ErrConfig = "config_error"

	// ErrAuthMissing is returned when no bearer token is supplied
	ErrAuthMissing = "auth_missing"

	// ErrAuthInvalid is returned when a client or admin token does not validate
	ErrAuthInvalid = "auth_invalid"

	// ErrRateLimited is returned when a local fixed-window limit is exceeded
	ErrRateLimited = "rate_limited_local"

	// ErrPreflightExhausted is returned when no upstream key has usable credit
	ErrPreflightExhausted = "preflight_exhausted"

	// ErrRateGateTimeout is returned when a caller waited too long in the rate gate queue
	ErrRateGateTimeout = "rate_gate_timeout"

	// ErrToolNotAllowed is returned when a token's allowed-tools set excludes the requested tool
	ErrToolNotAllowed = "tool_not_allowed"

	// ErrSessionInvalid is returned when a request carries an unknown or missing session ID
	ErrSessionInvalid = "session_invalid"

	// ErrNoActiveKeys is returned when key selection finds no usable candidate
	ErrNoActiveKeys = "no_active_keys"

	// ErrSourceUnavailable is returned when the configured source mode cannot be served
	ErrSourceUnavailable = "source_unavailable"

	// ErrInvalidCiphertext is returned when AEAD decryption fails for any reason
	ErrInvalidCiphertext = "invalid_ciphertext"

	// ErrNotFound is returned when a referenced resource does not exist
	ErrNotFound = "not_found"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error

	// RetryAfterMs is set on throttling errors so HTTP surfaces can emit Retry-After
	RetryAfterMs int64
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a new configuration error
func NewConfigError(message string, cause error) *Error {
	return NewError(ErrConfig, message, cause)
}

// NewAuthMissingError creates a new missing-credential error
func NewAuthMissingError(message string) *Error {
	return NewError(ErrAuthMissing, message, nil)
}

// NewAuthInvalidError creates a new invalid-credential error
func NewAuthInvalidError(message string) *Error {
	return NewError(ErrAuthInvalid, message, nil)
}

// NewRateLimitedError creates a new local rate limit error carrying the
// remaining window duration in milliseconds.
func NewRateLimitedError(message string, retryAfterMs int64) *Error {
	return &Error{Type: ErrRateLimited, Message: message, RetryAfterMs: retryAfterMs}
}

// NewPreflightExhaustedError creates a new preflight error carrying the
// suggested retry delay in milliseconds.
func NewPreflightExhaustedError(message string, retryAfterMs int64) *Error {
	return &Error{Type: ErrPreflightExhausted, Message: message, RetryAfterMs: retryAfterMs}
}

// NewRateGateTimeoutError creates a new rate gate timeout error
func NewRateGateTimeoutError(message string) *Error {
	return NewError(ErrRateGateTimeout, message, nil)
}

// NewToolNotAllowedError creates a new tool-not-allowed error
func NewToolNotAllowedError(message string) *Error {
	return NewError(ErrToolNotAllowed, message, nil)
}

// NewSessionInvalidError creates a new invalid-session error
func NewSessionInvalidError(message string) *Error {
	return NewError(ErrSessionInvalid, message, nil)
}

// NewNoActiveKeysError creates a new no-active-keys error
func NewNoActiveKeysError(message string) *Error {
	return NewError(ErrNoActiveKeys, message, nil)
}

// NewSourceUnavailableError creates a new source-unavailable error
func NewSourceUnavailableError(message string) *Error {
	return NewError(ErrSourceUnavailable, message, nil)
}

// NewInvalidCiphertextError creates a new invalid-ciphertext error
func NewInvalidCiphertextError(message string, cause error) *Error {
	return NewError(ErrInvalidCiphertext, message, cause)
}

// NewNotFoundError creates a new not-found error
func NewNotFoundError(message string) *Error {
	return NewError(ErrNotFound, message, nil)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// IsType checks whether err is an application error of the given type.
func IsType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsAuthInvalid checks if the error is an invalid-credential error
func IsAuthInvalid(err error) bool {
	return IsType(err, ErrAuthInvalid)
}

// IsRateLimited checks if the error is a local rate limit error
func IsRateLimited(err error) bool {
	return IsType(err, ErrRateLimited)
}

// IsPreflightExhausted checks if the error is a preflight error
func IsPreflightExhausted(err error) bool {
	return IsType(err, ErrPreflightExhausted)
}

// IsRateGateTimeout checks if the error is a rate gate timeout
func IsRateGateTimeout(err error) bool {
	return IsType(err, ErrRateGateTimeout)
}

// IsNoActiveKeys checks if the error is a no-active-keys error
func IsNoActiveKeys(err error) bool {
	return IsType(err, ErrNoActiveKeys)
}

// IsSourceUnavailable checks if the error is a source-unavailable error
func IsSourceUnavailable(err error) bool {
	return IsType(err, ErrSourceUnavailable)
}

// IsInvalidCiphertext checks if the error is an invalid-ciphertext error
func IsInvalidCiphertext(err error) bool {
	return IsType(err, ErrInvalidCiphertext)
}

// IsNotFound checks if the error is a not-found error
func IsNotFound(err error) bool {
	return IsType(err, ErrNotFound)
}

// RetryAfterMs extracts the retry delay from a throttling error, or 0.
func RetryAfterMs(err error) int64 {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfterMs
	}
	return 0
}
