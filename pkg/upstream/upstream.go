// Package upstream defines the shared response classification for the
// provider HTTP clients.
package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an upstream failure.
type Kind string

// Failure kinds. The key pool maps auth_failed to the invalid key state and
// rate_limited to cooldown; everything else surfaces as a tool error.
const (
	KindAuthFailed      Kind = "auth_failed"
	KindRateLimited     Kind = "rate_limited"
	KindProviderError   Kind = "provider_error"
	KindInvalidResponse Kind = "invalid_response"
)

// Error is a classified upstream failure carrying the provider's message
// when one was available.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Provider, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
}

// KindOf returns the classification of err, or "" when err is not an
// upstream error.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// IsAuthFailed reports whether err is a 401/403 class failure.
func IsAuthFailed(err error) bool { return KindOf(err) == KindAuthFailed }

// IsRateLimited reports whether err is a 429 class failure.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

// IsProviderError reports whether err is a 5xx or provider-reported failure.
func IsProviderError(err error) bool { return KindOf(err) == KindProviderError }

// ClassifyStatus maps a non-2xx response to an Error. Some providers report
// a bad key as HTTP 400 with an "Invalid API key" message, so the body is
// consulted as well as the status.
func ClassifyStatus(provider string, status int, body []byte) *Error {
	message := extractMessage(body)

	kind := KindProviderError
	switch {
	case status == 401 || status == 403:
		kind = KindAuthFailed
	case status == 429:
		kind = KindRateLimited
	case strings.Contains(message, "Invalid API key"):
		kind = KindAuthFailed
	}

	return &Error{Provider: provider, Kind: kind, StatusCode: status, Message: message}
}

// DecodeJSON unmarshals an expected-JSON body, classifying parse failures
// as invalid_response.
func DecodeJSON(provider string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &Error{
			Provider: provider,
			Kind:     KindInvalidResponse,
			Message:  truncate(string(body), 200),
		}
	}
	return nil
}

// extractMessage pulls a human-readable message out of the common provider
// error body shapes, falling back to the raw (truncated) body.
func extractMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var envelope struct {
		Detail  json.RawMessage `json:"detail"`
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return truncate(strings.TrimSpace(string(body)), 200)
	}

	if envelope.Message != "" {
		return envelope.Message
	}
	for _, raw := range []json.RawMessage{envelope.Detail, envelope.Error} {
		if msg := flattenMessage(raw); msg != "" {
			return msg
		}
	}
	return truncate(strings.TrimSpace(string(body)), 200)
}

// flattenMessage handles both `"error": "text"` and nested
// `"detail": {"error": "text"}` shapes.
func flattenMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var nested struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		if nested.Error != "" {
			return nested.Error
		}
		return nested.Message
	}
	return ""
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
