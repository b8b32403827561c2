// Package errors defines the gateway error taxonomy. Every failure that can
// surface to a client is carried as a *GatewayError; the HTTP layer maps it
// to a status code and response body in one place.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// Error kinds. The kind is the machine-readable "code" field of the client
// error body.
const (
	KindValidation          = "validation_error"
	KindConversion          = "conversion_error"
	KindAuthentication      = "authentication_error"
	KindForbidden           = "forbidden"
	KindNotFound            = "not_found"
	KindRequestTimeout      = "request_timeout"
	KindRateLimit           = "rate_limit"
	KindUpstreamClient      = "upstream_client_error"
	KindUpstream            = "upstream_error"
	KindGatewayTimeout      = "gateway_timeout"
	KindPipelineUnavailable = "pipeline_unavailable"
	KindSandboxDenied       = "sandbox_denied"
)

// GatewayError is the unified error value moved through the pipeline.
type GatewayError struct {
	Status          int
	Kind            string
	Message         string
	RequestID       string
	ProviderKey     string
	RouteName       string
	ProviderType    string
	UpstreamStatus  int
	UpstreamCode    string
	UpstreamMessage string
	Retryable       bool

	cause error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.ProviderKey != "" {
		return fmt.Sprintf("[%s] %s (provider=%s, status=%d)", e.Kind, e.Message, e.ProviderKey, e.Status)
	}
	return fmt.Sprintf("[%s] %s (status=%d)", e.Kind, e.Message, e.Status)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *GatewayError) Unwrap() error { return e.cause }

// HTTPStatus returns the status the HTTP layer should emit.
func (e *GatewayError) HTTPStatus() int {
	if e.Status > 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// WithCause attaches an underlying error.
func (e *GatewayError) WithCause(err error) *GatewayError {
	e.cause = err
	return e
}

// WithRequestID stamps the error with the request correlation ID.
func (e *GatewayError) WithRequestID(id string) *GatewayError {
	if e.RequestID == "" {
		e.RequestID = id
	}
	return e
}

// WithRoute records which route and pipeline target produced the error.
func (e *GatewayError) WithRoute(routeName, providerKey, providerType string) *GatewayError {
	if e.RouteName == "" {
		e.RouteName = routeName
	}
	if e.ProviderKey == "" {
		e.ProviderKey = providerKey
	}
	if e.ProviderType == "" {
		e.ProviderType = providerType
	}
	return e
}

// NewValidationError rejects a malformed inbound request (400).
func NewValidationError(message string) *GatewayError {
	return &GatewayError{Status: http.StatusBadRequest, Kind: KindValidation, Message: message}
}

// NewConversionError marks a codec failure. Inbound-shape failures map to
// 400; unrecognizable upstream payloads map to 502.
func NewConversionError(message string, inbound bool) *GatewayError {
	status := http.StatusBadGateway
	if inbound {
		status = http.StatusBadRequest
	}
	return &GatewayError{Status: status, Kind: KindConversion, Message: message}
}

// NewAuthenticationError marks invalid credentials or a failed refresh (401).
func NewAuthenticationError(providerKey, message string) *GatewayError {
	return &GatewayError{Status: http.StatusUnauthorized, Kind: KindAuthentication, Message: message, ProviderKey: providerKey}
}

// NewForbiddenError marks an authorized-but-denied upstream response (403).
func NewForbiddenError(providerKey, message string) *GatewayError {
	return &GatewayError{Status: http.StatusForbidden, Kind: KindForbidden, Message: message, ProviderKey: providerKey}
}

// NewNotFoundError marks an unknown route or model (404).
func NewNotFoundError(message string) *GatewayError {
	return &GatewayError{Status: http.StatusNotFound, Kind: KindNotFound, Message: message}
}

// NewRequestTimeoutError marks an upstream request timeout (408).
func NewRequestTimeoutError(providerKey, message string) *GatewayError {
	return &GatewayError{Status: http.StatusRequestTimeout, Kind: KindRequestTimeout, Message: message, ProviderKey: providerKey, Retryable: true}
}

// NewRateLimitError surfaces an upstream 429 verbatim.
func NewRateLimitError(providerKey, message string) *GatewayError {
	return &GatewayError{Status: http.StatusTooManyRequests, Kind: KindRateLimit, Message: message, ProviderKey: providerKey, Retryable: true}
}

// NewUpstreamError marks an upstream 5xx or unrecognizable payload (502).
func NewUpstreamError(providerKey, message string) *GatewayError {
	return &GatewayError{Status: http.StatusBadGateway, Kind: KindUpstream, Message: message, ProviderKey: providerKey, Retryable: true}
}

// NewGatewayTimeoutError marks a pipeline or stream-idle timeout (504).
func NewGatewayTimeoutError(message string) *GatewayError {
	return &GatewayError{Status: http.StatusGatewayTimeout, Kind: KindGatewayTimeout, Message: message, Retryable: true}
}

// NewPipelineUnavailableError marks a missing route pool (503).
func NewPipelineUnavailableError(message string) *GatewayError {
	return &GatewayError{Status: http.StatusServiceUnavailable, Kind: KindPipelineUnavailable, Message: message}
}

// NewSandboxDeniedError marks a locally blocked action (500).
func NewSandboxDeniedError(message string) *GatewayError {
	return &GatewayError{Status: http.StatusInternalServerError, Kind: KindSandboxDenied, Message: message}
}

// AsGatewayError coerces any error into a *GatewayError. Unknown errors
// become upstream_error 502 so internals never leak raw messages with a 500.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge
	}
	return NewUpstreamError("", err.Error()).WithCause(err)
}

// upstreamEnvelope covers the OpenAI and Anthropic error body shapes.
type upstreamEnvelope struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// FromUpstream classifies an upstream HTTP error response. The body is
// parsed for OpenAI/Anthropic error envelopes; nested "HTTP nnn {...}"
// messages are unwrapped once so the inner error becomes canonical.
func FromUpstream(providerKey string, status int, body []byte) *GatewayError {
	message := strings.TrimSpace(string(body))
	var upstreamCode, upstreamType string

	var env upstreamEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		switch {
		case env.Error.Message != "":
			message = env.Error.Message
			upstreamType = env.Error.Type
			upstreamCode = rawToString(env.Error.Code)
		case env.Message != "":
			message = env.Message
			upstreamType = env.Type
		}
	}
	if inner, ok := unwrapNestedMessage(message); ok {
		message = inner
	}

	ge := classifyStatus(providerKey, status, message)
	ge.UpstreamStatus = status
	ge.UpstreamCode = upstreamCode
	if upstreamType != "" && ge.UpstreamCode == "" {
		ge.UpstreamCode = upstreamType
	}
	ge.UpstreamMessage = message

	// Upstreams sometimes report stream timeouts with a 5xx; the message is
	// the reliable signal.
	if looksLikeTimeout(message) && ge.Status == http.StatusBadGateway {
		ge.Status = http.StatusGatewayTimeout
		ge.Kind = KindGatewayTimeout
	}
	return ge
}

func classifyStatus(providerKey string, status int, message string) *GatewayError {
	switch {
	case status == http.StatusUnauthorized:
		return NewAuthenticationError(providerKey, message)
	case status == http.StatusForbidden:
		return NewForbiddenError(providerKey, message)
	case status == http.StatusNotFound:
		return NewNotFoundError(message)
	case status == http.StatusRequestTimeout:
		return NewRequestTimeoutError(providerKey, message)
	case status == http.StatusTooManyRequests:
		return NewRateLimitError(providerKey, message)
	case status == http.StatusGatewayTimeout:
		ge := NewGatewayTimeoutError(message)
		ge.ProviderKey = providerKey
		return ge
	case status >= 400 && status < 500:
		return &GatewayError{Status: status, Kind: KindUpstreamClient, Message: message, ProviderKey: providerKey}
	default:
		return NewUpstreamError(providerKey, message)
	}
}

// unwrapNestedMessage extracts the inner error message from strings of the
// form `HTTP 400 {"error":{"message":"..."}}`.
func unwrapNestedMessage(message string) (string, bool) {
	idx := strings.IndexByte(message, '{')
	if idx < 0 {
		return "", false
	}
	var env upstreamEnvelope
	if err := json.Unmarshal([]byte(message[idx:]), &env); err != nil {
		return "", false
	}
	if env.Error.Message != "" {
		return env.Error.Message, true
	}
	if env.Message != "" {
		return env.Message, true
	}
	return "", false
}

func looksLikeTimeout(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out")
}

// RetryableStatus reports whether a response status justifies a retry.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
