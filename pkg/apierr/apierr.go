// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants — the canonical OpenAI-compatible error taxonomy.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeNotFoundError     = "not_found_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeTimeoutError      = "timeout_error"
	TypeAPIError          = "api_error"
	TypeServerError       = "server_error"
	TypeInternalError     = "internal_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeInvalidRequest      = "invalid_request"
	CodeBodyTooLarge        = "body_too_large"
	CodeNoProviderAvailable = "no_provider_available"
	CodeAllProvidersFailed  = "all_providers_failed"
	CodeShuttingDown        = "shutting_down"
)

// APIError is the structured error returned to clients. Provider is set only
// when the failure is attributable to a specific upstream.
type (
	APIError struct {
		Message  string `json:"message"`
		Type     string `json:"type"`
		Code     string `json:"code"`
		Provider string `json:"provider,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteProvider(ctx, status, message, errType, code, "")
}

// WriteProvider is Write with an upstream provider attribution.
func WriteProvider(ctx *fasthttp.RequestCtx, status int, message, errType, code, provider string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:  message,
		Type:     errType,
		Code:     code,
		Provider: provider,
	}})
	ctx.SetBody(body)
}

// TypeForUpstreamStatus maps an upstream 4xx status to the envelope type
// clients expect. 5xx and unknown statuses map to api_error.
func TypeForUpstreamStatus(status int) string {
	switch status {
	case fasthttp.StatusUnauthorized:
		return TypeAuthenticationErr
	case fasthttp.StatusForbidden:
		return TypePermissionError
	case fasthttp.StatusNotFound:
		return TypeNotFoundError
	case fasthttp.StatusTooManyRequests:
		return TypeRateLimitError
	}
	if status >= 400 && status < 500 {
		return TypeInvalidRequest
	}
	return TypeAPIError
}

// WriteRateLimit writes a 429 rate limit error with a Retry-After header.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int64) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	Write(ctx, fasthttp.StatusTooManyRequests,
		"rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout,
		"request timed out before an upstream response completed",
		TypeTimeoutError, CodeRequestTimeout)
}

// WriteUnauthorized writes a 401 with the authentication type.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized,
		"missing or invalid API key", TypeAuthenticationErr, CodeInvalidAPIKey)
}
