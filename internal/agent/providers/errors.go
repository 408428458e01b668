package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/GitAcrown/MARI4/internal/agent"
)

// Error kinds. Every CompletionError matches exactly one of them with
// errors.Is.
var (
	// ErrBadRequest means the API rejected the request itself (HTTP 400).
	ErrBadRequest = errors.New("completion request rejected")

	// ErrAPI means the API or the connection to it failed.
	ErrAPI = errors.New("completion api error")

	// ErrUnexpected covers everything else: decoding failures, empty
	// responses and cancelled requests.
	ErrUnexpected = errors.New("unexpected completion error")
)

// invalidImageCode is the API error code for an image URL that could not
// be downloaded or decoded.
const invalidImageCode = "invalid_image_url"

// FailoverReason categorizes why a request failed, for retry decisions.
type FailoverReason string

const (
	// FailoverBilling indicates payment/quota issues (HTTP 402)
	FailoverBilling FailoverReason = "billing"

	// FailoverRateLimit indicates rate limiting (HTTP 429)
	FailoverRateLimit FailoverReason = "rate_limit"

	// FailoverAuth indicates authentication failure (HTTP 401, 403)
	FailoverAuth FailoverReason = "auth"

	// FailoverTimeout indicates request timeout
	FailoverTimeout FailoverReason = "timeout"

	// FailoverServerError indicates server-side issues (HTTP 5xx)
	FailoverServerError FailoverReason = "server_error"

	// FailoverInvalidRequest indicates client-side issues (HTTP 400)
	FailoverInvalidRequest FailoverReason = "invalid_request"

	// FailoverModelUnavailable indicates the model is not available
	FailoverModelUnavailable FailoverReason = "model_unavailable"

	// FailoverContentFilter indicates content was blocked by safety filters
	FailoverContentFilter FailoverReason = "content_filter"

	// FailoverUnknown indicates an unclassified error
	FailoverUnknown FailoverReason = "unknown"
)

// IsRetryable returns true if the failover reason suggests retrying may succeed.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// CompletionError is the structured error returned by OpenAIClient.
type CompletionError struct {
	// Kind is ErrBadRequest, ErrAPI or ErrUnexpected.
	Kind error

	// Reason refines Kind for retry decisions.
	Reason FailoverReason

	// Op is the operation that failed ("completion", "transcription").
	Op string

	// Model is the model that was requested
	Model string

	// Status is the HTTP status code, if applicable
	Status int

	// Code is the API error code, if any
	Code string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *CompletionError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))

	if e.Op != "" {
		parts = append(parts, e.Op)
	}

	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *CompletionError) Unwrap() error {
	return e.Cause
}

// Is matches the error kind, and agent.ErrInvalidImage when the API
// refused an image URL.
func (e *CompletionError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	if target == agent.ErrInvalidImage {
		return e.invalidImage()
	}
	return false
}

func (e *CompletionError) invalidImage() bool {
	if e.Code == invalidImageCode {
		return true
	}
	if strings.Contains(e.Message, invalidImageCode) {
		return true
	}
	return e.Cause != nil && strings.Contains(e.Cause.Error(), invalidImageCode)
}

// IsInvalidImage reports whether err was caused by an unusable image URL.
func IsInvalidImage(err error) bool {
	return errors.Is(err, agent.ErrInvalidImage)
}

// GetCompletionError extracts a CompletionError from an error chain.
func GetCompletionError(err error) (*CompletionError, bool) {
	var completionErr *CompletionError
	if errors.As(err, &completionErr) {
		return completionErr, true
	}
	return nil, false
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if completionErr, ok := GetCompletionError(err); ok {
		return completionErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// wrapError translates an error from the OpenAI SDK into a CompletionError.
func wrapError(op, model string, err error) *CompletionError {
	if err == nil {
		return nil
	}
	if existing, ok := GetCompletionError(err); ok {
		return existing
	}

	e := &CompletionError{
		Kind:    ErrUnexpected,
		Reason:  ClassifyError(err),
		Op:      op,
		Model:   model,
		Message: err.Error(),
		Cause:   err,
	}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		e.Status = apiErr.HTTPStatusCode
		e.Message = apiErr.Message
		if code, ok := apiErr.Code.(string); ok {
			e.Code = code
		}
		e.Kind = kindForStatus(e.Status)
		e.classify()
	case errors.As(err, &reqErr):
		e.Status = reqErr.HTTPStatusCode
		e.Kind = kindForStatus(e.Status)
		e.classify()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.Kind = ErrUnexpected
	case errors.As(err, &netErr):
		e.Kind = ErrAPI
	}
	return e
}

func (e *CompletionError) classify() {
	if reason := classifyStatusCode(e.Status); reason != FailoverUnknown {
		e.Reason = reason
	}
	if reason := classifyErrorCode(e.Code); reason != FailoverUnknown {
		e.Reason = reason
	}
}

func kindForStatus(status int) error {
	if status == http.StatusBadRequest {
		return ErrBadRequest
	}
	return ErrAPI
}

// ClassifyError inspects an error and returns the appropriate FailoverReason.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}

	errStr := strings.ToLower(err.Error())

	// Check for timeout patterns
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "etimedout") {
		return FailoverTimeout
	}

	// Check for rate limit patterns
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") {
		return FailoverRateLimit
	}

	// Check for authentication patterns
	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") {
		return FailoverAuth
	}

	// Check for billing patterns
	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "insufficient_quota") ||
		strings.Contains(errStr, "payment") {
		return FailoverBilling
	}

	// Check for content filter patterns
	if strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") {
		return FailoverContentFilter
	}

	// Check for model availability patterns
	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") {
		return FailoverModelUnavailable
	}

	// Check for server error patterns
	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") {
		return FailoverServerError
	}

	return FailoverUnknown
}

// classifyStatusCode returns a FailoverReason based on HTTP status code.
func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

// classifyErrorCode returns a FailoverReason based on API error codes.
func classifyErrorCode(code string) FailoverReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return FailoverRateLimit
	case "authentication_error", "invalid_api_key":
		return FailoverAuth
	case "billing_error", "insufficient_quota":
		return FailoverBilling
	case "model_not_found", "model_not_available":
		return FailoverModelUnavailable
	case "content_policy_violation", "content_filter":
		return FailoverContentFilter
	case "server_error", "internal_error":
		return FailoverServerError
	case "invalid_request_error", invalidImageCode:
		return FailoverInvalidRequest
	default:
		return FailoverUnknown
	}
}
