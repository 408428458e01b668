// Package channels holds the chat-platform plumbing shared by adapters:
// structured errors, message chunking, recent activity and processed
// message tracking.
package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a channel failure.
type ErrorCode string

const (
	// ErrCodeConnection covers gateway and network failures.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthentication covers bad or revoked bot tokens.
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodeRateLimit means the platform throttled the request.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodePermission means the bot lacks a permission in the channel.
	ErrCodePermission ErrorCode = "PERMISSION_ERROR"

	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeTimeout      ErrorCode = "TIMEOUT_ERROR"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeConfig       ErrorCode = "CONFIG_ERROR"
)

// Error is a classified channel error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error

	// ChannelID is the chat channel involved, if any.
	ChannelID string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.ChannelID != "" {
		msg += " channel=" + e.ChannelID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so sentinel-style
// checks like errors.Is(err, &Error{Code: ErrCodeNotFound}) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil
}

// NewError creates an Error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// InChannel sets the channel the error occurred in.
func (e *Error) InChannel(channelID string) *Error {
	e.ChannelID = channelID
	return e
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeRateLimit, ErrCodeTimeout, ErrCodeUnavailable, ErrCodeConnection:
		return true
	}
	return false
}

func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

func ErrAuthentication(message string, err error) *Error {
	return NewError(ErrCodeAuthentication, message, err)
}

func ErrRateLimit(message string, err error) *Error {
	return NewError(ErrCodeRateLimit, message, err)
}

func ErrPermission(message string, err error) *Error {
	return NewError(ErrCodePermission, message, err)
}

func ErrInvalidInput(message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, message, err)
}

func ErrNotFound(message string, err error) *Error {
	return NewError(ErrCodeNotFound, message, err)
}

func ErrTimeout(message string, err error) *Error {
	return NewError(ErrCodeTimeout, message, err)
}

func ErrInternal(message string, err error) *Error {
	return NewError(ErrCodeInternal, message, err)
}

func ErrUnavailable(message string, err error) *Error {
	return NewError(ErrCodeUnavailable, message, err)
}

func ErrConfig(message string, err error) *Error {
	return NewError(ErrCodeConfig, message, err)
}

// GetErrorCode returns the code of a channel error, or ErrCodeInternal.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is a transient channel error.
func IsRetryable(err error) bool {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Retryable()
	}
	return false
}
