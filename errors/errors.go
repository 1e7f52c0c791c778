// Package errors defines the sentinel errors shared across the gateway and
// their mapping to the wire-level error payload sent to clients.
package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuthentication     = fmt.Errorf("authentication failed")
	ErrTokenExpired       = fmt.Errorf("access token expired")
	ErrRefreshFailed      = fmt.Errorf("refresh exchange failed")
	ErrAuthorization      = fmt.Errorf("not authorized")
	ErrValidation         = fmt.Errorf("invalid payload")
	ErrRateLimited        = fmt.Errorf("rate limit exceeded")
	ErrTransient          = fmt.Errorf("upstream temporarily unavailable")
	ErrTerminalState      = fmt.Errorf("execution already in terminal state")
	ErrUnknownCommand     = fmt.Errorf("unknown command")
	ErrRoomFull           = fmt.Errorf("channel member limit reached")
	ErrUnsupportedEvent   = fmt.Errorf("unsupported event type")
	ErrUnknownSocket      = fmt.Errorf("unknown socket")
	ErrQueueFull          = fmt.Errorf("outbound queue full")
	ErrWorkerPanic        = fmt.Errorf("worker panic")
	ErrHandlerPanic       = fmt.Errorf("handler panic")
	ErrInvalidCredentials = fmt.Errorf("invalid credentials")
	ErrUserInactive       = fmt.Errorf("user inactive")
	ErrTokenGeneration    = fmt.Errorf("token generation failed")
	ErrInvalidPassword    = fmt.Errorf("password does not meet requirements")
	ErrBusUnavailable     = fmt.Errorf("event bus unavailable")
)

// Wire error codes. Part of the client protocol, never renamed.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeAuthExpired      = "AUTH_EXPIRED"
	CodeAuthRefresh      = "AUTH_REFRESH"
	CodeForbidden        = "FORBIDDEN"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeRateLimited      = "RATE_LIMITED"
	CodeRoomFull         = "ROOM_FULL"
	CodeUnsupportedEvent = "UNSUPPORTED_EVENT"
	CodeUpstream         = "UPSTREAM_UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

// WireError is the body of an "error" event. A wire error always targets a
// single connection, the one whose inbound event produced it.
type WireError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Reauth     bool   `json:"reauth,omitempty"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
}

// RateLimitError carries the retry-after hint from the limiter so the wire
// payload can surface it.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v for %q, retry in %s", ErrRateLimited, e.Action, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// FieldError points at the payload field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: field %q %s", ErrValidation, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrValidation }

// Wire maps any internal error onto the payload delivered to the client.
// Internal details never leak: anything outside the taxonomy becomes a
// retryable INTERNAL error with a generic message.
func Wire(err error) WireError {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return WireError{Code: CodeAuthExpired, Message: "access token expired", Reauth: true}
	case errors.Is(err, ErrRefreshFailed):
		return WireError{Code: CodeAuthRefresh, Message: "token refresh failed", Reauth: true}
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrUserInactive):
		return WireError{Code: CodeAuthFailed, Message: "authentication failed", Reauth: true}
	case errors.Is(err, ErrAuthorization):
		return WireError{Code: CodeForbidden, Message: "not authorized for this action"}
	case errors.Is(err, ErrRoomFull):
		return WireError{Code: CodeRoomFull, Message: "channel is full"}
	case errors.Is(err, ErrRateLimited):
		we := WireError{Code: CodeRateLimited, Message: "rate limit exceeded", Retryable: true}
		var rle *RateLimitError
		if errors.As(err, &rle) {
			we.RetryAfter = rle.RetryAfter.Milliseconds()
		}
		return we
	case errors.Is(err, ErrValidation):
		we := WireError{Code: CodeInvalidPayload, Message: "invalid payload"}
		var fe *FieldError
		if errors.As(err, &fe) {
			we.Message = fmt.Sprintf("invalid payload: field %q %s", fe.Field, fe.Reason)
		}
		return we
	case errors.Is(err, ErrUnsupportedEvent):
		return WireError{Code: CodeUnsupportedEvent, Message: "unsupported event type"}
	case errors.Is(err, ErrTransient), errors.Is(err, ErrBusUnavailable):
		return WireError{Code: CodeUpstream, Message: "temporarily unavailable, retry later", Retryable: true}
	default:
		return WireError{Code: CodeInternal, Message: "internal error", Retryable: true}
	}
}
