package usecase

import "fmt"

// ErrorCode classifies a failure; handlers map it to an HTTP status.
type ErrorCode string

const (
	ErrorInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrorUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrorUpstream       ErrorCode = "UPSTREAM_ERROR"
	ErrorDeliveryFailed ErrorCode = "DELIVERY_FAILED"
	ErrorInternal       ErrorCode = "INTERNAL_ERROR"
)

// Error is returned by the relay, delivery and plugin services. Reason is a
// stable snake_case detail such as "callback_token_mismatch".
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
