package usecase

import (
	"errors"
	"fmt"

	"epsam-assistant/internal/integrations/answers"
)

// ErrorCode classifies processing failures for log correlation.
type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
)

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

// classifyUpstream separates throttling from other answer pipeline failures
// so throttling spikes are distinguishable in the logs.
func classifyUpstream(err error) ErrorCode {
	var statusErr *answers.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == 429 {
		return ErrorRateLimited
	}
	return ErrorUpstream
}
