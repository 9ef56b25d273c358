package executor

import (
	"errors"
	"fmt"
	"time"
)

// statusErr carries an upstream HTTP status (0 for network failures)
// through the fallback loop, plus an optional upstream Retry-After.
type statusErr struct {
	code       int
	msg        string
	retryAfter time.Duration
}

func (e *statusErr) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("status %d", e.code)
}

// StatusCode returns the upstream HTTP status, 0 when the request never
// produced a response.
func (e *statusErr) StatusCode() int { return e.code }

// NewStatusError builds an upstream failure with an explicit status.
func NewStatusError(code int, msg string) error {
	return &statusErr{code: code, msg: msg}
}

// NewRateLimitError builds a 429 carrying the upstream's retry window.
func NewRateLimitError(msg string, retryAfter time.Duration) error {
	return &statusErr{code: 429, msg: msg, retryAfter: retryAfter}
}

// StatusCodeOf extracts the upstream status from an executor error.
// Network and timeout failures report 0.
func StatusCodeOf(err error) int {
	var se *statusErr
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}

// RetryAfterOf reports an upstream-provided retry window, when present.
func RetryAfterOf(err error) (time.Duration, bool) {
	var se *statusErr
	if errors.As(err, &se) && se.retryAfter > 0 {
		return se.retryAfter, true
	}
	return 0, false
}
