package engine

import (
	"fmt"
	"time"
)

// Error type tags of the OpenAI error envelope.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypePermission     = "permission_error"
	TypeRateLimit      = "rate_limit_error"
	TypeServer         = "server_error"
)

// APIError is what the engine surfaces to the edge: an HTTP status, the
// envelope type tag, and for 429s the Retry-After window.
type APIError struct {
	Status     int
	Type       string
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Type, e.Message)
}

// typeForStatus maps an upstream status onto the envelope taxonomy.
func typeForStatus(status int) string {
	switch {
	case status == 401:
		return TypeAuthentication
	case status == 403:
		return TypePermission
	case status == 429:
		return TypeRateLimit
	case status >= 500 || status == 0:
		return TypeServer
	default:
		return TypeInvalidRequest
	}
}

func invalidRequest(format string, args ...any) *APIError {
	return &APIError{Status: 400, Type: TypeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func upstreamError(status int, message string) *APIError {
	if status == 0 {
		return &APIError{Status: 502, Type: TypeServer, Message: message}
	}
	return &APIError{Status: status, Type: typeForStatus(status), Message: message}
}
