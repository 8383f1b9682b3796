package assist

import "fmt"

// Error is the canonical error carried across the request path.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
	Underlying error     `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// ErrorType categorizes failures by how the request path treats them.
type ErrorType string

const (
	// ErrInvalidRequest: malformed webhook payload. Fails fast with 400; no
	// job is enqueued.
	ErrInvalidRequest ErrorType = "invalid_request_error"
	// ErrAuthentication: missing or invalid bearer token.
	ErrAuthentication ErrorType = "authentication_error"
	// ErrUpstream: completion service or memory index failure. Caught and
	// substituted with degraded behavior; the request still returns 200.
	ErrUpstream ErrorType = "upstream_error"
	// ErrRateLimit: the outbound notification side-channel is suppressed.
	// Never a request failure.
	ErrRateLimit ErrorType = "rate_limit_error"
	// ErrPersistence: queue job failure. Retried up to the attempt bound,
	// then dropped with a log entry. Never reaches a live request.
	ErrPersistence ErrorType = "persistence_error"
	// ErrAPI: anything else that slipped through.
	ErrAPI ErrorType = "api_error"
)

func NewInvalidRequestError(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

func NewUpstreamError(service string, underlying error) *Error {
	return &Error{
		Type:       ErrUpstream,
		Message:    fmt.Sprintf("%s: %v", service, underlying),
		Underlying: underlying,
	}
}

func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{Type: ErrRateLimit, Message: message, RetryAfter: &retryAfter}
}

func NewPersistenceError(op string, underlying error) *Error {
	return &Error{
		Type:       ErrPersistence,
		Message:    fmt.Sprintf("%s: %v", op, underlying),
		Underlying: underlying,
	}
}
