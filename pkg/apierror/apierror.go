package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
)

type Envelope struct {
	Error *assist.Error `json:"error"`
}

func FromError(err error, requestID string) (*assist.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &assist.Error{
			Type:      assist.ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &assist.Error{
			Type:      assist.ErrAPI,
			Message:   "request cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var aerr *assist.Error
	if errors.As(err, &aerr) && aerr != nil {
		out := *aerr
		out.RequestID = requestID
		return &out, StatusFromType(aerr.Type)
	}

	// Unknown errors: do not leak details.
	return &assist.Error{
		Type:      assist.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t assist.ErrorType) int {
	switch t {
	case assist.ErrInvalidRequest:
		return http.StatusBadRequest
	case assist.ErrAuthentication:
		return http.StatusUnauthorized
	case assist.ErrRateLimit:
		return http.StatusTooManyRequests
	case assist.ErrUpstream:
		return http.StatusBadGateway
	case assist.ErrPersistence:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
