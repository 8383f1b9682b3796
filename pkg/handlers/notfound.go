package handlers

import (
	"net/http"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeErrorJSON(w, reqID, &assist.Error{
		Type:      assist.ErrInvalidRequest,
		Message:   "not found",
		RequestID: reqID,
	}, http.StatusNotFound)
}
