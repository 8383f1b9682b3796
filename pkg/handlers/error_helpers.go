package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/apierror"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
)

func writeErr(w http.ResponseWriter, reqID string, err error) {
	aerr, status := apierror.FromError(err, reqID)
	writeErrorJSON(w, reqID, aerr, status)
}

func writeErrorJSON(w http.ResponseWriter, reqID string, aerr *assist.Error, status int) {
	if aerr != nil && aerr.RequestID == "" {
		aerr.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: aerr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
