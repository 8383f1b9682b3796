package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/pipeline"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/config"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/mw"
)

type webhookRequest struct {
	SessionID    string            `json:"session_id"`
	DeviceUserID string            `json:"device_user_id,omitempty"`
	Fragments    []assist.Fragment `json:"fragments"`
}

type webhookResponse struct {
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// WebhookHandler handles POST /v1/webhook, the transcript ingress from the
// device platform.
type WebhookHandler struct {
	Config   config.Config
	Pipeline *pipeline.Orchestrator
	Logger   *slog.Logger
}

func (h WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeErrorJSON(w, reqID, &assist.Error{
			Type: assist.ErrInvalidRequest, Message: "method not allowed",
		}, http.StatusMethodNotAllowed)
		return
	}

	reqID, _ := mw.RequestIDFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorJSON(w, reqID, assist.NewInvalidRequestError("failed to read request body", ""), http.StatusBadRequest)
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorJSON(w, reqID, assist.NewInvalidRequestError("invalid json", ""), http.StatusBadRequest)
		return
	}

	// The device platform also passes the user as a query parameter on some
	// webhook versions; the body field wins when both are present.
	if req.DeviceUserID == "" {
		req.DeviceUserID = strings.TrimSpace(r.URL.Query().Get("uid"))
	}

	ctx := r.Context()
	if h.Config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.HandlerTimeout)
		defer cancel()
	}

	resp, err := h.Pipeline.Process(ctx, pipeline.Request{
		SessionID:    req.SessionID,
		DeviceUserID: req.DeviceUserID,
		Fragments:    req.Fragments,
	})
	if err != nil {
		writeErr(w, reqID, err)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Message:           resp.Message,
		RetryAfterSeconds: resp.RetryAfterSeconds,
	})
}
