package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/pipeline"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/auth"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/config"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/lifecycle"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/mw"
)

// listenFrame is one inbound websocket message on /v1/listen. The stream
// carries the same fragment batches as the webhook, for devices holding a
// persistent connection instead of POSTing.
type listenFrame struct {
	Type         string            `json:"type"`
	SessionID    string            `json:"session_id"`
	DeviceUserID string            `json:"device_user_id,omitempty"`
	Fragments    []assist.Fragment `json:"fragments,omitempty"`
}

type listenReply struct {
	Type              string `json:"type"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Error             string `json:"error,omitempty"`
}

// ListenHandler handles GET /v1/listen websocket sessions.
type ListenHandler struct {
	Config    config.Config
	Pipeline  *pipeline.Orchestrator
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
}

func (h ListenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeErrorJSON(w, reqID, &assist.Error{
			Type: assist.ErrInvalidRequest, Message: "method not allowed", RequestID: reqID,
		}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeErrorJSON(w, reqID, &assist.Error{
			Type: assist.ErrAPI, Message: "server is draining", RequestID: reqID,
		}, http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.ListenMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.ListenMaxMessageBytes)
	}

	openAttrs := []any{"request_id", reqID}
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		openAttrs = append(openAttrs, "api_key", p.Redacted())
	}
	h.Logger.Info("listen session opened", openAttrs...)

	var writeMu sync.Mutex
	writeFrame := func(v listenReply) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(h.Config.ListenWriteTimeout))
		return conn.WriteJSON(v)
	}

	// Keepalive pings; a missed pong surfaces as a read error below.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(h.Config.ListenPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(h.Config.ListenWriteTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		if h.Lifecycle.IsDraining() {
			_ = writeFrame(listenReply{Type: "error", Error: "server is draining"})
			return
		}

		var frame listenFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.Logger.Debug("listen socket closed", "error", err)
			}
			return
		}
		if frame.Type != "fragments" {
			_ = writeFrame(listenReply{Type: "error", Error: "unsupported frame type"})
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), h.Config.HandlerTimeout)
		resp, perr := h.Pipeline.Process(ctx, pipeline.Request{
			SessionID:    frame.SessionID,
			DeviceUserID: frame.DeviceUserID,
			Fragments:    frame.Fragments,
		})
		cancel()
		if perr != nil {
			_ = writeFrame(listenReply{Type: "error", Error: perr.Error()})
			continue
		}
		if resp.Message == "" {
			_ = writeFrame(listenReply{Type: "ack"})
			continue
		}
		_ = writeFrame(listenReply{
			Type:              "reply",
			Message:           resp.Message,
			RetryAfterSeconds: resp.RetryAfterSeconds,
		})
	}
}
