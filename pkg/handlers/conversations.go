package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/mw"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/store"
)

const defaultListLimit = 50
const maxListLimit = 200

type conversationTurn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationsHandler handles GET /v1/conversations: the saved turn history
// for one user, newest first.
type ConversationsHandler struct {
	Store  store.Store
	Logger *slog.Logger
}

func (h ConversationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeErrorJSON(w, reqID, &assist.Error{
			Type: assist.ErrInvalidRequest, Message: "method not allowed",
		}, http.StatusMethodNotAllowed)
		return
	}

	userID := userIDParam(r)
	if userID == "" {
		writeErrorJSON(w, reqID, assist.NewInvalidRequestError("user_id is required", "user_id"), http.StatusBadRequest)
		return
	}

	turns, err := h.Store.ListConversationTurns(r.Context(), userID, listLimit(r))
	if err != nil {
		h.Logger.Error("list conversation turns failed", "user_id", userID, "error", err)
		writeErr(w, reqID, assist.NewPersistenceError("list conversation turns", err))
		return
	}

	out := make([]conversationTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, conversationTurn{
			ID:        t.ID,
			SessionID: t.SessionID,
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

// userIDParam accepts both spellings the device platform uses: user_id,
// falling back to uid.
func userIDParam(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get("user_id")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("uid"))
}

func listLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
