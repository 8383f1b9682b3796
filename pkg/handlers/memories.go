package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/config"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/memoryindex"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/mw"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/store"
)

type memoryOut struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type memoryIn struct {
	UserID   string `json:"user_id"`
	Text     string `json:"text"`
	Category string `json:"category,omitempty"`
}

// MemoriesHandler handles /v1/memories. GET lists a user's saved memories;
// POST inserts one synchronously (the durable row first, the vector index
// best effort).
type MemoriesHandler struct {
	Config config.Config
	Store  store.Store
	Index  memoryindex.Index
	Logger *slog.Logger
}

func (h MemoriesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeErrorJSON(w, reqID, &assist.Error{
			Type: assist.ErrInvalidRequest, Message: "method not allowed",
		}, http.StatusMethodNotAllowed)
	}
}

func (h MemoriesHandler) list(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	userID := userIDParam(r)
	if userID == "" {
		writeErrorJSON(w, reqID, assist.NewInvalidRequestError("user_id is required", "user_id"), http.StatusBadRequest)
		return
	}

	mems, err := h.Store.ListMemories(r.Context(), userID, listLimit(r))
	if err != nil {
		h.Logger.Error("list memories failed", "user_id", userID, "error", err)
		writeErr(w, reqID, assist.NewPersistenceError("list memories", err))
		return
	}

	out := make([]memoryOut, 0, len(mems))
	for _, m := range mems {
		out = append(out, memoryOut{ID: m.ID, Text: m.Text, Category: m.Category, CreatedAt: m.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": out})
}

func (h MemoriesHandler) create(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorJSON(w, reqID, assist.NewInvalidRequestError("failed to read request body", ""), http.StatusBadRequest)
		return
	}

	var in memoryIn
	if err := json.Unmarshal(body, &in); err != nil {
		writeErrorJSON(w, reqID, assist.NewInvalidRequestError("invalid json", ""), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(in.UserID) == "" {
		writeErrorJSON(w, reqID, assist.NewInvalidRequestError("user_id is required", "user_id"), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(in.Text) == "" {
		writeErrorJSON(w, reqID, assist.NewInvalidRequestError("text is required", "text"), http.StatusBadRequest)
		return
	}

	mem := store.Memory{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Text:      in.Text,
		Category:  in.Category,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.SaveMemories(r.Context(), []store.Memory{mem}); err != nil {
		h.Logger.Error("save memory failed", "user_id", in.UserID, "error", err)
		writeErr(w, reqID, assist.NewPersistenceError("save memory", err))
		return
	}
	if h.Index != nil {
		if _, err := h.Index.Save(r.Context(), mem.UserID, mem.Text, mem.Category); err != nil {
			h.Logger.Warn("memory index save failed", "user_id", in.UserID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, memoryOut{
		ID: mem.ID, Text: mem.Text, Category: mem.Category, CreatedAt: mem.CreatedAt,
	})
}
