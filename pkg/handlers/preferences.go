package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/config"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/mw"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/store"
)

type prefsDTO struct {
	ListenMode            string   `json:"listen_mode,omitempty"`
	FollowupWindowSeconds int      `json:"followup_window_seconds,omitempty"`
	WakePhrases           []string `json:"wake_phrases,omitempty"`
	Mute                  *bool    `json:"mute,omitempty"`
	InjectMemories        *bool    `json:"inject_memories,omitempty"`
	QuietHoursStart       *int     `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd         *int     `json:"quiet_hours_end,omitempty"`
}

// PreferencesHandler handles /v1/preferences. The user_id query parameter
// targets user-scoped preferences, session_id targets session overrides;
// exactly one must be present. Session overrides never carry inject_memories
// or quiet hours.
type PreferencesHandler struct {
	Config config.Config
	Store  store.Store
	Logger *slog.Logger
}

func (h PreferencesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	userID := userIDParam(r)
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if (userID == "") == (sessionID == "") {
		writeErrorJSON(w, reqID, assist.NewInvalidRequestError("exactly one of user_id or session_id is required", ""), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, reqID, userID, sessionID)
	case http.MethodPut:
		h.put(w, r, reqID, userID, sessionID)
	default:
		writeErrorJSON(w, reqID, &assist.Error{
			Type: assist.ErrInvalidRequest, Message: "method not allowed",
		}, http.StatusMethodNotAllowed)
	}
}

func (h PreferencesHandler) get(w http.ResponseWriter, r *http.Request, reqID, userID, sessionID string) {
	if userID != "" {
		prefs, err := h.Store.GetUserPrefs(r.Context(), userID)
		if err != nil {
			h.Logger.Error("get user prefs failed", "user_id", userID, "error", err)
			writeErr(w, reqID, assist.NewPersistenceError("get user prefs", err))
			return
		}
		writeJSON(w, http.StatusOK, userPrefsToDTO(prefs))
		return
	}

	prefs, err := h.Store.GetSessionPrefs(r.Context(), sessionID)
	if err != nil {
		h.Logger.Error("get session prefs failed", "session_id", sessionID, "error", err)
		writeErr(w, reqID, assist.NewPersistenceError("get session prefs", err))
		return
	}
	writeJSON(w, http.StatusOK, sessionPrefsToDTO(prefs))
}

func (h PreferencesHandler) put(w http.ResponseWriter, r *http.Request, reqID, userID, sessionID string) {
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorJSON(w, reqID, assist.NewInvalidRequestError("failed to read request body", ""), http.StatusBadRequest)
		return
	}

	var in prefsDTO
	if err := json.Unmarshal(body, &in); err != nil {
		writeErrorJSON(w, reqID, assist.NewInvalidRequestError("invalid json", ""), http.StatusBadRequest)
		return
	}
	if aerr := validatePrefs(in, sessionID != ""); aerr != nil {
		writeErrorJSON(w, reqID, aerr, http.StatusBadRequest)
		return
	}

	if userID != "" {
		prefs := assist.UserPrefs{
			ListenMode:      assist.ListenMode(in.ListenMode),
			FollowupWindow:  time.Duration(in.FollowupWindowSeconds) * time.Second,
			WakePhrases:     in.WakePhrases,
			Mute:            in.Mute,
			QuietHoursStart: -1,
			QuietHoursEnd:   -1,
		}
		if in.InjectMemories != nil {
			prefs.InjectMemories = *in.InjectMemories
		}
		if in.QuietHoursStart != nil && in.QuietHoursEnd != nil {
			prefs.QuietHoursStart = *in.QuietHoursStart
			prefs.QuietHoursEnd = *in.QuietHoursEnd
		}
		if err := h.Store.PutUserPrefs(r.Context(), userID, prefs); err != nil {
			h.Logger.Error("put user prefs failed", "user_id", userID, "error", err)
			writeErr(w, reqID, assist.NewPersistenceError("put user prefs", err))
			return
		}
		writeJSON(w, http.StatusOK, userPrefsToDTO(prefs))
		return
	}

	prefs := assist.SessionPrefs{
		ListenMode:     assist.ListenMode(in.ListenMode),
		FollowupWindow: time.Duration(in.FollowupWindowSeconds) * time.Second,
		WakePhrases:    in.WakePhrases,
		Mute:           in.Mute,
	}
	if err := h.Store.PutSessionPrefs(r.Context(), sessionID, prefs); err != nil {
		h.Logger.Error("put session prefs failed", "session_id", sessionID, "error", err)
		writeErr(w, reqID, assist.NewPersistenceError("put session prefs", err))
		return
	}
	writeJSON(w, http.StatusOK, sessionPrefsToDTO(prefs))
}

func validatePrefs(in prefsDTO, sessionScoped bool) *assist.Error {
	switch assist.ListenMode(in.ListenMode) {
	case "", assist.ListenModeTrigger, assist.ListenModeFollowup, assist.ListenModeAlways:
	default:
		return assist.NewInvalidRequestError("listen_mode must be one of trigger|followup|always", "listen_mode")
	}
	if in.FollowupWindowSeconds < 0 {
		return assist.NewInvalidRequestError("followup_window_seconds must be >= 0", "followup_window_seconds")
	}
	if sessionScoped {
		if in.InjectMemories != nil {
			return assist.NewInvalidRequestError("inject_memories is user-scoped", "inject_memories")
		}
		if in.QuietHoursStart != nil || in.QuietHoursEnd != nil {
			return assist.NewInvalidRequestError("quiet hours are user-scoped", "quiet_hours_start")
		}
		return nil
	}
	if (in.QuietHoursStart != nil) != (in.QuietHoursEnd != nil) {
		return assist.NewInvalidRequestError("quiet_hours_start and quiet_hours_end must be set together", "quiet_hours_start")
	}
	if in.QuietHoursStart != nil {
		if *in.QuietHoursStart < 0 || *in.QuietHoursStart > 23 || *in.QuietHoursEnd < 0 || *in.QuietHoursEnd > 23 {
			return assist.NewInvalidRequestError("quiet hours must be in [0,23]", "quiet_hours_start")
		}
	}
	return nil
}

func userPrefsToDTO(p assist.UserPrefs) prefsDTO {
	inject := p.InjectMemories
	out := prefsDTO{
		ListenMode:            string(p.ListenMode),
		FollowupWindowSeconds: int(p.FollowupWindow / time.Second),
		WakePhrases:           p.WakePhrases,
		Mute:                  p.Mute,
		InjectMemories:        &inject,
	}
	if p.QuietHoursStart >= 0 && p.QuietHoursEnd >= 0 {
		start, end := p.QuietHoursStart, p.QuietHoursEnd
		out.QuietHoursStart = &start
		out.QuietHoursEnd = &end
	}
	return out
}

func sessionPrefsToDTO(p assist.SessionPrefs) prefsDTO {
	return prefsDTO{
		ListenMode:            string(p.ListenMode),
		FollowupWindowSeconds: int(p.FollowupWindow / time.Second),
		WakePhrases:           p.WakePhrases,
		Mute:                  p.Mute,
	}
}
