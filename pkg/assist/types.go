package assist

import (
	"regexp"
	"strings"
	"time"
)

// ListenMode controls when a session responds to transcript fragments.
type ListenMode string

const (
	// ListenModeTrigger responds only when a wake phrase matches.
	ListenModeTrigger ListenMode = "trigger"
	// ListenModeFollowup additionally treats anything said shortly after an
	// accepted request as a continuation, no wake phrase required.
	ListenModeFollowup ListenMode = "followup"
	// ListenModeAlways responds to any non-empty transcript.
	ListenModeAlways ListenMode = "always"
)

// Fragment is one transcript segment from the device platform. Fragments
// arrive in small overlapping batches; Start/End are offsets in seconds.
type Fragment struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	SpeakerID string  `json:"speaker_id,omitempty"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

// ActivationConfig is the per-request resolution of session- and user-level
// preferences. WakePattern nil means the built-in default phrase set.
type ActivationConfig struct {
	ListenMode     ListenMode
	FollowupWindow time.Duration
	WakePattern    *regexp.Regexp
	InjectMemories bool
	Mute           bool

	// Hour-of-day bounds; -1 disables. The range [start, end) may wrap
	// midnight (start=22, end=8 suppresses 22:00-07:59).
	QuietHoursStart int
	QuietHoursEnd   int
}

// SessionPrefs are the session-scoped preference overrides. InjectMemories is
// deliberately absent: it resolves from the user record only.
type SessionPrefs struct {
	ListenMode     ListenMode
	FollowupWindow time.Duration
	WakePhrases    []string
	Mute           *bool
}

// UserPrefs are the user-scoped preferences.
type UserPrefs struct {
	ListenMode      ListenMode
	FollowupWindow  time.Duration
	WakePhrases     []string
	Mute            *bool
	InjectMemories  bool
	QuietHoursStart int
	QuietHoursEnd   int
}

// Session is the live view of one continuous device conversation.
type Session struct {
	SessionID          string
	UserID             string
	ConversationHandle string
	LastSeenAt         time.Time
	LastAcceptedAt     time.Time
}

// ResolveActivation merges user- and session-level preferences into the
// config used for one fragment batch. Session values win field by field,
// except InjectMemories and quiet hours, which are user-scoped only. The two
// distinct parameter structs keep that invariant visible in the signature.
func ResolveActivation(user UserPrefs, session SessionPrefs, defaults ActivationConfig) ActivationConfig {
	out := defaults

	if user.ListenMode != "" {
		out.ListenMode = user.ListenMode
	}
	if user.FollowupWindow > 0 {
		out.FollowupWindow = user.FollowupWindow
	}
	if len(user.WakePhrases) > 0 {
		out.WakePattern = CompileWakePattern(user.WakePhrases)
	}
	if user.Mute != nil {
		out.Mute = *user.Mute
	}
	out.InjectMemories = user.InjectMemories
	if user.QuietHoursStart >= 0 && user.QuietHoursEnd >= 0 {
		out.QuietHoursStart = user.QuietHoursStart
		out.QuietHoursEnd = user.QuietHoursEnd
	}

	if session.ListenMode != "" {
		out.ListenMode = session.ListenMode
	}
	if session.FollowupWindow > 0 {
		out.FollowupWindow = session.FollowupWindow
	}
	if len(session.WakePhrases) > 0 {
		out.WakePattern = CompileWakePattern(session.WakePhrases)
	}
	if session.Mute != nil {
		out.Mute = *session.Mute
	}

	return out
}

// CompileWakePattern builds a case-insensitive matcher for the given wake
// phrases, tolerating comma and whitespace variants between words
// ("hey omi", "Hey, Omi"). Invalid phrase sets fall back to nil (default
// pattern applies downstream).
func CompileWakePattern(phrases []string) *regexp.Regexp {
	alts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		words := strings.FieldsFunc(p, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ','
		})
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		alts = append(alts, strings.Join(words, `[\s,]+`))
	}
	if len(alts) == 0 {
		return nil
	}
	re, err := regexp.Compile(`(?i)(?:` + strings.Join(alts, "|") + `)[\s,]*`)
	if err != nil {
		return nil
	}
	return re
}
