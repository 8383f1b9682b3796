package assist

import (
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func TestResolveActivationPrecedence(t *testing.T) {
	defaults := ActivationConfig{
		ListenMode:      ListenModeTrigger,
		FollowupWindow:  2 * time.Minute,
		QuietHoursStart: -1,
		QuietHoursEnd:   -1,
	}

	user := UserPrefs{
		ListenMode:      ListenModeFollowup,
		FollowupWindow:  time.Minute,
		WakePhrases:     []string{"ok computer"},
		InjectMemories:  true,
		QuietHoursStart: 22,
		QuietHoursEnd:   8,
	}
	session := SessionPrefs{
		ListenMode:  ListenModeAlways,
		Mute:        boolPtr(true),
		WakePhrases: []string{"yo box"},
	}

	got := ResolveActivation(user, session, defaults)

	if got.ListenMode != ListenModeAlways {
		t.Fatalf("session listen mode should win, got %q", got.ListenMode)
	}
	if !got.Mute {
		t.Fatal("session mute override lost")
	}
	if got.WakePattern == nil || !got.WakePattern.MatchString("yo box") {
		t.Fatal("session wake phrases should win")
	}
	if got.FollowupWindow != time.Minute {
		t.Fatalf("user followup window lost, got %v", got.FollowupWindow)
	}
	if !got.InjectMemories {
		t.Fatal("inject_memories is user-scoped and was dropped")
	}
	if got.QuietHoursStart != 22 || got.QuietHoursEnd != 8 {
		t.Fatalf("quiet hours = %d..%d", got.QuietHoursStart, got.QuietHoursEnd)
	}
}

func TestResolveActivationEmptyPrefsKeepDefaults(t *testing.T) {
	defaults := ActivationConfig{
		ListenMode:      ListenModeTrigger,
		FollowupWindow:  2 * time.Minute,
		QuietHoursStart: -1,
		QuietHoursEnd:   -1,
	}

	got := ResolveActivation(UserPrefs{QuietHoursStart: -1, QuietHoursEnd: -1}, SessionPrefs{}, defaults)
	if got.ListenMode != ListenModeTrigger || got.FollowupWindow != 2*time.Minute {
		t.Fatalf("defaults not preserved: %+v", got)
	}
	if got.WakePattern != nil {
		t.Fatal("no wake override expected")
	}
	if got.Mute || got.InjectMemories {
		t.Fatalf("unexpected flags: %+v", got)
	}
}

func TestCompileWakePattern(t *testing.T) {
	cases := []struct {
		phrase string
		text   string
		match  bool
	}{
		{"hey omi", "Hey Omi, what's up", true},
		{"hey omi", "hey,  omi tell me", true},
		{"hey omi", "they told omi", false},
		{"ok computer", "OK computer play music", true},
	}
	for _, tc := range cases {
		re := CompileWakePattern([]string{tc.phrase})
		if re == nil {
			t.Fatalf("CompileWakePattern(%q) = nil", tc.phrase)
		}
		if got := re.MatchString(tc.text); got != tc.match {
			t.Fatalf("%q on %q = %v, want %v", tc.phrase, tc.text, got, tc.match)
		}
	}

	if re := CompileWakePattern(nil); re != nil {
		t.Fatal("empty phrase set should compile to nil")
	}
}
