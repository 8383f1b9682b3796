// Package activation decides, per fragment batch, whether a session is
// genuinely asking for assistance and what the user actually said.
package activation

import (
	"regexp"
	"strings"
	"time"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
)

// Decision is the outcome of evaluating one fragment batch.
type Decision struct {
	ShouldRespond bool
	// Utterance is the extracted user request, never empty when
	// ShouldRespond is true.
	Utterance string
	// Triggered reports whether a wake phrase matched (as opposed to a
	// followup continuation or always-on mode).
	Triggered bool
}

// Evaluator is pure decision logic; it holds only the compiled default wake
// pattern and a clock.
type Evaluator struct {
	defaultPattern *regexp.Regexp
	now            func() time.Time
}

func New(defaultPhrases []string) *Evaluator {
	pattern := assist.CompileWakePattern(defaultPhrases)
	if pattern == nil {
		pattern = assist.CompileWakePattern([]string{"hey omi"})
	}
	return &Evaluator{defaultPattern: pattern, now: time.Now}
}

// WithClock overrides the evaluator's clock. Test hook.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate scans the batch in arrival order. lastAccepted is the time the
// session's previous request was accepted (zero if none); it only matters in
// followup mode.
func (e *Evaluator) Evaluate(fragments []assist.Fragment, cfg assist.ActivationConfig, lastAccepted time.Time) Decision {
	now := e.now()

	// Gating runs before any pattern work.
	if cfg.Mute {
		return Decision{}
	}
	if inQuietHours(now.Hour(), cfg.QuietHoursStart, cfg.QuietHoursEnd) {
		return Decision{}
	}

	pattern := cfg.WakePattern
	if pattern == nil {
		pattern = e.defaultPattern
	}

	triggered, utterance := extractUtterance(fragments, pattern)

	switch cfg.ListenMode {
	case assist.ListenModeAlways:
		if !triggered {
			utterance = joinFragments(fragments, 0)
		}
	case assist.ListenModeFollowup:
		if !triggered {
			if lastAccepted.IsZero() || now.Sub(lastAccepted) > cfg.FollowupWindow {
				return Decision{}
			}
			utterance = joinFragments(fragments, 0)
		}
	default: // trigger
		if !triggered {
			return Decision{}
		}
	}

	if utterance == "" {
		// Wake phrase with nothing after it and no trailing fragments:
		// nothing to send to the completion service.
		return Decision{}
	}

	return Decision{ShouldRespond: true, Utterance: utterance, Triggered: triggered}
}

// extractUtterance finds the first wake-phrase match across fragments in
// order. The utterance is whatever follows the match in that fragment; when
// that is empty, the remaining fragments are concatenated instead.
func extractUtterance(fragments []assist.Fragment, pattern *regexp.Regexp) (bool, string) {
	for i, f := range fragments {
		loc := pattern.FindStringIndex(f.Text)
		if loc == nil {
			continue
		}
		rest := strings.TrimSpace(f.Text[loc[1]:])
		if rest == "" {
			rest = joinFragments(fragments, i+1)
		}
		return true, rest
	}
	return false, ""
}

func joinFragments(fragments []assist.Fragment, from int) string {
	parts := make([]string, 0, len(fragments)-from)
	for _, f := range fragments[from:] {
		if t := strings.TrimSpace(f.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// inQuietHours reports whether hour falls in [start, end), wrapping midnight
// when start > end. Negative or equal bounds disable the window.
func inQuietHours(hour, start, end int) bool {
	if start < 0 || end < 0 || start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
