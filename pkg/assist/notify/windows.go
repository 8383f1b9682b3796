// Package notify bounds and delivers outbound notifications to device
// users. The sliding-window state lives behind the Windows interface with an
// in-memory backend for single-process deployments and a Redis backend for
// replicated ones.
package notify

import (
	"context"
	"time"
)

// Decision is the outcome of one window consumption attempt.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
}

// Windows is a per-user sliding window of notification timestamps. After
// pruning, the count of timestamps younger than the window never exceeds the
// configured maximum.
type Windows interface {
	// TryConsume prunes expired timestamps for userID, then either appends
	// now (allowed) or reports how long until a slot frees up.
	TryConsume(ctx context.Context, userID string, now time.Time) (Decision, error)
}

func retryAfterSeconds(oldest, now time.Time, window time.Duration) int {
	secs := int(oldest.Add(window).Sub(now).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}
