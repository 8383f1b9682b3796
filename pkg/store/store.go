// Package store is the durable persistence layer. Reads happen
// synchronously on cache misses and on the thin resource endpoints; writes
// arrive only through the background queue as idempotent bulk operations.
package store

import (
	"context"
	"time"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
)

// SessionUpsert creates or touches a session row. UserID obeys first writer
// wins: once linked, later values never overwrite it.
type SessionUpsert struct {
	SessionID          string
	UserID             string
	ConversationHandle string
	LastSeenAt         time.Time
	LastAcceptedAt     time.Time
}

// TranscriptSegment is one fragment keyed by (SessionID, SegmentID) so
// replays upsert instead of duplicating.
type TranscriptSegment struct {
	SessionID string
	SegmentID string
	Text      string
	SpeakerID string
	StartSec  float64
	EndSec    float64
}

// ConversationTurn is one side of an exchange.
type ConversationTurn struct {
	ID        string
	SessionID string
	UserID    string
	Role      string // "user" or "assistant"
	Content   string
	CreatedAt time.Time
}

// Memory is one durable memory row; the vector copy lives in the memory
// index.
type Memory struct {
	ID        string
	UserID    string
	Text      string
	Category  string
	CreatedAt time.Time
}

// ContextWindowUpdate persists a changed conversation handle.
type ContextWindowUpdate struct {
	SessionID          string
	ConversationHandle string
}

// Store is the durable-store contract consumed by the queue handlers, the
// session cache lookup, and the resource endpoints.
type Store interface {
	// ResolveSession reads the session row plus both preference records.
	// Unknown sessions resolve to a zero Session carrying the ids; nothing
	// is created (creation is the queue's job).
	ResolveSession(ctx context.Context, sessionID, candidateUserID string) (assist.Session, assist.UserPrefs, assist.SessionPrefs, error)

	UpsertSessions(ctx context.Context, ups []SessionUpsert) error
	AppendTranscripts(ctx context.Context, segs []TranscriptSegment) error
	SaveConversationTurns(ctx context.Context, turns []ConversationTurn) error
	// SaveMemories skips rows whose text matches a memory saved for the
	// same user within the recent-dedup window.
	SaveMemories(ctx context.Context, mems []Memory) error
	UpdateContextWindows(ctx context.Context, ups []ContextWindowUpdate) error

	ListConversationTurns(ctx context.Context, userID string, limit int) ([]ConversationTurn, error)
	ListMemories(ctx context.Context, userID string, limit int) ([]Memory, error)

	GetUserPrefs(ctx context.Context, userID string) (assist.UserPrefs, error)
	PutUserPrefs(ctx context.Context, userID string, prefs assist.UserPrefs) error
	GetSessionPrefs(ctx context.Context, sessionID string) (assist.SessionPrefs, error)
	PutSessionPrefs(ctx context.Context, sessionID string, prefs assist.SessionPrefs) error
}
