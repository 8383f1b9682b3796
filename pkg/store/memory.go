package store

import (
	"context"
	"sort"
	"sync"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
)

// MemoryStore is the in-process Store driver. It backs development and
// tests; production deployments point at Postgres.
type MemoryStore struct {
	mu           sync.Mutex
	sessions     map[string]assist.Session
	segments     map[string]TranscriptSegment
	turns        []ConversationTurn
	memories     []Memory
	userPrefs    map[string]assist.UserPrefs
	sessionPrefs map[string]assist.SessionPrefs
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]assist.Session),
		segments:     make(map[string]TranscriptSegment),
		userPrefs:    make(map[string]assist.UserPrefs),
		sessionPrefs: make(map[string]assist.SessionPrefs),
	}
}

func (m *MemoryStore) ResolveSession(ctx context.Context, sessionID, candidateUserID string) (assist.Session, assist.UserPrefs, assist.SessionPrefs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		session = assist.Session{SessionID: sessionID, UserID: candidateUserID}
	} else if session.UserID == "" {
		session.UserID = candidateUserID
	}

	userPrefs, ok := m.userPrefs[session.UserID]
	if !ok {
		userPrefs = assist.UserPrefs{QuietHoursStart: -1, QuietHoursEnd: -1}
	}
	return session, userPrefs, m.sessionPrefs[sessionID], nil
}

func (m *MemoryStore) UpsertSessions(ctx context.Context, ups []SessionUpsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range ups {
		s, ok := m.sessions[u.SessionID]
		if !ok {
			s = assist.Session{SessionID: u.SessionID}
		}
		if s.UserID == "" {
			s.UserID = u.UserID
		}
		if u.ConversationHandle != "" {
			s.ConversationHandle = u.ConversationHandle
		}
		if u.LastSeenAt.After(s.LastSeenAt) {
			s.LastSeenAt = u.LastSeenAt
		}
		if u.LastAcceptedAt.After(s.LastAcceptedAt) {
			s.LastAcceptedAt = u.LastAcceptedAt
		}
		m.sessions[u.SessionID] = s
	}
	return nil
}

func (m *MemoryStore) AppendTranscripts(ctx context.Context, segs []TranscriptSegment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range segs {
		m.segments[s.SessionID+"\x00"+s.SegmentID] = s
	}
	return nil
}

func (m *MemoryStore) SaveConversationTurns(ctx context.Context, turns []ConversationTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
	return nil
}

func (m *MemoryStore) SaveMemories(ctx context.Context, mems []Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
outer:
	for _, mem := range mems {
		for _, existing := range m.memories {
			if existing.UserID == mem.UserID && existing.Text == mem.Text &&
				mem.CreatedAt.Sub(existing.CreatedAt) < memoryDedupWindow {
				continue outer
			}
		}
		m.memories = append(m.memories, mem)
	}
	return nil
}

func (m *MemoryStore) UpdateContextWindows(ctx context.Context, ups []ContextWindowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range ups {
		if s, ok := m.sessions[u.SessionID]; ok {
			s.ConversationHandle = u.ConversationHandle
			m.sessions[u.SessionID] = s
		}
	}
	return nil
}

func (m *MemoryStore) ListConversationTurns(ctx context.Context, userID string, limit int) ([]ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConversationTurn, 0, limit)
	for _, t := range m.turns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListMemories(ctx context.Context, userID string, limit int) ([]Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Memory, 0, limit)
	for _, mem := range m.memories {
		if mem.UserID == userID {
			out = append(out, mem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetUserPrefs(ctx context.Context, userID string) (assist.UserPrefs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.userPrefs[userID]; ok {
		return p, nil
	}
	return assist.UserPrefs{QuietHoursStart: -1, QuietHoursEnd: -1}, nil
}

func (m *MemoryStore) PutUserPrefs(ctx context.Context, userID string, prefs assist.UserPrefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userPrefs[userID] = prefs
	return nil
}

func (m *MemoryStore) GetSessionPrefs(ctx context.Context, sessionID string) (assist.SessionPrefs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionPrefs[sessionID], nil
}

func (m *MemoryStore) PutSessionPrefs(ctx context.Context, sessionID string, prefs assist.SessionPrefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionPrefs[sessionID] = prefs
	return nil
}

// TranscriptCount reports how many distinct segments were appended. Test
// helper.
func (m *MemoryStore) TranscriptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.segments)
}

var _ Store = (*MemoryStore)(nil)
