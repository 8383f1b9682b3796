package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
)

// memoryDedupWindow is how far back SaveMemories looks for an identical
// text before skipping the insert.
const memoryDedupWindow = 5 * time.Minute

// Postgres implements Store on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) ResolveSession(ctx context.Context, sessionID, candidateUserID string) (assist.Session, assist.UserPrefs, assist.SessionPrefs, error) {
	session := assist.Session{SessionID: sessionID, UserID: candidateUserID}

	row := p.pool.QueryRow(ctx, `
		SELECT COALESCE(user_id, ''), COALESCE(conversation_handle, ''),
		       last_seen_at, COALESCE(last_accepted_at, 'epoch'::timestamptz)
		FROM sessions WHERE session_id = $1`, sessionID)
	var userID, handle string
	var lastSeen, lastAccepted time.Time
	switch err := row.Scan(&userID, &handle, &lastSeen, &lastAccepted); {
	case errors.Is(err, pgx.ErrNoRows):
		// Unknown session: first fragment batch wins the link later.
	case err != nil:
		return assist.Session{}, assist.UserPrefs{}, assist.SessionPrefs{}, fmt.Errorf("resolve session: %w", err)
	default:
		if userID != "" {
			session.UserID = userID
		}
		session.ConversationHandle = handle
		session.LastSeenAt = lastSeen
		if lastAccepted.Year() > 1970 {
			session.LastAcceptedAt = lastAccepted
		}
	}

	var userPrefs assist.UserPrefs
	var sessionPrefs assist.SessionPrefs
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		userPrefs, err = p.GetUserPrefs(gctx, session.UserID)
		return err
	})
	g.Go(func() error {
		var err error
		sessionPrefs, err = p.GetSessionPrefs(gctx, sessionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return assist.Session{}, assist.UserPrefs{}, assist.SessionPrefs{}, err
	}
	return session, userPrefs, sessionPrefs, nil
}

func (p *Postgres) UpsertSessions(ctx context.Context, ups []SessionUpsert) error {
	batch := &pgx.Batch{}
	for _, u := range ups {
		batch.Queue(`
			INSERT INTO sessions (session_id, user_id, conversation_handle, last_seen_at, last_accepted_at)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5)
			ON CONFLICT (session_id) DO UPDATE SET
				user_id = COALESCE(sessions.user_id, EXCLUDED.user_id),
				conversation_handle = COALESCE(EXCLUDED.conversation_handle, sessions.conversation_handle),
				last_seen_at = GREATEST(sessions.last_seen_at, EXCLUDED.last_seen_at),
				last_accepted_at = GREATEST(sessions.last_accepted_at, EXCLUDED.last_accepted_at)`,
			u.SessionID, u.UserID, u.ConversationHandle, u.LastSeenAt.UTC(), nullableTime(u.LastAcceptedAt))
	}
	return p.sendBatch(ctx, batch, "upsert sessions")
}

func (p *Postgres) AppendTranscripts(ctx context.Context, segs []TranscriptSegment) error {
	batch := &pgx.Batch{}
	for _, s := range segs {
		batch.Queue(`
			INSERT INTO transcript_segments (session_id, segment_id, text, speaker_id, start_sec, end_sec)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (session_id, segment_id) DO UPDATE SET
				text = EXCLUDED.text, speaker_id = EXCLUDED.speaker_id,
				start_sec = EXCLUDED.start_sec, end_sec = EXCLUDED.end_sec`,
			s.SessionID, s.SegmentID, s.Text, s.SpeakerID, s.StartSec, s.EndSec)
	}
	return p.sendBatch(ctx, batch, "append transcripts")
}

func (p *Postgres) SaveConversationTurns(ctx context.Context, turns []ConversationTurn) error {
	batch := &pgx.Batch{}
	for _, t := range turns {
		batch.Queue(`
			INSERT INTO conversation_turns (id, session_id, user_id, role, content, created_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
			t.ID, t.SessionID, t.UserID, t.Role, t.Content, t.CreatedAt.UTC())
	}
	return p.sendBatch(ctx, batch, "save conversation turns")
}

func (p *Postgres) SaveMemories(ctx context.Context, mems []Memory) error {
	batch := &pgx.Batch{}
	for _, m := range mems {
		batch.Queue(`
			INSERT INTO memories (id, user_id, text, category, created_at)
			SELECT $1, $2, $3, $4, $5
			WHERE NOT EXISTS (
				SELECT 1 FROM memories
				WHERE user_id = $2 AND text = $3
				  AND created_at > $5::timestamptz - make_interval(secs => $6)
			)`,
			m.ID, m.UserID, m.Text, m.Category, m.CreatedAt.UTC(), memoryDedupWindow.Seconds())
	}
	return p.sendBatch(ctx, batch, "save memories")
}

func (p *Postgres) UpdateContextWindows(ctx context.Context, ups []ContextWindowUpdate) error {
	batch := &pgx.Batch{}
	for _, u := range ups {
		batch.Queue(`UPDATE sessions SET conversation_handle = $2 WHERE session_id = $1`,
			u.SessionID, u.ConversationHandle)
	}
	return p.sendBatch(ctx, batch, "update context windows")
}

func (p *Postgres) ListConversationTurns(ctx context.Context, userID string, limit int) ([]ConversationTurn, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, COALESCE(user_id, ''), role, content, created_at
		FROM conversation_turns WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversation turns: %w", err)
	}
	defer rows.Close()

	var out []ConversationTurn
	for rows.Next() {
		var t ConversationTurn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ListMemories(ctx context.Context, userID string, limit int) ([]Memory, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, text, category, created_at
		FROM memories WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Text, &m.Category, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) GetUserPrefs(ctx context.Context, userID string) (assist.UserPrefs, error) {
	prefs := assist.UserPrefs{QuietHoursStart: -1, QuietHoursEnd: -1}
	if userID == "" {
		return prefs, nil
	}

	row := p.pool.QueryRow(ctx, `
		SELECT COALESCE(listen_mode, ''), COALESCE(followup_window_ms, 0),
		       COALESCE(wake_phrases, '{}'), mute, COALESCE(inject_memories, false),
		       COALESCE(quiet_hours_start, -1), COALESCE(quiet_hours_end, -1)
		FROM user_prefs WHERE user_id = $1`, userID)

	var mode string
	var followupMS int64
	err := row.Scan(&mode, &followupMS, &prefs.WakePhrases, &prefs.Mute,
		&prefs.InjectMemories, &prefs.QuietHoursStart, &prefs.QuietHoursEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return prefs, nil
	}
	if err != nil {
		return assist.UserPrefs{}, fmt.Errorf("get user prefs: %w", err)
	}
	prefs.ListenMode = assist.ListenMode(mode)
	prefs.FollowupWindow = time.Duration(followupMS) * time.Millisecond
	return prefs, nil
}

func (p *Postgres) PutUserPrefs(ctx context.Context, userID string, prefs assist.UserPrefs) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO user_prefs (user_id, listen_mode, followup_window_ms, wake_phrases, mute, inject_memories, quiet_hours_start, quiet_hours_end)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, 0), $4, $5, $6, NULLIF($7, -1), NULLIF($8, -1))
		ON CONFLICT (user_id) DO UPDATE SET
			listen_mode = EXCLUDED.listen_mode,
			followup_window_ms = EXCLUDED.followup_window_ms,
			wake_phrases = EXCLUDED.wake_phrases,
			mute = EXCLUDED.mute,
			inject_memories = EXCLUDED.inject_memories,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end`,
		userID, string(prefs.ListenMode), prefs.FollowupWindow.Milliseconds(),
		prefs.WakePhrases, prefs.Mute, prefs.InjectMemories,
		prefs.QuietHoursStart, prefs.QuietHoursEnd)
	if err != nil {
		return fmt.Errorf("put user prefs: %w", err)
	}
	return nil
}

func (p *Postgres) GetSessionPrefs(ctx context.Context, sessionID string) (assist.SessionPrefs, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT COALESCE(listen_mode, ''), COALESCE(followup_window_ms, 0),
		       COALESCE(wake_phrases, '{}'), mute
		FROM session_prefs WHERE session_id = $1`, sessionID)

	var prefs assist.SessionPrefs
	var mode string
	var followupMS int64
	err := row.Scan(&mode, &followupMS, &prefs.WakePhrases, &prefs.Mute)
	if errors.Is(err, pgx.ErrNoRows) {
		return assist.SessionPrefs{}, nil
	}
	if err != nil {
		return assist.SessionPrefs{}, fmt.Errorf("get session prefs: %w", err)
	}
	prefs.ListenMode = assist.ListenMode(mode)
	prefs.FollowupWindow = time.Duration(followupMS) * time.Millisecond
	return prefs, nil
}

func (p *Postgres) PutSessionPrefs(ctx context.Context, sessionID string, prefs assist.SessionPrefs) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO session_prefs (session_id, listen_mode, followup_window_ms, wake_phrases, mute)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, 0), $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			listen_mode = EXCLUDED.listen_mode,
			followup_window_ms = EXCLUDED.followup_window_ms,
			wake_phrases = EXCLUDED.wake_phrases,
			mute = EXCLUDED.mute`,
		sessionID, string(prefs.ListenMode), prefs.FollowupWindow.Milliseconds(),
		prefs.WakePhrases, prefs.Mute)
	if err != nil {
		return fmt.Errorf("put session prefs: %w", err)
	}
	return nil
}

func (p *Postgres) sendBatch(ctx context.Context, batch *pgx.Batch, op string) error {
	if batch.Len() == 0 {
		return nil
	}
	br := p.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

var _ Store = (*Postgres)(nil)
