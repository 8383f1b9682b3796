package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/jobs"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/memoryindex"
)

// RegisterQueueHandlers binds every persistence job type to its bulk store
// call. Memory saves additionally write through to the vector index; index
// failures are logged and never fail the batch, the durable row is the
// source of truth.
func RegisterQueueHandlers(q *jobs.Queue, s Store, index memoryindex.Index, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	q.Register(jobs.TypeSessionUpsert, func(ctx context.Context, batch []jobs.Job) error {
		ups, err := collect[SessionUpsert](batch)
		if err != nil {
			logger.Error("session upsert batch has bad payload", "error", err)
			return nil
		}
		return s.UpsertSessions(ctx, ups)
	})

	q.Register(jobs.TypeTranscriptAppend, func(ctx context.Context, batch []jobs.Job) error {
		segs, err := collect[TranscriptSegment](batch)
		if err != nil {
			logger.Error("transcript batch has bad payload", "error", err)
			return nil
		}
		return s.AppendTranscripts(ctx, segs)
	})

	q.Register(jobs.TypeConversationTurnSave, func(ctx context.Context, batch []jobs.Job) error {
		turns, err := collect[ConversationTurn](batch)
		if err != nil {
			logger.Error("conversation turn batch has bad payload", "error", err)
			return nil
		}
		return s.SaveConversationTurns(ctx, turns)
	})

	q.Register(jobs.TypeMemorySave, func(ctx context.Context, batch []jobs.Job) error {
		mems, err := collect[Memory](batch)
		if err != nil {
			logger.Error("memory batch has bad payload", "error", err)
			return nil
		}
		if err := s.SaveMemories(ctx, mems); err != nil {
			return err
		}
		if index == nil {
			return nil
		}
		for _, m := range mems {
			if _, err := index.Save(ctx, m.UserID, m.Text, m.Category); err != nil {
				logger.Warn("memory index save failed", "user_id", m.UserID, "error", err)
			}
		}
		return nil
	})

	q.Register(jobs.TypeContextWindowUpdate, func(ctx context.Context, batch []jobs.Job) error {
		ups, err := collect[ContextWindowUpdate](batch)
		if err != nil {
			logger.Error("context window batch has bad payload", "error", err)
			return nil
		}
		return s.UpdateContextWindows(ctx, ups)
	})
}

// collect unwraps a same-type batch into its typed rows. A mismatched
// payload is a programming error in the enqueue site; the batch reports it
// rather than partially applying.
func collect[T any](batch []jobs.Job) ([]T, error) {
	out := make([]T, 0, len(batch))
	for _, job := range batch {
		v, ok := job.Payload.(T)
		if !ok {
			return nil, fmt.Errorf("job %s/%s: payload is %T", job.Type, job.Key, job.Payload)
		}
		out = append(out, v)
	}
	return out, nil
}
