// Package pipeline wires the webhook request path: resolve session state,
// decide activation, suppress repeats, gather memory context, call the
// completion service, notify, and defer every durable write to the job
// queue. The live path touches the durable store only through the
// read-through cache.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/activation"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/dedup"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/jobs"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/notify"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/sessioncache"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/completion"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/memoryindex"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/store"
)

// apologyMessage goes out when the completion service fails after a request
// was accepted. The caller still gets a 200; losing one answer is better
// than surfacing upstream failures to a voice device.
const apologyMessage = "Sorry, I couldn't process that right now. Please try again."

const memoryDigestLimit = 5

// Request is one fragment batch from the device platform.
type Request struct {
	SessionID    string
	DeviceUserID string
	Fragments    []assist.Fragment
}

// Response is what the webhook returns. An empty Message means the batch
// was observed but produced no reply. RetryAfterSeconds is set only when
// the notification window denied delivery.
type Response struct {
	Message           string
	RetryAfterSeconds int
}

type Orchestrator struct {
	Cache      *sessioncache.Cache
	Evaluator  *activation.Evaluator
	Dedup      *dedup.Deduplicator
	Notifier   *notify.Notifier
	Queue      *jobs.Queue
	Completion completion.Service
	Memories   memoryindex.Index
	Logger     *slog.Logger

	Defaults            assist.ActivationConfig
	CompletionTimeout   time.Duration
	MemoryLookupTimeout time.Duration

	now func() time.Time
}

func New(o Orchestrator) *Orchestrator {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.CompletionTimeout <= 0 {
		o.CompletionTimeout = 15 * time.Second
	}
	if o.MemoryLookupTimeout <= 0 {
		o.MemoryLookupTimeout = 2 * time.Second
	}
	if o.now == nil {
		o.now = time.Now
	}
	return &o
}

// WithClock overrides the orchestrator's clock. Test hook.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Process handles one fragment batch end to end.
func (o *Orchestrator) Process(ctx context.Context, req Request) (Response, error) {
	if req.SessionID == "" {
		return Response{}, assist.NewInvalidRequestError("session_id is required", "session_id")
	}
	if len(req.Fragments) == 0 {
		return Response{}, assist.NewInvalidRequestError("at least one fragment is required", "fragments")
	}

	snap, err := o.Cache.Get(ctx, req.SessionID, req.DeviceUserID)
	if err != nil {
		// Store trouble must not silence the device. Run on defaults; the
		// session-seen write below still lands once the store recovers.
		o.Logger.Warn("session lookup failed, using defaults",
			"session_id", req.SessionID, "error", err)
		snap = sessioncache.Snapshot{Session: assist.Session{
			SessionID: req.SessionID,
			UserID:    req.DeviceUserID,
		}}
	}

	cfg := assist.ResolveActivation(snap.UserPrefs, snap.SessionPrefs, o.Defaults)
	dec := o.Evaluator.Evaluate(req.Fragments, cfg, snap.Session.LastAcceptedAt)
	if !dec.ShouldRespond {
		o.enqueueSessionSeen(snap.Session, o.now())
		return Response{}, nil
	}

	if o.Dedup.IsDuplicate(req.SessionID, dec.Utterance) {
		o.Logger.Debug("duplicate utterance suppressed",
			"session_id", req.SessionID)
		o.enqueueSessionSeen(snap.Session, o.now())
		return Response{}, nil
	}
	// Record before completing so an overlapping batch carrying the same
	// utterance is suppressed while this one is in flight.
	o.Dedup.Record(req.SessionID, dec.Utterance)

	systemContext := o.memoryDigest(ctx, cfg, snap.Session.UserID, dec.Utterance)

	cctx, cancel := context.WithTimeout(ctx, o.CompletionTimeout)
	result, err := o.Completion.Complete(cctx, dec.Utterance, snap.Session.ConversationHandle, systemContext)
	cancel()
	if err != nil {
		o.Logger.Error("completion failed",
			"session_id", req.SessionID, "error", err)
		o.Dedup.Forget(req.SessionID)
		o.enqueueSessionSeen(snap.Session, o.now())
		resp := Response{Message: apologyMessage}
		o.notifyUser(ctx, req.SessionID, snap.Session.UserID, apologyMessage, &resp)
		return resp, nil
	}

	now := o.now()
	handleChanged := result.ContextHandle != "" && result.ContextHandle != snap.Session.ConversationHandle
	o.Cache.Mutate(req.SessionID, req.DeviceUserID, func(s *sessioncache.Snapshot) {
		s.Session.LastAcceptedAt = now
		s.Session.LastSeenAt = now
		if result.ContextHandle != "" {
			s.Session.ConversationHandle = result.ContextHandle
		}
	})

	resp := Response{Message: result.Text}
	o.notifyUser(ctx, req.SessionID, snap.Session.UserID, result.Text, &resp)

	o.enqueueAccepted(snap.Session, req, dec.Utterance, result, now, handleChanged)
	return resp, nil
}

// notifyUser dispatches the side-channel delivery. A denial keeps the inline
// message and surfaces the window's retry hint on the response.
func (o *Orchestrator) notifyUser(ctx context.Context, sessionID, userID, message string, resp *Response) {
	nd := o.Notifier.Send(ctx, userID, message)
	if nd.Allowed {
		return
	}
	resp.RetryAfterSeconds = nd.RetryAfterSeconds
	o.Logger.Info("notification suppressed",
		"session_id", sessionID,
		"error", assist.NewRateLimitError("notification window exhausted", nd.RetryAfterSeconds))
}

// memoryDigest turns the top vector-index hits into a short system context
// block. Lookup failures and timeouts degrade to no context.
func (o *Orchestrator) memoryDigest(ctx context.Context, cfg assist.ActivationConfig, userID, utterance string) string {
	if !cfg.InjectMemories || userID == "" || o.Memories == nil {
		return ""
	}

	mctx, cancel := context.WithTimeout(ctx, o.MemoryLookupTimeout)
	defer cancel()
	records, err := o.Memories.Search(mctx, userID, utterance, memoryDigestLimit)
	if err != nil {
		o.Logger.Warn("memory lookup failed", "user_id", userID, "error", err)
		return ""
	}
	if len(records) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant facts about the user:\n")
	for _, r := range records {
		b.WriteString("- ")
		b.WriteString(r.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// enqueueSessionSeen records that the session produced traffic without an
// accepted request. Suppressed batches persist nothing else.
func (o *Orchestrator) enqueueSessionSeen(session assist.Session, now time.Time) {
	o.Queue.Enqueue(jobs.Job{
		Type: jobs.TypeSessionUpsert,
		Key:  session.SessionID,
		Payload: store.SessionUpsert{
			SessionID:          session.SessionID,
			UserID:             session.UserID,
			ConversationHandle: session.ConversationHandle,
			LastSeenAt:         now,
			LastAcceptedAt:     session.LastAcceptedAt,
		},
	})
}

// enqueueAccepted defers every durable write for an accepted request.
func (o *Orchestrator) enqueueAccepted(session assist.Session, req Request, utterance string, result completion.Result, now time.Time, handleChanged bool) {
	o.Queue.Enqueue(jobs.Job{
		Type: jobs.TypeSessionUpsert,
		Key:  session.SessionID,
		Payload: store.SessionUpsert{
			SessionID:          session.SessionID,
			UserID:             session.UserID,
			ConversationHandle: result.ContextHandle,
			LastSeenAt:         now,
			LastAcceptedAt:     now,
		},
	})

	for _, f := range req.Fragments {
		o.Queue.Enqueue(jobs.Job{
			Type: jobs.TypeTranscriptAppend,
			Key:  session.SessionID,
			Payload: store.TranscriptSegment{
				SessionID: session.SessionID,
				SegmentID: f.ID,
				Text:      f.Text,
				SpeakerID: f.SpeakerID,
				StartSec:  f.Start,
				EndSec:    f.End,
			},
		})
	}

	o.Queue.Enqueue(jobs.Job{
		Type: jobs.TypeConversationTurnSave,
		Key:  session.SessionID,
		Payload: store.ConversationTurn{
			ID:        uuid.NewString(),
			SessionID: session.SessionID,
			UserID:    session.UserID,
			Role:      "user",
			Content:   utterance,
			CreatedAt: now,
		},
	})
	o.Queue.Enqueue(jobs.Job{
		Type: jobs.TypeConversationTurnSave,
		Key:  session.SessionID,
		Payload: store.ConversationTurn{
			ID:        uuid.NewString(),
			SessionID: session.SessionID,
			UserID:    session.UserID,
			Role:      "assistant",
			Content:   result.Text,
			CreatedAt: now,
		},
	})

	if session.UserID != "" {
		o.Queue.Enqueue(jobs.Job{
			Type: jobs.TypeMemorySave,
			Key:  session.UserID,
			Payload: store.Memory{
				ID:        uuid.NewString(),
				UserID:    session.UserID,
				Text:      utterance,
				Category:  "conversation",
				CreatedAt: now,
			},
		})
	}

	if handleChanged {
		o.Queue.Enqueue(jobs.Job{
			Type: jobs.TypeContextWindowUpdate,
			Key:  session.SessionID,
			Payload: store.ContextWindowUpdate{
				SessionID:          session.SessionID,
				ConversationHandle: result.ContextHandle,
			},
		})
	}
}
