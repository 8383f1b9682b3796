package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

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

type fakeCompletion struct {
	mu     sync.Mutex
	calls  []string
	ctxIn  []string
	sysIn  []string
	reply  string
	handle string
	err    error
}

func (f *fakeCompletion) Complete(ctx context.Context, input, contextHandle, systemContext string) (completion.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, input)
	f.ctxIn = append(f.ctxIn, contextHandle)
	f.sysIn = append(f.sysIn, systemContext)
	if f.err != nil {
		return completion.Result{}, f.err
	}
	handle := f.handle
	if handle == "" {
		handle = "conv_test"
	}
	return completion.Result{Text: f.reply, ContextHandle: handle}, nil
}

func (f *fakeCompletion) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMemories struct {
	mu      sync.Mutex
	records []memoryindex.Record
	queries []string
	err     error
}

func (f *fakeMemories) Search(ctx context.Context, userID, query string, limit int) ([]memoryindex.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.records, f.err
}

func (f *fakeMemories) Save(ctx context.Context, userID, text, category string) (string, error) {
	return "m1", nil
}

// jobRecorder registers a recording handler for every job type so tests can
// observe what the pipeline deferred.
type jobRecorder struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (r *jobRecorder) register(q *jobs.Queue) {
	types := []jobs.Type{
		jobs.TypeSessionUpsert, jobs.TypeTranscriptAppend,
		jobs.TypeConversationTurnSave, jobs.TypeMemorySave,
		jobs.TypeContextWindowUpdate,
	}
	for _, t := range types {
		q.Register(t, func(ctx context.Context, batch []jobs.Job) error {
			r.mu.Lock()
			r.jobs = append(r.jobs, batch...)
			r.mu.Unlock()
			return nil
		})
	}
}

func (r *jobRecorder) byType(t jobs.Type) []jobs.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []jobs.Job
	for _, j := range r.jobs {
		if j.Type == t {
			out = append(out, j)
		}
	}
	return out
}

type denyWindows struct{ retryAfter int }

func (d denyWindows) TryConsume(ctx context.Context, userID string, now time.Time) (notify.Decision, error) {
	return notify.Decision{Allowed: false, RetryAfterSeconds: d.retryAfter}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type env struct {
	orch     *Orchestrator
	comp     *fakeCompletion
	mems     *fakeMemories
	recorder *jobRecorder
	queue    *jobs.Queue
}

func newEnv(t *testing.T, lookup sessioncache.LookupFunc) *env {
	t.Helper()
	if lookup == nil {
		lookup = func(ctx context.Context, sessionID, candidateUserID string) (sessioncache.Snapshot, error) {
			return sessioncache.Snapshot{Session: assist.Session{
				SessionID: sessionID, UserID: candidateUserID,
			}}, nil
		}
	}

	comp := &fakeCompletion{reply: "It is sunny today."}
	mems := &fakeMemories{}
	rec := &jobRecorder{}
	q := jobs.New(jobs.Config{Tick: 10 * time.Millisecond}, nil)
	rec.register(q)
	q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Drain(ctx)
	})

	orch := New(Orchestrator{
		Cache:      sessioncache.New(time.Minute, 100, lookup),
		Evaluator:  activation.New([]string{"hey omi"}),
		Dedup:      dedup.New(10 * time.Second),
		Notifier:   notify.NewNotifier("", "", nil, nil),
		Queue:      q,
		Completion: comp,
		Memories:   mems,
		Defaults:   assist.ActivationConfig{ListenMode: assist.ListenModeTrigger, QuietHoursStart: -1, QuietHoursEnd: -1},
	})
	return &env{orch: orch, comp: comp, mems: mems, recorder: rec, queue: q}
}

func TestWakePhraseProducesReplyAndDurableWrites(t *testing.T) {
	e := newEnv(t, nil)

	resp, err := e.orch.Process(context.Background(), Request{
		SessionID:    "s1",
		DeviceUserID: "u1",
		Fragments: []assist.Fragment{
			{ID: "f1", Text: "Hey Omi, what's the weather"},
		},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Message != "It is sunny today." {
		t.Fatalf("message = %q", resp.Message)
	}
	if got := e.comp.calls[0]; got != "what's the weather" {
		t.Fatalf("completion input = %q", got)
	}

	waitFor(t, func() bool {
		return len(e.recorder.byType(jobs.TypeSessionUpsert)) == 1 &&
			len(e.recorder.byType(jobs.TypeTranscriptAppend)) == 1 &&
			len(e.recorder.byType(jobs.TypeConversationTurnSave)) == 2 &&
			len(e.recorder.byType(jobs.TypeMemorySave)) == 1 &&
			len(e.recorder.byType(jobs.TypeContextWindowUpdate)) == 1
	})

	up := e.recorder.byType(jobs.TypeSessionUpsert)[0].Payload.(store.SessionUpsert)
	if up.UserID != "u1" || up.ConversationHandle != "conv_test" || up.LastAcceptedAt.IsZero() {
		t.Fatalf("unexpected session upsert %+v", up)
	}
	turns := e.recorder.byType(jobs.TypeConversationTurnSave)
	if turns[0].Payload.(store.ConversationTurn).Role != "user" ||
		turns[1].Payload.(store.ConversationTurn).Role != "assistant" {
		t.Fatalf("unexpected turn roles")
	}
}

func TestChatterIsSuppressedAndOnlyMarksSessionSeen(t *testing.T) {
	e := newEnv(t, nil)

	resp, err := e.orch.Process(context.Background(), Request{
		SessionID: "s1",
		Fragments: []assist.Fragment{
			{ID: "f1", Text: "so anyway I told him about the meeting"},
		},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Message != "" {
		t.Fatalf("expected empty message, got %q", resp.Message)
	}
	if e.comp.callCount() != 0 {
		t.Fatal("completion called for suppressed batch")
	}

	waitFor(t, func() bool { return len(e.recorder.byType(jobs.TypeSessionUpsert)) == 1 })
	if n := len(e.recorder.byType(jobs.TypeTranscriptAppend)); n != 0 {
		t.Fatalf("suppressed batch persisted %d transcripts", n)
	}
}

func TestOverlappingRepeatIsDeduplicated(t *testing.T) {
	e := newEnv(t, nil)
	req := Request{
		SessionID: "s1",
		Fragments: []assist.Fragment{{ID: "f1", Text: "hey omi what time is it"}},
	}

	first, err := e.orch.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if first.Message == "" {
		t.Fatal("first request should respond")
	}

	req.Fragments[0].ID = "f2"
	second, err := e.orch.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if second.Message != "" {
		t.Fatalf("duplicate responded: %q", second.Message)
	}
	if e.comp.callCount() != 1 {
		t.Fatalf("completion called %d times", e.comp.callCount())
	}
}

func TestStoreFailureDegradesToDefaults(t *testing.T) {
	e := newEnv(t, func(ctx context.Context, sessionID, candidateUserID string) (sessioncache.Snapshot, error) {
		return sessioncache.Snapshot{}, errors.New("connection refused")
	})

	resp, err := e.orch.Process(context.Background(), Request{
		SessionID: "s1",
		Fragments: []assist.Fragment{{ID: "f1", Text: "hey omi remind me to stretch"}},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Message == "" {
		t.Fatal("store failure should not silence an activated request")
	}
}

func TestCompletionFailureReturnsApologyAndForgets(t *testing.T) {
	e := newEnv(t, nil)
	e.comp.err = errors.New("upstream 503")

	req := Request{
		SessionID: "s1",
		Fragments: []assist.Fragment{{ID: "f1", Text: "hey omi what time is it"}},
	}
	resp, err := e.orch.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Message != apologyMessage {
		t.Fatalf("message = %q", resp.Message)
	}

	// The failed attempt must not count against the dedup window.
	e.comp.err = nil
	req.Fragments[0].ID = "f2"
	resp, err = e.orch.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("retry Process: %v", err)
	}
	if resp.Message != "It is sunny today." {
		t.Fatalf("retry message = %q", resp.Message)
	}
}

func TestMemoriesInjectedAsSystemContext(t *testing.T) {
	lookup := func(ctx context.Context, sessionID, candidateUserID string) (sessioncache.Snapshot, error) {
		return sessioncache.Snapshot{
			Session:   assist.Session{SessionID: sessionID, UserID: "u1"},
			UserPrefs: assist.UserPrefs{InjectMemories: true, QuietHoursStart: -1, QuietHoursEnd: -1},
		}, nil
	}
	e := newEnv(t, lookup)
	e.mems.records = []memoryindex.Record{{Text: "prefers metric units"}}

	_, err := e.orch.Process(context.Background(), Request{
		SessionID: "s1",
		Fragments: []assist.Fragment{{ID: "f1", Text: "hey omi how far is the station"}},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	sys := e.comp.sysIn[0]
	if !strings.Contains(sys, "prefers metric units") {
		t.Fatalf("system context = %q", sys)
	}
}

func TestMemoryLookupFailureDegrades(t *testing.T) {
	lookup := func(ctx context.Context, sessionID, candidateUserID string) (sessioncache.Snapshot, error) {
		return sessioncache.Snapshot{
			Session:   assist.Session{SessionID: sessionID, UserID: "u1"},
			UserPrefs: assist.UserPrefs{InjectMemories: true, QuietHoursStart: -1, QuietHoursEnd: -1},
		}, nil
	}
	e := newEnv(t, lookup)
	e.mems.err = errors.New("qdrant unavailable")

	resp, err := e.orch.Process(context.Background(), Request{
		SessionID: "s1",
		Fragments: []assist.Fragment{{ID: "f1", Text: "hey omi how far is the station"}},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Message == "" {
		t.Fatal("memory failure should not block the reply")
	}
	if e.comp.sysIn[0] != "" {
		t.Fatalf("system context should be empty, got %q", e.comp.sysIn[0])
	}
}

func TestNotificationDenialKeepsMessageWithRetryAfter(t *testing.T) {
	e := newEnv(t, nil)
	e.orch.Notifier = notify.NewNotifier("http://127.0.0.1:1", "", denyWindows{retryAfter: 42}, nil)
	var logBuf bytes.Buffer
	e.orch.Logger = slog.New(slog.NewTextHandler(&logBuf, nil))

	resp, err := e.orch.Process(context.Background(), Request{
		SessionID:    "s1",
		DeviceUserID: "u1",
		Fragments:    []assist.Fragment{{ID: "f1", Text: "hey omi what time is it"}},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Message == "" {
		t.Fatal("denied notification should keep the inline message")
	}
	if resp.RetryAfterSeconds != 42 {
		t.Fatalf("retry after = %d", resp.RetryAfterSeconds)
	}
	if !strings.Contains(logBuf.String(), string(assist.ErrRateLimit)) {
		t.Fatalf("suppression log missing rate limit taxonomy: %s", logBuf.String())
	}
}

func TestValidation(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.orch.Process(context.Background(), Request{Fragments: []assist.Fragment{{Text: "x"}}})
	var aerr *assist.Error
	if !errors.As(err, &aerr) || aerr.Type != assist.ErrInvalidRequest {
		t.Fatalf("missing session_id: %v", err)
	}

	_, err = e.orch.Process(context.Background(), Request{SessionID: "s1"})
	if !errors.As(err, &aerr) || aerr.Type != assist.ErrInvalidRequest {
		t.Fatalf("empty fragments: %v", err)
	}
}
