package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/activation"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/dedup"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/jobs"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/notify"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/pipeline"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/sessioncache"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/completion"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/config"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/lifecycle"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/store"
)

type staticCompletion struct{}

func (staticCompletion) Complete(ctx context.Context, input, contextHandle, systemContext string) (completion.Result, error) {
	return completion.Result{Text: "ok", ContextHandle: "conv_1"}, nil
}

func testServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	st := store.NewMemoryStore()

	q := jobs.New(jobs.Config{Tick: 10 * time.Millisecond}, nil)
	store.RegisterQueueHandlers(q, st, nil, nil)
	q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Drain(ctx)
	})

	cache := sessioncache.New(time.Minute, 100,
		func(ctx context.Context, sessionID, candidateUserID string) (sessioncache.Snapshot, error) {
			session, userPrefs, sessionPrefs, err := st.ResolveSession(ctx, sessionID, candidateUserID)
			if err != nil {
				return sessioncache.Snapshot{}, err
			}
			return sessioncache.Snapshot{Session: session, UserPrefs: userPrefs, SessionPrefs: sessionPrefs}, nil
		})

	orch := pipeline.New(pipeline.Orchestrator{
		Cache:      cache,
		Evaluator:  activation.New([]string{"hey omi"}),
		Dedup:      dedup.New(10 * time.Second),
		Notifier:   notify.NewNotifier("", "", nil, nil),
		Queue:      q,
		Completion: staticCompletion{},
		Defaults:   assist.ActivationConfig{ListenMode: assist.ListenModeTrigger, QuietHoursStart: -1, QuietHoursEnd: -1},
	})

	return New(cfg, nil, Deps{
		Pipeline:  orch,
		Store:     st,
		Lifecycle: &lifecycle.Lifecycle{},
	})
}

func baseConfig() config.Config {
	return config.Config{
		AuthMode:           config.AuthModeDisabled,
		APIKeys:            map[string]struct{}{},
		MaxBodyBytes:       1 << 20,
		HandlerTimeout:     5 * time.Second,
		DefaultWakePhrases: []string{"hey omi"},
		GeminiAPIKey:       "k",
	}
}

func TestHealthzThroughMiddlewareChain(t *testing.T) {
	srv := testServer(t, baseConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}

func TestWebhookEndToEnd(t *testing.T) {
	srv := testServer(t, baseConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/webhook", strings.NewReader(`{
		"session_id": "s1",
		"fragments": [{"id": "f1", "text": "hey omi hello"}]
	}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Message != "ok" {
		t.Fatalf("message = %q", out.Message)
	}
}

func TestAuthRequiredRejectsMissingToken(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.APIKeys = map[string]struct{}{"secret": {}}
	srv := testServer(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhook", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/webhook", strings.NewReader(`{
		"session_id": "s1",
		"fragments": [{"id": "f1", "text": "hey omi hello"}]
	}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized status = %d", rec.Code)
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	srv := testServer(t, baseConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}
}
