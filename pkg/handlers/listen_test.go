package handlers

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/auth"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/config"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/lifecycle"
)

func testListenConfig() config.Config {
	cfg := testConfig()
	cfg.ListenWriteTimeout = 5 * time.Second
	cfg.ListenPingInterval = 50 * time.Millisecond
	cfg.ListenMaxMessageBytes = 64 * 1024
	return cfg
}

func testListenHandler(t *testing.T, logger *slog.Logger, lc *lifecycle.Lifecycle) ListenHandler {
	t.Helper()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if lc == nil {
		lc = &lifecycle.Lifecycle{}
	}
	return ListenHandler{
		Config:    testListenConfig(),
		Pipeline:  testPipeline(t),
		Logger:    logger,
		Lifecycle: lc,
	}
}

func dialListen(t *testing.T, h http.Handler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) listenReply {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply listenReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func TestListenFragmentsProduceReply(t *testing.T) {
	conn := dialListen(t, testListenHandler(t, nil, nil))

	if err := conn.WriteJSON(listenFrame{
		Type:         "fragments",
		SessionID:    "s1",
		DeviceUserID: "u1",
		Fragments:    []assist.Fragment{{ID: "f1", Text: "Hey Omi, what's the weather"}},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readReply(t, conn)
	if reply.Type != "reply" || reply.Message != "echo: what's the weather" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestListenAcknowledgesChatter(t *testing.T) {
	conn := dialListen(t, testListenHandler(t, nil, nil))

	if err := conn.WriteJSON(listenFrame{
		Type:      "fragments",
		SessionID: "s1",
		Fragments: []assist.Fragment{{ID: "f1", Text: "and then we went to lunch"}},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readReply(t, conn)
	if reply.Type != "ack" || reply.Message != "" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestListenRejectsUnsupportedFrameType(t *testing.T) {
	conn := dialListen(t, testListenHandler(t, nil, nil))

	if err := conn.WriteJSON(listenFrame{Type: "transcript", SessionID: "s1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readReply(t, conn)
	if reply.Type != "error" || reply.Error != "unsupported frame type" {
		t.Fatalf("reply = %+v", reply)
	}

	// The connection survives a bad frame.
	if err := conn.WriteJSON(listenFrame{
		Type:      "fragments",
		SessionID: "s1",
		Fragments: []assist.Fragment{{ID: "f2", Text: "hey omi what time is it"}},
	}); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	if reply := readReply(t, conn); reply.Type != "reply" {
		t.Fatalf("reply after error = %+v", reply)
	}
}

func TestListenRejectsHandshakeWhileDraining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	srv := httptest.NewServer(testListenHandler(t, nil, lc))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("dial should fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("handshake response = %+v", resp)
	}
}

func TestListenClosesOpenSessionOnDrain(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	conn := dialListen(t, testListenHandler(t, nil, lc))

	if err := conn.WriteJSON(listenFrame{
		Type:      "fragments",
		SessionID: "s1",
		Fragments: []assist.Fragment{{ID: "f1", Text: "small talk"}},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if reply := readReply(t, conn); reply.Type != "ack" {
		t.Fatalf("reply = %+v", reply)
	}

	lc.SetDraining(true)
	if err := conn.WriteJSON(listenFrame{
		Type:      "fragments",
		SessionID: "s1",
		Fragments: []assist.Fragment{{ID: "f2", Text: "more small talk"}},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The drain check runs between frames, so the second frame may or may
	// not be answered before the stream closes.
	reply := readReply(t, conn)
	if reply.Type == "ack" {
		reply = readReply(t, conn)
	}
	if reply.Type != "error" || reply.Error != "server is draining" {
		t.Fatalf("drain frame = %+v", reply)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestListenLogsRedactedPrincipal(t *testing.T) {
	var buf syncBuffer
	h := testListenHandler(t, slog.New(slog.NewTextHandler(&buf, nil)), nil)
	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := &auth.Principal{APIKey: "sk-test-1234"}
		h.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
	conn := dialListen(t, wrapped)

	if err := conn.WriteJSON(listenFrame{
		Type:      "fragments",
		SessionID: "s1",
		Fragments: []assist.Fragment{{ID: "f1", Text: "small talk"}},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readReply(t, conn)

	log := buf.String()
	if !strings.Contains(log, "****1234") {
		t.Fatalf("open log should carry the redacted key: %s", log)
	}
	if strings.Contains(log, "sk-test-1234") {
		t.Fatalf("open log must not carry the raw key: %s", log)
	}
}
