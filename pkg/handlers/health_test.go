package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/config"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/lifecycle"
)

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestReadyzOK(t *testing.T) {
	h := ReadyHandler{
		Config: config.Config{
			AuthMode:           config.AuthModeDisabled,
			MaxBodyBytes:       1 << 20,
			DefaultWakePhrases: []string{"hey omi"},
			GeminiAPIKey:       "k",
		},
		Lifecycle: &lifecycle.Lifecycle{},
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestReadyzReportsDraining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := ReadyHandler{
		Config: config.Config{
			AuthMode:           config.AuthModeDisabled,
			MaxBodyBytes:       1 << 20,
			DefaultWakePhrases: []string{"hey omi"},
			GeminiAPIKey:       "k",
		},
		Lifecycle: lc,
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	var out struct {
		OK       bool `json:"ok"`
		Draining bool `json:"draining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.OK || !out.Draining {
		t.Fatalf("resp = %+v", out)
	}
}

func TestReadyzFlagsMissingConfig(t *testing.T) {
	h := ReadyHandler{
		Config:    config.Config{AuthMode: config.AuthModeRequired},
		Lifecycle: &lifecycle.Lifecycle{},
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	var out struct {
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Issues) == 0 {
		t.Fatal("expected issues")
	}
}
