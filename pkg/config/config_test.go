package config

import (
	"strings"
	"testing"
	"time"
)

var omiEnvKeys = []string{
	"OMI_ADDR",
	"OMI_AUTH_MODE",
	"OMI_API_KEYS",
	"OMI_MAX_BODY_BYTES",
	"OMI_WAKE_PHRASES",
	"OMI_FOLLOWUP_WINDOW",
	"OMI_QUIET_HOURS_START",
	"OMI_QUIET_HOURS_END",
	"OMI_DEDUP_COOLDOWN",
	"OMI_SESSION_CACHE_TTL",
	"OMI_SESSION_CACHE_HIGH_WATER",
	"OMI_NOTIFY_WINDOW",
	"OMI_NOTIFY_MAX",
	"OMI_QUEUE_BUFFER",
	"OMI_QUEUE_BATCH",
	"OMI_QUEUE_TICK",
	"OMI_QUEUE_MAX_ATTEMPTS",
	"OMI_QUEUE_DRAIN_TIMEOUT",
	"OMI_GEMINI_API_KEY",
	"OMI_COMPLETION_MODEL",
	"OMI_COMPLETION_TIMEOUT",
	"OMI_EMBEDDING_MODEL",
	"OMI_QDRANT_URL",
	"OMI_QDRANT_COLLECTION",
	"OMI_QDRANT_API_KEY",
	"OMI_MEMORY_LOOKUP_TIMEOUT",
	"OMI_POSTGRES_DSN",
	"OMI_REDIS_ADDR",
	"OMI_REDIS_PASSWORD",
	"OMI_NOTIFY_BASE_URL",
	"OMI_NOTIFY_API_KEY",
	"OMI_READ_HEADER_TIMEOUT",
	"OMI_READ_TIMEOUT",
	"OMI_TOTAL_REQUEST_TIMEOUT",
	"OMI_SHUTDOWN_GRACE_PERIOD",
	"OMI_LISTEN_WRITE_TIMEOUT",
	"OMI_LISTEN_PING_INTERVAL",
	"OMI_LISTEN_MAX_MESSAGE_BYTES",
}

func clearOmiEnv(t *testing.T) {
	t.Helper()
	for _, key := range omiEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearOmiEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeDisabled {
		t.Fatalf("AuthMode = %q, want %q", cfg.AuthMode, AuthModeDisabled)
	}
	if len(cfg.DefaultWakePhrases) != 1 || cfg.DefaultWakePhrases[0] != "hey omi" {
		t.Fatalf("DefaultWakePhrases = %v, want [hey omi]", cfg.DefaultWakePhrases)
	}
	if cfg.DedupCooldown != 10*time.Second {
		t.Fatalf("DedupCooldown = %v, want 10s", cfg.DedupCooldown)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Fatalf("CacheTTL = %v, want 5m", cfg.CacheTTL)
	}
	if cfg.CacheHighWaterMark != 1000 {
		t.Fatalf("CacheHighWaterMark = %d, want 1000", cfg.CacheHighWaterMark)
	}
	if cfg.NotifyWindow != time.Hour {
		t.Fatalf("NotifyWindow = %v, want 1h", cfg.NotifyWindow)
	}
	if cfg.NotifyMax != 10 {
		t.Fatalf("NotifyMax = %d, want 10", cfg.NotifyMax)
	}
	if cfg.QueueBatchSize != 25 {
		t.Fatalf("QueueBatchSize = %d, want 25", cfg.QueueBatchSize)
	}
	if cfg.QueueTick != 75*time.Millisecond {
		t.Fatalf("QueueTick = %v, want 75ms", cfg.QueueTick)
	}
	if cfg.QueueMaxAttempts != 3 {
		t.Fatalf("QueueMaxAttempts = %d, want 3", cfg.QueueMaxAttempts)
	}
	if cfg.CompletionTimeout != 15*time.Second {
		t.Fatalf("CompletionTimeout = %v, want 15s", cfg.CompletionTimeout)
	}
	if cfg.DefaultFollowupWindow != 2*time.Minute {
		t.Fatalf("DefaultFollowupWindow = %v, want 2m", cfg.DefaultFollowupWindow)
	}
	if cfg.QuietHoursStart != -1 || cfg.QuietHoursEnd != -1 {
		t.Fatalf("quiet hours = %d..%d, want disabled", cfg.QuietHoursStart, cfg.QuietHoursEnd)
	}
}

func TestLoadFromEnv_AuthRequiredNeedsKeys(t *testing.T) {
	clearOmiEnv(t)
	t.Setenv("OMI_AUTH_MODE", "required")

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "OMI_API_KEYS") {
		t.Fatalf("LoadFromEnv() error = %v, want OMI_API_KEYS error", err)
	}

	t.Setenv("OMI_API_KEYS", "omi_sk_a, omi_sk_b")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("APIKeys = %d entries, want 2", len(cfg.APIKeys))
	}
}

func TestLoadFromEnv_QuietHoursValidation(t *testing.T) {
	tests := []struct {
		name    string
		start   string
		end     string
		wantErr bool
	}{
		{"both set", "22", "8", false},
		{"start only", "22", "", true},
		{"end only", "", "8", true},
		{"start out of range", "24", "8", true},
		{"end out of range", "22", "-2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearOmiEnv(t)
			t.Setenv("OMI_QUIET_HOURS_START", tt.start)
			t.Setenv("OMI_QUIET_HOURS_END", tt.end)
			_, err := LoadFromEnv()
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadFromEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearOmiEnv(t)
	t.Setenv("OMI_WAKE_PHRASES", "hey omi, ok omi")
	t.Setenv("OMI_DEDUP_COOLDOWN", "30s")
	t.Setenv("OMI_NOTIFY_MAX", "3")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if len(cfg.DefaultWakePhrases) != 2 {
		t.Fatalf("DefaultWakePhrases = %v, want 2 phrases", cfg.DefaultWakePhrases)
	}
	if cfg.DedupCooldown != 30*time.Second {
		t.Fatalf("DedupCooldown = %v, want 30s", cfg.DedupCooldown)
	}
	if cfg.NotifyMax != 3 {
		t.Fatalf("NotifyMax = %d, want 3", cfg.NotifyMax)
	}
}
