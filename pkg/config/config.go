package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	MaxBodyBytes int64

	// Activation defaults applied when a session carries no preference row.
	DefaultWakePhrases    []string
	DefaultFollowupWindow time.Duration
	QuietHoursStart       int // -1 => disabled
	QuietHoursEnd         int

	// Deduplicator.
	DedupCooldown time.Duration

	// Session metadata cache.
	CacheTTL           time.Duration
	CacheHighWaterMark int

	// Outbound notification rate limiter.
	NotifyWindow time.Duration
	NotifyMax    int

	// Background job queue.
	QueueBufferSize   int
	QueueBatchSize    int
	QueueTick         time.Duration
	QueueMaxAttempts  int
	QueueDrainTimeout time.Duration

	// Completion service.
	GeminiAPIKey      string
	CompletionModel   string
	CompletionTimeout time.Duration
	EmbeddingModel    string

	// Memory index (qdrant).
	QdrantURL           string
	QdrantCollection    string
	QdrantAPIKey        string
	MemoryLookupTimeout time.Duration

	// Durable store.
	PostgresDSN string

	// Optional shared rate-limiter backend. Empty => in-memory windows.
	RedisAddr     string
	RedisPassword string

	// Outbound notification delivery endpoint (device platform).
	NotifyBaseURL string
	NotifyAPIKey  string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration

	// WebSocket listen ingress (/v1/listen).
	ListenWriteTimeout    time.Duration
	ListenPingInterval    time.Duration
	ListenMaxMessageBytes int64
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("OMI_ADDR", ":8080"),
		AuthMode:              AuthMode(envOr("OMI_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:               make(map[string]struct{}),
		MaxBodyBytes:          envInt64Or("OMI_MAX_BODY_BYTES", 1<<20), // 1 MiB
		DefaultFollowupWindow: envDurationOr("OMI_FOLLOWUP_WINDOW", 2*time.Minute),
		QuietHoursStart:       envIntOr("OMI_QUIET_HOURS_START", -1),
		QuietHoursEnd:         envIntOr("OMI_QUIET_HOURS_END", -1),
		DedupCooldown:         envDurationOr("OMI_DEDUP_COOLDOWN", 10*time.Second),
		CacheTTL:              envDurationOr("OMI_SESSION_CACHE_TTL", 5*time.Minute),
		CacheHighWaterMark:    envIntOr("OMI_SESSION_CACHE_HIGH_WATER", 1000),
		NotifyWindow:          envDurationOr("OMI_NOTIFY_WINDOW", time.Hour),
		NotifyMax:             envIntOr("OMI_NOTIFY_MAX", 10),
		QueueBufferSize:       envIntOr("OMI_QUEUE_BUFFER", 1024),
		QueueBatchSize:        envIntOr("OMI_QUEUE_BATCH", 25),
		QueueTick:             envDurationOr("OMI_QUEUE_TICK", 75*time.Millisecond),
		QueueMaxAttempts:      envIntOr("OMI_QUEUE_MAX_ATTEMPTS", 3),
		QueueDrainTimeout:     envDurationOr("OMI_QUEUE_DRAIN_TIMEOUT", 10*time.Second),
		GeminiAPIKey:          envOr("OMI_GEMINI_API_KEY", ""),
		CompletionModel:       envOr("OMI_COMPLETION_MODEL", "gemini-2.0-flash"),
		CompletionTimeout:     envDurationOr("OMI_COMPLETION_TIMEOUT", 15*time.Second),
		EmbeddingModel:        envOr("OMI_EMBEDDING_MODEL", "text-embedding-004"),
		QdrantURL:             envOr("OMI_QDRANT_URL", ""),
		QdrantCollection:      envOr("OMI_QDRANT_COLLECTION", "memories"),
		QdrantAPIKey:          envOr("OMI_QDRANT_API_KEY", ""),
		MemoryLookupTimeout:   envDurationOr("OMI_MEMORY_LOOKUP_TIMEOUT", 2*time.Second),
		PostgresDSN:           envOr("OMI_POSTGRES_DSN", ""),
		RedisAddr:             envOr("OMI_REDIS_ADDR", ""),
		RedisPassword:         envOr("OMI_REDIS_PASSWORD", ""),
		NotifyBaseURL:         envOr("OMI_NOTIFY_BASE_URL", ""),
		NotifyAPIKey:          envOr("OMI_NOTIFY_API_KEY", ""),
		ReadHeaderTimeout:     envDurationOr("OMI_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:           envDurationOr("OMI_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:        envDurationOr("OMI_TOTAL_REQUEST_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:   envDurationOr("OMI_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		ListenWriteTimeout:    envDurationOr("OMI_LISTEN_WRITE_TIMEOUT", 5*time.Second),
		ListenPingInterval:    envDurationOr("OMI_LISTEN_PING_INTERVAL", 20*time.Second),
		ListenMaxMessageBytes: envInt64Or("OMI_LISTEN_MAX_MESSAGE_BYTES", 64*1024),
	}

	cfg.DefaultWakePhrases = splitCSV(os.Getenv("OMI_WAKE_PHRASES"))
	if len(cfg.DefaultWakePhrases) == 0 {
		cfg.DefaultWakePhrases = []string{"hey omi"}
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("OMI_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("OMI_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("OMI_API_KEYS must be set when OMI_AUTH_MODE=required")
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("OMI_MAX_BODY_BYTES must be > 0")
	}
	if cfg.DefaultFollowupWindow < 0 {
		return Config{}, fmt.Errorf("OMI_FOLLOWUP_WINDOW must be >= 0")
	}
	if cfg.QuietHoursStart < -1 || cfg.QuietHoursStart > 23 {
		return Config{}, fmt.Errorf("OMI_QUIET_HOURS_START must be in [0,23] or -1")
	}
	if cfg.QuietHoursEnd < -1 || cfg.QuietHoursEnd > 23 {
		return Config{}, fmt.Errorf("OMI_QUIET_HOURS_END must be in [0,23] or -1")
	}
	if (cfg.QuietHoursStart >= 0) != (cfg.QuietHoursEnd >= 0) {
		return Config{}, fmt.Errorf("OMI_QUIET_HOURS_START and OMI_QUIET_HOURS_END must be set together")
	}
	if cfg.DedupCooldown <= 0 {
		return Config{}, fmt.Errorf("OMI_DEDUP_COOLDOWN must be > 0")
	}
	if cfg.CacheTTL <= 0 {
		return Config{}, fmt.Errorf("OMI_SESSION_CACHE_TTL must be > 0")
	}
	if cfg.CacheHighWaterMark <= 0 {
		return Config{}, fmt.Errorf("OMI_SESSION_CACHE_HIGH_WATER must be > 0")
	}
	if cfg.NotifyWindow <= 0 {
		return Config{}, fmt.Errorf("OMI_NOTIFY_WINDOW must be > 0")
	}
	if cfg.NotifyMax <= 0 {
		return Config{}, fmt.Errorf("OMI_NOTIFY_MAX must be > 0")
	}
	if cfg.QueueBufferSize <= 0 {
		return Config{}, fmt.Errorf("OMI_QUEUE_BUFFER must be > 0")
	}
	if cfg.QueueBatchSize <= 0 {
		return Config{}, fmt.Errorf("OMI_QUEUE_BATCH must be > 0")
	}
	if cfg.QueueTick <= 0 {
		return Config{}, fmt.Errorf("OMI_QUEUE_TICK must be > 0")
	}
	if cfg.QueueMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("OMI_QUEUE_MAX_ATTEMPTS must be > 0")
	}
	if cfg.QueueDrainTimeout <= 0 {
		return Config{}, fmt.Errorf("OMI_QUEUE_DRAIN_TIMEOUT must be > 0")
	}
	if cfg.CompletionTimeout <= 0 {
		return Config{}, fmt.Errorf("OMI_COMPLETION_TIMEOUT must be > 0")
	}
	if cfg.MemoryLookupTimeout <= 0 {
		return Config{}, fmt.Errorf("OMI_MEMORY_LOOKUP_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 || cfg.ReadTimeout <= 0 || cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("server timeouts must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("OMI_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.ListenWriteTimeout <= 0 || cfg.ListenPingInterval <= 0 {
		return Config{}, fmt.Errorf("listen websocket timeouts must be > 0")
	}
	if cfg.ListenMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("OMI_LISTEN_MAX_MESSAGE_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.CompletionModel) == "" {
		return Config{}, fmt.Errorf("OMI_COMPLETION_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.EmbeddingModel) == "" {
		return Config{}, fmt.Errorf("OMI_EMBEDDING_MODEL must not be empty")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
