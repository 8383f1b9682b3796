package notify

import (
	"context"
	"sync"
	"time"
)

const memoryShards = 16

// MemoryWindows keeps the rolling timestamp lists in process memory.
type MemoryWindows struct {
	window     time.Duration
	max        int
	maxEntries int

	shards [memoryShards]memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryWindows(window time.Duration, max int) *MemoryWindows {
	if window <= 0 {
		window = time.Hour
	}
	if max <= 0 {
		max = 10
	}
	m := &MemoryWindows{window: window, max: max, maxEntries: 10_000}
	for i := range m.shards {
		m.shards[i].windows = make(map[string][]time.Time)
	}
	return m
}

func (m *MemoryWindows) TryConsume(_ context.Context, userID string, now time.Time) (Decision, error) {
	sh := &m.shards[fnv32(userID)%memoryShards]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if len(sh.windows) >= m.maxEntries/memoryShards {
		sh.gcLocked(now, m.window)
	}

	stamps := sh.windows[userID]
	cutoff := now.Add(-m.window)
	pruned := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= m.max {
		sh.windows[userID] = pruned
		return Decision{RetryAfterSeconds: retryAfterSeconds(pruned[0], now, m.window)}, nil
	}

	sh.windows[userID] = append(pruned, now)
	return Decision{Allowed: true}, nil
}

func (sh *memoryShard) gcLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	for user, stamps := range sh.windows {
		live := false
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(sh.windows, user)
		}
	}
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
