// Package sessioncache is a time-bounded read-through cache of session
// metadata (user link, preferences, conversation handle). It exists so the
// webhook path does not pay a durable-store round trip on every fragment
// batch; staleness is acceptable because all writes flow through the
// background queue, never through the cache.
package sessioncache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
)

const shardCount = 16

// Snapshot is the last-read view of one session and the preference records
// feeding its activation config.
type Snapshot struct {
	Session      assist.Session
	UserPrefs    assist.UserPrefs
	SessionPrefs assist.SessionPrefs
}

// LookupFunc resolves a cache miss from the durable store. candidateUserID
// may be empty; the store decides the authoritative user link (first writer
// wins on the session row).
type LookupFunc func(ctx context.Context, sessionID, candidateUserID string) (Snapshot, error)

type Cache struct {
	ttl       time.Duration
	highWater int
	lookup    LookupFunc
	now       func() time.Time

	size   atomic.Int64
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]cached
}

type cached struct {
	snap   Snapshot
	readAt time.Time
}

func New(ttl time.Duration, highWater int, lookup LookupFunc) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if highWater <= 0 {
		highWater = 1000
	}
	c := &Cache{ttl: ttl, highWater: highWater, lookup: lookup, now: time.Now}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]cached)
	}
	return c
}

// WithClock overrides the cache's clock. Test hook.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Get returns the cached snapshot for (sessionID, candidateUserID), reading
// through to the durable store on a miss or an expired entry. The candidate
// user id participates in the key because the same session may be probed
// with or without a freshly resolved device link.
func (c *Cache) Get(ctx context.Context, sessionID, candidateUserID string) (Snapshot, error) {
	k := key(sessionID, candidateUserID)
	sh := c.shard(k)
	now := c.now()

	sh.mu.Lock()
	if e, ok := sh.entries[k]; ok && now.Sub(e.readAt) <= c.ttl {
		snap := e.snap
		sh.mu.Unlock()
		return snap, nil
	}
	sh.mu.Unlock()

	snap, err := c.lookup(ctx, sessionID, candidateUserID)
	if err != nil {
		return Snapshot{}, err
	}

	sh.mu.Lock()
	if _, existed := sh.entries[k]; !existed {
		c.size.Add(1)
	}
	sh.entries[k] = cached{snap: snap, readAt: now}
	sh.mu.Unlock()

	// Opportunistic sweep instead of a background timer; the count may
	// transiently exceed the high-water mark between requests (soft bound).
	if int(c.size.Load()) > c.highWater {
		c.sweep(now)
	}
	return snap, nil
}

// Mutate applies fn to the cached snapshot if present, so decisions made in
// this process (new conversation handle, followup timestamps) are visible to
// the next fragment batch before the queue has persisted them.
func (c *Cache) Mutate(sessionID, candidateUserID string, fn func(*Snapshot)) {
	k := key(sessionID, candidateUserID)
	sh := c.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[k]; ok {
		fn(&e.snap)
		sh.entries[k] = e
	}
}

// Invalidate drops every entry for the session (all candidate-user keys
// share the sessionID prefix, but entries are few; a full-key match per
// candidate is enough for the callers we have).
func (c *Cache) Invalidate(sessionID, candidateUserID string) {
	k := key(sessionID, candidateUserID)
	sh := c.shard(k)
	sh.mu.Lock()
	if _, ok := sh.entries[k]; ok {
		delete(sh.entries, k)
		c.size.Add(-1)
	}
	sh.mu.Unlock()
}

// Len reports the approximate entry count.
func (c *Cache) Len() int {
	return int(c.size.Load())
}

func (c *Cache) sweep(now time.Time) {
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if now.Sub(e.readAt) > c.ttl {
				delete(sh.entries, k)
				c.size.Add(-1)
			}
		}
		sh.mu.Unlock()
	}
}

func (c *Cache) shard(k string) *shard {
	return &c.shards[fnv32(k)%shardCount]
}

func key(sessionID, candidateUserID string) string {
	return sessionID + "\x00" + candidateUserID
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
