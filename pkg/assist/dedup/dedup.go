// Package dedup suppresses near-repeat requests per session. Fragment
// batches overlap, so the same utterance is frequently observed twice within
// a few seconds; one entry per session is enough to absorb that.
package dedup

import (
	"strings"
	"sync"
	"time"
)

const defaultShards = 16

type entry struct {
	normalized string
	at         time.Time
}

// Deduplicator keeps the last accepted normalized utterance per session and
// treats anything too similar within the cooldown as already handled.
type Deduplicator struct {
	cooldown time.Duration
	now      func() time.Time

	shards [defaultShards]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

func New(cooldown time.Duration) *Deduplicator {
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	d := &Deduplicator{cooldown: cooldown, now: time.Now}
	for i := range d.shards {
		d.shards[i].entries = make(map[string]entry)
	}
	return d
}

// WithClock overrides the deduplicator's clock. Test hook.
func (d *Deduplicator) WithClock(now func() time.Time) *Deduplicator {
	d.now = now
	return d
}

// IsDuplicate reports whether utterance is a near-repeat of the session's
// last accepted request within the cooldown window.
func (d *Deduplicator) IsDuplicate(sessionID, utterance string) bool {
	norm := Normalize(utterance)
	if norm == "" {
		return false
	}

	sh := d.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[sessionID]
	if !ok {
		return false
	}
	if d.now().Sub(e.at) > d.cooldown {
		// Cooldown elapsed: the same text is a fresh request again.
		delete(sh.entries, sessionID)
		return false
	}
	return similar(norm, e.normalized)
}

// Record stores utterance as the session's last accepted request,
// overwriting whatever was there. One entry per session, last write wins.
func (d *Deduplicator) Record(sessionID, utterance string) {
	norm := Normalize(utterance)
	if norm == "" {
		return
	}
	sh := d.shard(sessionID)
	sh.mu.Lock()
	sh.entries[sessionID] = entry{normalized: norm, at: d.now()}
	sh.mu.Unlock()
}

// Forget drops the session's entry. Used when a recorded request is rolled
// back (completion never attempted).
func (d *Deduplicator) Forget(sessionID string) {
	sh := d.shard(sessionID)
	sh.mu.Lock()
	delete(sh.entries, sessionID)
	sh.mu.Unlock()
}

func (d *Deduplicator) shard(sessionID string) *shard {
	return &d.shards[fnv32(sessionID)%defaultShards]
}

// similar is exact match or containment in either direction. Containment
// handles a later batch being a superset of an already-processed one. A
// genuinely new short utterance contained in a recent long one is falsely
// suppressed; known limitation of the heuristic.
func similar(a, b string) bool {
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

// Normalize lowercases, collapses whitespace runs, and strips trailing
// punctuation.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, ".,!?;: ")
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
