package realtime

import (
	"sync"
	"time"
)

// typingEntry is the indicator one connection is currently showing to a target.
type typingEntry struct {
	from  string
	to    string
	seq   uint64
	timer *time.Timer
}

// typingTracker holds at most one indicator per connection and expires idle ones.
type typingTracker struct {
	ttl      time.Duration
	onExpire func(from, to string)

	mu      sync.Mutex
	seq     uint64
	entries map[string]*typingEntry // by connection id
}

func newTypingTracker(ttl time.Duration, onExpire func(from, to string)) *typingTracker {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &typingTracker{
		ttl:      ttl,
		onExpire: onExpire,
		entries:  make(map[string]*typingEntry),
	}
}

// start records that connID (user from) is typing to "to" and rearms the TTL.
// When the connection was typing to someone else, that target is returned so the
// caller can stop it.
func (t *typingTracker) start(connID, from, to string) (prev string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[connID]; ok {
		e.timer.Stop()
		if e.to != to {
			prev = e.to
		}
	}
	t.seq++
	seq := t.seq
	e := &typingEntry{from: from, to: to, seq: seq}
	e.timer = time.AfterFunc(t.ttl, func() { t.expire(connID, seq) })
	t.entries[connID] = e
	return prev
}

// stop clears the indicator of connID if it points at "to".
func (t *typingTracker) stop(connID, to string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[connID]
	if !ok || e.to != to {
		return false
	}
	e.timer.Stop()
	delete(t.entries, connID)
	return true
}

// drop clears whatever indicator connID holds and returns it.
func (t *typingTracker) drop(connID string) (from, to string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[connID]
	if !ok {
		return "", "", false
	}
	e.timer.Stop()
	delete(t.entries, connID)
	return e.from, e.to, true
}

// clearPair removes every indicator from "from" to "to", across devices.
func (t *typingTracker) clearPair(from, to string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := false
	for id, e := range t.entries {
		if e.from == from && e.to == to {
			e.timer.Stop()
			delete(t.entries, id)
			found = true
		}
	}
	return found
}

func (t *typingTracker) expire(connID string, seq uint64) {
	t.mu.Lock()
	e, ok := t.entries[connID]
	if !ok || e.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.entries, connID)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(e.from, e.to)
	}
}

func (t *typingTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
