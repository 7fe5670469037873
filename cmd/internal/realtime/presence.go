package realtime

import (
	"sort"
	"sync"
	"time"
)

// PresenceEntry is one online user.
type PresenceEntry struct {
	UserID      string
	OnlineSince time.Time
}

type presenceEntry struct {
	since time.Time
	conns map[string]*Client
}

// Presence maps users to their live connections.
//
// Invariants:
// - A user is listed iff they have at least one registered connection.
// - OnlineSince is stamped when the set goes from empty to non-empty and is
//   never moved by partial unregisters.
type Presence struct {
	mu    sync.RWMutex
	users map[string]*presenceEntry
	now   func() time.Time
}

// NewPresence constructs an empty registry.
func NewPresence() *Presence {
	return &Presence{
		users: make(map[string]*presenceEntry),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Register adds c under userID. Registering the same handle twice is a no-op.
func (p *Presence) Register(userID string, c *Client) {
	if userID == "" || c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.users[userID]
	if !ok {
		e = &presenceEntry{since: p.now(), conns: make(map[string]*Client, 1)}
		p.users[userID] = e
	}
	e.conns[c.ID] = c
}

// Unregister removes c and reports whether userID went fully offline as a result.
// Unknown users or handles return false.
func (p *Presence) Unregister(userID string, c *Client) bool {
	if userID == "" || c == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.users[userID]
	if !ok {
		return false
	}
	if cur, ok := e.conns[c.ID]; !ok || cur != c {
		return false
	}
	delete(e.conns, c.ID)
	if len(e.conns) > 0 {
		return false
	}
	delete(p.users, userID)
	return true
}

// RemoveUser drops every connection of userID and returns them.
func (p *Presence) RemoveUser(userID string) []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.users[userID]
	if !ok {
		return nil
	}
	delete(p.users, userID)
	return connList(e.conns)
}

// ConnectionsOf returns the live connections of userID (possibly none).
func (p *Presence) ConnectionsOf(userID string) []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.users[userID]
	if !ok {
		return nil
	}
	return connList(e.conns)
}

// OnlineSince reports when userID came online, if they are online.
func (p *Presence) OnlineSince(userID string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.users[userID]
	if !ok {
		return time.Time{}, false
	}
	return e.since, true
}

// Snapshot returns every online user sorted by id.
func (p *Presence) Snapshot() []PresenceEntry {
	p.mu.RLock()
	out := make([]PresenceEntry, 0, len(p.users))
	for id, e := range p.users {
		out = append(out, PresenceEntry{UserID: id, OnlineSince: e.since})
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Count returns the number of online users.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

func connList(m map[string]*Client) []*Client {
	out := make([]*Client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
