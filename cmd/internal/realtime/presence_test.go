package realtime

import (
	"testing"
	"time"
)

func newTestPresence(t *testing.T) (*Presence, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := NewPresence()
	p.now = func() time.Time { return now }
	return p, &now
}

func TestPresence_MultiDeviceOnlineSince(t *testing.T) {
	p, now := newTestPresence(t)
	started := *now

	a := NewClient("c1", "alice", 4)
	b := NewClient("c2", "alice", 4)

	p.Register("alice", a)
	*now = now.Add(time.Minute)
	p.Register("alice", b)

	if got := len(p.ConnectionsOf("alice")); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	if offline := p.Unregister("alice", a); offline {
		t.Fatalf("unregistering one of two devices must not report offline")
	}
	since, ok := p.OnlineSince("alice")
	if !ok || !since.Equal(started) {
		t.Fatalf("online-since moved: %v %v", since, ok)
	}

	if offline := p.Unregister("alice", b); !offline {
		t.Fatalf("expected offline after last device")
	}
	if _, ok := p.OnlineSince("alice"); ok {
		t.Fatalf("alice should be absent")
	}
	if p.Count() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestPresence_RestampsAfterReconnect(t *testing.T) {
	p, now := newTestPresence(t)

	c := NewClient("c1", "bob", 4)
	p.Register("bob", c)
	p.Unregister("bob", c)

	*now = now.Add(time.Hour)
	p.Register("bob", NewClient("c2", "bob", 4))

	since, _ := p.OnlineSince("bob")
	if !since.Equal(*now) {
		t.Fatalf("expected fresh online-since %v, got %v", *now, since)
	}
}

func TestPresence_UnknownAndDuplicate(t *testing.T) {
	p, _ := newTestPresence(t)
	c := NewClient("c1", "alice", 4)

	if p.Unregister("alice", c) {
		t.Fatalf("unknown user must report false")
	}

	p.Register("alice", c)
	p.Register("alice", c)
	if got := len(p.ConnectionsOf("alice")); got != 1 {
		t.Fatalf("duplicate register must be a no-op, got %d", got)
	}

	impostor := NewClient("c1", "alice", 4)
	if p.Unregister("alice", impostor) {
		t.Fatalf("a different handle with the same id must not unregister")
	}
	if p.ConnectionsOf("nobody") != nil {
		t.Fatalf("expected nil for unknown user")
	}
}

func TestPresence_SnapshotAndRemoveUser(t *testing.T) {
	p, _ := newTestPresence(t)

	p.Register("carol", NewClient("c3", "carol", 4))
	p.Register("alice", NewClient("c1", "alice", 4))
	p.Register("alice", NewClient("c2", "alice", 4))

	snap := p.Snapshot()
	if len(snap) != 2 || snap[0].UserID != "alice" || snap[1].UserID != "carol" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	removed := p.RemoveUser("alice")
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if p.RemoveUser("alice") != nil {
		t.Fatalf("second removal should return nothing")
	}
	if p.Count() != 1 {
		t.Fatalf("expected carol only")
	}
}
