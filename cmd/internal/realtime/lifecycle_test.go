package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, routerFixture) {
	t.Helper()
	f := newRouterFixture(t)
	m, err := NewManager(ManagerConfig{
		Log:       discardLogger(),
		Hub:       f.hub,
		Presence:  f.presence,
		Router:    f.router,
		Metrics:   f.metrics,
		TypingTTL: ttl,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, f
}

func mustBind(t *testing.T, m *Manager, id, userID string) *Client {
	t.Helper()
	c := NewClient(id, userID, 16)
	if !m.Bind(c) {
		t.Fatalf("Bind(%s) failed", id)
	}
	return c
}

func typingFrom(t *testing.T, env v1.Envelope) string {
	t.Helper()
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	return p.From
}

func TestNewManager_RequiresCollaborators(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); err == nil {
		t.Fatalf("expected error without hub/presence/router")
	}
}

func TestManager_BindBroadcastsSnapshotToEveryone(t *testing.T) {
	m, f := newTestManager(t, time.Second)

	anon := mustBind(t, m, "x1", "")
	drain(anon)
	if anon.State() != StateAnonymous {
		t.Fatalf("expected anonymous state, got %s", anon.State())
	}

	alice := mustBind(t, m, "a1", "alice")
	if alice.State() != StateBound {
		t.Fatalf("expected bound state, got %s", alice.State())
	}

	for _, c := range []*Client{anon, alice} {
		env := recvType(t, c, v1.TypePresenceSnapshot)
		var p v1.PresenceSnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(p.Users) != 1 || p.Users[0].UserID != "alice" {
			t.Fatalf("%s: unexpected snapshot %+v", c.ID, p)
		}
	}

	if f.presence.ConnectionsOf("") != nil {
		t.Fatalf("anonymous connections must never be routing targets")
	}
	if m.Bind(alice) {
		t.Fatalf("binding twice must fail")
	}
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	m, f := newTestManager(t, time.Second)

	a1 := mustBind(t, m, "a1", "alice")
	a2 := mustBind(t, m, "a2", "alice")
	watcher := mustBind(t, m, "w1", "bob")
	drain(a1)
	drain(a2)
	drain(watcher)

	if !m.Disconnect(a1, "test") {
		t.Fatalf("first disconnect should report true")
	}
	if m.Disconnect(a1, "test") {
		t.Fatalf("second disconnect should be a no-op")
	}
	if a1.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", a1.State())
	}
	select {
	case <-a1.Done():
	default:
		t.Fatalf("client should be closed")
	}

	if got := drain(watcher); len(got) != 0 {
		t.Fatalf("partial disconnect must not broadcast, got %v", types(got))
	}
	if _, ok := f.presence.OnlineSince("alice"); !ok {
		t.Fatalf("alice still has a device")
	}

	m.Disconnect(a2, "test")
	recvType(t, watcher, v1.TypePresenceSnapshot)
	if f.hub.Len() != 1 {
		t.Fatalf("expected only the watcher attached, got %d", f.hub.Len())
	}
}

func TestManager_TypingRoutesToTargetOnly(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)

	alice := mustBind(t, m, "a1", "alice")
	bob := mustBind(t, m, "b1", "bob")
	carol := mustBind(t, m, "c1", "carol")
	for _, c := range []*Client{alice, bob, carol} {
		drain(c)
	}

	if err := m.TypingStart(alice, "bob"); err != nil {
		t.Fatalf("TypingStart: %v", err)
	}
	if from := typingFrom(t, recvType(t, bob, v1.TypeTypingStart)); from != "alice" {
		t.Fatalf("expected from=alice, got %q", from)
	}
	if got := drain(carol); len(got) != 0 {
		t.Fatalf("carol received %v", types(got))
	}
	if got := drain(alice); len(got) != 0 {
		t.Fatalf("typist received %v", types(got))
	}

	// Switching target stops the old indicator.
	if err := m.TypingStart(alice, "carol"); err != nil {
		t.Fatalf("TypingStart: %v", err)
	}
	recvType(t, bob, v1.TypeTypingStop)
	recvType(t, carol, v1.TypeTypingStart)

	if err := m.TypingStop(alice, "carol"); err != nil {
		t.Fatalf("TypingStop: %v", err)
	}
	recvType(t, carol, v1.TypeTypingStop)
}

func TestManager_TypingValidation(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	anon := mustBind(t, m, "x1", "")
	alice := mustBind(t, m, "a1", "alice")

	cases := []struct {
		name string
		c    *Client
		to   string
		want error
	}{
		{"anonymous", anon, "bob", ErrNotBound},
		{"empty target", alice, "", ErrInvalidTarget},
		{"self", alice, "alice", ErrInvalidTarget},
	}
	for _, tc := range cases {
		if err := m.TypingStart(tc.c, tc.to); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	m.Disconnect(alice, "test")
	if err := m.TypingStart(alice, "bob"); !errors.Is(err, ErrNotBound) {
		t.Fatalf("disconnected client: expected ErrNotBound, got %v", err)
	}
}

func TestManager_TypingStopOnUncleanDisconnect(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	alice := mustBind(t, m, "a1", "alice")
	bob := mustBind(t, m, "b1", "bob")

	if err := m.TypingStart(alice, "bob"); err != nil {
		t.Fatalf("TypingStart: %v", err)
	}
	recvType(t, bob, v1.TypeTypingStart)

	m.Disconnect(alice, "conn closed")
	if from := typingFrom(t, recvType(t, bob, v1.TypeTypingStop)); from != "alice" {
		t.Fatalf("expected stop from alice, got %q", from)
	}
	if m.typing.len() != 0 {
		t.Fatalf("typing state leaked")
	}
}

func TestManager_TypingExpiresAfterTTL(t *testing.T) {
	m, _ := newTestManager(t, 30*time.Millisecond)
	alice := mustBind(t, m, "a1", "alice")
	bob := mustBind(t, m, "b1", "bob")

	if err := m.TypingStart(alice, "bob"); err != nil {
		t.Fatalf("TypingStart: %v", err)
	}
	recvType(t, bob, v1.TypeTypingStart)
	recvType(t, bob, v1.TypeTypingStop)

	if m.typing.len() != 0 {
		t.Fatalf("expired entry still tracked")
	}
}

func TestManager_ClearTypingAfterSend(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	alice := mustBind(t, m, "a1", "alice")
	bob := mustBind(t, m, "b1", "bob")

	m.ClearTyping("alice", "bob")
	drain(bob)

	if err := m.TypingStart(alice, "bob"); err != nil {
		t.Fatalf("TypingStart: %v", err)
	}
	recvType(t, bob, v1.TypeTypingStart)

	m.ClearTyping("alice", "bob")
	recvType(t, bob, v1.TypeTypingStop)

	m.ClearTyping("alice", "bob")
	if got := drain(bob); len(got) != 0 {
		t.Fatalf("no indicator left, expected nothing, got %v", types(got))
	}
}

func TestManager_RemoveUser(t *testing.T) {
	m, f := newTestManager(t, time.Minute)
	a1 := mustBind(t, m, "a1", "alice")
	a2 := mustBind(t, m, "a2", "alice")
	bob := mustBind(t, m, "b1", "bob")
	drain(bob)

	if n := m.RemoveUser("alice"); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	for _, c := range []*Client{a1, a2} {
		if c.State() != StateDisconnected {
			t.Fatalf("%s: expected disconnected, got %s", c.ID, c.State())
		}
	}
	recvType(t, bob, v1.TypePresenceSnapshot)

	if n := m.RemoveUser("alice"); n != 0 {
		t.Fatalf("second removal should be a no-op, got %d", n)
	}
	if m.Disconnect(a1, "late") {
		t.Fatalf("disconnect after removal should be a no-op")
	}
	if f.hub.Len() != 1 {
		t.Fatalf("expected bob only, got %d", f.hub.Len())
	}
}

// loopRelay hands every published delivery to each attached router, the way a
// shared pub/sub channel would.
type loopRelay struct {
	mu      sync.Mutex
	routers []*Router
}

func (l *loopRelay) Publish(_ context.Context, d Delivery) error {
	l.mu.Lock()
	routers := append([]*Router(nil), l.routers...)
	l.mu.Unlock()
	for _, r := range routers {
		r.ApplyRemote(d)
	}
	return nil
}

func TestManager_RemoveUserAcrossNodes(t *testing.T) {
	relay := &loopRelay{}
	ma, fa := newTestManager(t, time.Minute)
	mb, fb := newTestManager(t, time.Minute)
	fa.router.SetRelay(relay, "node-a")
	fb.router.SetRelay(relay, "node-b")
	relay.routers = []*Router{fa.router, fb.router}
	startPublisher(t, fa.router)
	startPublisher(t, fb.router)

	onA := mustBind(t, ma, "a1", "alice")
	onB := mustBind(t, mb, "a2", "alice")

	if n := ma.RemoveUser("alice"); n != 1 {
		t.Fatalf("expected 1 local removal, got %d", n)
	}
	if onA.State() != StateDisconnected {
		t.Fatalf("local connection should be closed, got %s", onA.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for onB.State() != StateDisconnected {
		if time.Now().After(deadline) {
			t.Fatalf("remote connection still %s", onB.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := fb.presence.ConnectionsOf("alice"); len(got) != 0 {
		t.Fatalf("alice still present on node-b: %d", len(got))
	}
}
