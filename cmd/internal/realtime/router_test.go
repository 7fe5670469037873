package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"parley/cmd/internal/chat"
	v1 "parley/shared/contracts/realtime/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type routerFixture struct {
	hub      *Hub
	presence *Presence
	router   *Router
	metrics  *Metrics
	reg      *prometheus.Registry
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	log := discardLogger()
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	hub := NewHub(log)
	presence := NewPresence()
	return routerFixture{
		hub:      hub,
		presence: presence,
		router:   NewRouter(log, hub, presence, metrics),
		metrics:  metrics,
		reg:      reg,
	}
}

// counterValue reads one labelled series from the registry.
func counterValue(t *testing.T, reg *prometheus.Registry, name, labelValue string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == labelValue {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// connect attaches and registers a client the way Manager.Bind does, without the broadcast.
func (f routerFixture) connect(id, userID string, queue int) *Client {
	c := NewClient(id, userID, queue)
	f.hub.Attach(c)
	if userID != "" {
		f.presence.Register(userID, c)
	}
	return c
}

func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func recvType(t *testing.T, c *Client, typ string) v1.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.Send:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("%s: no %q envelope", c.ID, typ)
			return v1.Envelope{}
		}
	}
}

func types(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func sampleMessage() chat.Message {
	return chat.Message{
		ID:         "01HZX0000000000000000000MS",
		SenderID:   "alice",
		ReceiverID: "bob",
		Text:       "hi",
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRouter_MessageCreatedFansOutToAllDevices(t *testing.T) {
	f := newRouterFixture(t)

	aliceWeb := f.connect("a1", "alice", 8)
	alicePhone := f.connect("a2", "alice", 8)
	bobWeb := f.connect("b1", "bob", 8)
	bobPhone := f.connect("b2", "bob", 8)
	carol := f.connect("c1", "carol", 8)
	anon := f.connect("x1", "", 8)

	f.router.MessageCreated(context.Background(), chat.MessageView{Message: sampleMessage()}, aliceWeb.ID)

	for _, c := range []*Client{alicePhone, bobWeb, bobPhone} {
		got := drain(c)
		if len(got) != 1 || got[0].Type != v1.TypeMessageNew {
			t.Fatalf("%s: expected one message_new, got %v", c.ID, types(got))
		}
		var m v1.Message
		if err := json.Unmarshal(got[0].Payload, &m); err != nil || m.Text != "hi" {
			t.Fatalf("%s: bad payload %s (%v)", c.ID, got[0].Payload, err)
		}
	}
	for _, c := range []*Client{aliceWeb, carol, anon} {
		if got := drain(c); len(got) != 0 {
			t.Fatalf("%s: expected nothing, got %v", c.ID, types(got))
		}
	}
}

func TestRouter_DeliverDeduplicatesTargets(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("a1", "alice", 8)

	env, err := newEnvelope(v1.TypeTypingStart, v1.TypingPayload{From: "bob"}, time.Now())
	if err != nil {
		t.Fatalf("newEnvelope: %v", err)
	}
	if n := f.router.Deliver(env, []string{"alice", "alice", ""}, ""); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	if got := len(drain(c)); got != 1 {
		t.Fatalf("expected 1 envelope, got %d", got)
	}
}

func TestRouter_SelfMessageReachesOtherDevicesOnce(t *testing.T) {
	f := newRouterFixture(t)
	a1 := f.connect("a1", "alice", 8)
	a2 := f.connect("a2", "alice", 8)

	m := sampleMessage()
	m.ReceiverID = "alice"
	f.router.ReactionChanged(context.Background(), m)

	if len(drain(a1)) != 1 || len(drain(a2)) != 1 {
		t.Fatalf("each device should get exactly one event")
	}
}

func TestRouter_SeenReceiptsScopedToParticipants(t *testing.T) {
	f := newRouterFixture(t)
	bob := f.connect("b1", "bob", 8)
	alice := f.connect("a1", "alice", 8)
	carol := f.connect("c1", "carol", 8)
	dave := f.connect("d1", "dave", 8)

	fromAlice := sampleMessage()
	fromCarol := sampleMessage()
	fromCarol.ID = "01HZX0000000000000000000M2"
	fromCarol.SenderID = "carol"

	at := time.Now().UTC()
	f.router.MessagesSeen(context.Background(), "bob", []chat.Message{fromAlice, fromCarol}, at)

	if got := drain(bob); len(got) != 2 {
		t.Fatalf("reader should see one receipt per conversation, got %v", types(got))
	}

	for _, tc := range []struct {
		c   *Client
		ids []string
	}{
		{alice, []string{fromAlice.ID}},
		{carol, []string{fromCarol.ID}},
	} {
		got := drain(tc.c)
		if len(got) != 1 || got[0].Type != v1.TypeMessageSeen {
			t.Fatalf("%s: expected one receipt, got %v", tc.c.ID, types(got))
		}
		var p v1.MessageSeenPayload
		if err := json.Unmarshal(got[0].Payload, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.By != "bob" || len(p.MessageIDs) != 1 || p.MessageIDs[0] != tc.ids[0] {
			t.Fatalf("%s: unexpected receipt %+v", tc.c.ID, p)
		}
	}
	if got := drain(dave); len(got) != 0 {
		t.Fatalf("outsider received %v", types(got))
	}
}

func TestRouter_ConversationClearedGoesToOtherDevicesOnly(t *testing.T) {
	f := newRouterFixture(t)
	a1 := f.connect("a1", "alice", 8)
	a2 := f.connect("a2", "alice", 8)
	bob := f.connect("b1", "bob", 8)

	f.router.ConversationCleared(context.Background(), chat.Actor{UserID: "alice", ConnectionID: "a1"}, "bob", 3)

	if len(drain(a1)) != 0 || len(drain(bob)) != 0 {
		t.Fatalf("origin device and peer must not be notified")
	}
	got := drain(a2)
	if len(got) != 1 || got[0].Type != v1.TypeConversationCleared {
		t.Fatalf("expected conversation_cleared on a2, got %v", types(got))
	}
}

func TestRouter_FullQueueDropsWithoutBlocking(t *testing.T) {
	f := newRouterFixture(t)
	slow := f.connect("b1", "bob", 1)
	fast := f.connect("b2", "bob", 8)

	m := sampleMessage()
	for i := 0; i < 3; i++ {
		f.router.MessageEdited(context.Background(), m)
	}

	if got := len(drain(slow)); got != 1 {
		t.Fatalf("slow client should keep 1 envelope, got %d", got)
	}
	if got := len(drain(fast)); got != 3 {
		t.Fatalf("fast client should get 3, got %d", got)
	}
	if got := counterValue(t, f.reg, "parley_realtime_events_dropped_total", v1.TypeMessageEdited); got != 2 {
		t.Fatalf("expected 2 drops recorded, got %v", got)
	}
}

func TestRouter_ClosedClientIsSkipped(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("b1", "bob", 8)
	c.Close()

	f.router.MessageDeleted(context.Background(), sampleMessage())
	if got := len(drain(c)); got != 0 {
		t.Fatalf("closed client received %d envelopes", got)
	}
}

func TestRouter_BroadcastPresenceIncludesAnonymous(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("a1", "alice", 8)
	anon := f.connect("x1", "", 8)

	f.router.BroadcastPresence()

	env := recvType(t, anon, v1.TypePresenceSnapshot)
	var p v1.PresenceSnapshotPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.Users) != 1 || p.Users[0].UserID != "alice" {
		t.Fatalf("unexpected snapshot: %+v", p)
	}
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []Delivery
	err  error
	// stall, when set, holds every Publish until the context ends.
	stall bool
}

func (r *fakeRelay) Publish(ctx context.Context, d Delivery) error {
	if r.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, d)
	return nil
}

func (r *fakeRelay) snapshot() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.sent...)
}

// waitSent polls until the relay has published n deliveries.
func waitSent(t *testing.T, r *fakeRelay, n int) []Delivery {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := r.snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d relayed deliveries, got %d", n, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startPublisher(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.RunRelayPublisher(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRouter_RelayForwardsAndIgnoresOwnNode(t *testing.T) {
	f := newRouterFixture(t)
	relay := &fakeRelay{}
	f.router.SetRelay(relay, "node-a")
	startPublisher(t, f.router)
	bob := f.connect("b1", "bob", 8)

	f.router.MessageEdited(context.Background(), sampleMessage())
	sent := waitSent(t, relay, 1)
	if len(sent) != 1 || sent[0].Node != "node-a" || len(sent[0].Targets) != 2 {
		t.Fatalf("unexpected relay traffic: %+v", sent)
	}
	drain(bob)

	f.router.ApplyRemote(sent[0])
	if got := len(drain(bob)); got != 0 {
		t.Fatalf("own deliveries must not be replayed, got %d", got)
	}

	remote := sent[0]
	remote.Node = "node-b"
	f.router.ApplyRemote(remote)
	if got := len(drain(bob)); got != 1 {
		t.Fatalf("remote delivery should reach bob, got %d", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(relay.snapshot()); got != 1 {
		t.Fatalf("remote deliveries must not be republished, got %d", got)
	}
	if got := counterValue(t, f.reg, "parley_realtime_relay_messages_total", "out"); got != 1 {
		t.Fatalf("relay out=%v want 1", got)
	}
}

func TestRouter_RelayFailureDoesNotBlockLocalDelivery(t *testing.T) {
	f := newRouterFixture(t)
	f.router.SetRelay(&fakeRelay{err: errors.New("redis down")}, "node-a")
	startPublisher(t, f.router)
	bob := f.connect("b1", "bob", 8)

	f.router.MessageEdited(context.Background(), sampleMessage())
	if got := len(drain(bob)); got != 1 {
		t.Fatalf("expected local delivery, got %d", got)
	}
}

func TestRouter_StalledRelayDoesNotBlockCallers(t *testing.T) {
	f := newRouterFixture(t)
	f.router.SetRelay(&fakeRelay{stall: true}, "node-a")
	startPublisher(t, f.router)
	bob := f.connect("b1", "bob", 8)

	start := time.Now()
	for i := 0; i < 3; i++ {
		f.router.MessageEdited(context.Background(), sampleMessage())
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("fan-out waited on the relay for %s", elapsed)
	}
	if got := len(drain(bob)); got != 3 {
		t.Fatalf("expected 3 local deliveries, got %d", got)
	}
}

func TestRouter_RelayQueueFullDrops(t *testing.T) {
	f := newRouterFixture(t)
	f.router.SetRelay(&fakeRelay{}, "node-a")
	f.router.relayOut = make(chan Delivery, 1)
	bob := f.connect("b1", "bob", 8)

	f.router.MessageEdited(context.Background(), sampleMessage())
	f.router.MessageEdited(context.Background(), sampleMessage())

	if got := len(drain(bob)); got != 2 {
		t.Fatalf("local delivery must not depend on the relay queue, got %d", got)
	}
	if got := counterValue(t, f.reg, "parley_realtime_relay_messages_total", "dropped"); got != 1 {
		t.Fatalf("relay dropped=%v want 1", got)
	}
	if got := len(f.router.relayOut); got != 1 {
		t.Fatalf("expected 1 queued delivery, got %d", got)
	}
}

func TestRouter_RemoteRemoveUser(t *testing.T) {
	f := newRouterFixture(t)
	relay := &fakeRelay{}
	f.router.SetRelay(relay, "node-a")
	startPublisher(t, f.router)

	var removed []string
	f.router.onRemoveUser = func(userID string) int {
		removed = append(removed, userID)
		return 1
	}

	f.router.RemoveUserRemote("alice")
	sent := waitSent(t, relay, 1)
	if sent[0].RemoveUser != "alice" || sent[0].Node != "node-a" || len(sent[0].Targets) != 0 {
		t.Fatalf("unexpected control delivery: %+v", sent[0])
	}

	f.router.ApplyRemote(sent[0])
	if len(removed) != 0 {
		t.Fatalf("own removal must not be reapplied: %v", removed)
	}

	remote := sent[0]
	remote.Node = "node-b"
	f.router.ApplyRemote(remote)
	if len(removed) != 1 || removed[0] != "alice" {
		t.Fatalf("expected remote removal of alice, got %v", removed)
	}
}
