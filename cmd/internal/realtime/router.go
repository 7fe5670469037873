package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"parley/cmd/internal/chat"
	v1 "parley/shared/contracts/realtime/v1"
)

const (
	relayQueueSize      = 1024
	relayPublishTimeout = 2 * time.Second
)

// Relay forwards targeted deliveries to other nodes.
type Relay interface {
	Publish(ctx context.Context, d Delivery) error
}

// Delivery is one targeted fan-out: env goes to every live connection of each
// target user except the connection named by Exclude. A Delivery with
// RemoveUser set is a control message and carries no envelope.
type Delivery struct {
	Node       string      `json:"node"`
	Env        v1.Envelope `json:"env"`
	Targets    []string    `json:"targets,omitempty"`
	Exclude    string      `json:"exclude,omitempty"`
	RemoveUser string      `json:"remove_user,omitempty"`
}

// Router turns committed changes into envelopes and fans them out through Presence.
// It implements chat.Notifier.
type Router struct {
	log      *slog.Logger
	hub      *Hub
	presence *Presence
	metrics  *Metrics

	relay    Relay
	relayOut chan Delivery
	nodeID   string

	// onRemoveUser applies a relayed admin removal on this node.
	onRemoveUser func(userID string) int

	now func() time.Time
}

// NewRouter constructs a Router.
func NewRouter(log *slog.Logger, hub *Hub, presence *Presence, metrics *Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		hub:      hub,
		presence: presence,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetRelay enables cross-node forwarding. Must be called before serving traffic.
// Outbound deliveries queue until RunRelayPublisher drains them.
func (r *Router) SetRelay(relay Relay, nodeID string) {
	r.relay = relay
	r.relayOut = make(chan Delivery, relayQueueSize)
	r.nodeID = nodeID
}

// RunRelayPublisher publishes queued deliveries in order until ctx ends.
// Each publish gets its own deadline so a stalled relay only holds the queue.
func (r *Router) RunRelayPublisher(ctx context.Context) {
	if r.relay == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.relayOut:
			pctx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
			err := r.relay.Publish(pctx, d)
			cancel()
			if err != nil {
				r.log.Warn("router.relay.publish.fail", "type", d.Env.Type, "remove_user", d.RemoveUser, "err", err)
				continue
			}
			r.metrics.relay("out")
		}
	}
}

// forward queues d for the relay without blocking; a full queue drops it.
func (r *Router) forward(d Delivery) {
	if r.relay == nil {
		return
	}
	d.Node = r.nodeID
	select {
	case r.relayOut <- d:
	default:
		r.metrics.relay("dropped")
		r.log.Warn("router.relay.queue.full", "type", d.Env.Type, "remove_user", d.RemoveUser)
	}
}

// Deliver pushes env to every live connection of each target (deduplicated),
// skipping the connection whose id equals exclude, and queues it for the relay.
// It returns the number of connections the envelope was queued to on this node.
func (r *Router) Deliver(env v1.Envelope, targets []string, exclude string) int {
	n := r.DeliverLocal(env, targets, exclude)
	r.forward(Delivery{Env: env, Targets: targets, Exclude: exclude})
	return n
}

// RemoveUserRemote asks every other node to force-disconnect userID.
func (r *Router) RemoveUserRemote(userID string) {
	if userID == "" {
		return
	}
	r.forward(Delivery{RemoveUser: userID})
}

// DeliverLocal is Deliver without relay forwarding.
func (r *Router) DeliverLocal(env v1.Envelope, targets []string, exclude string) int {
	var (
		delivered int
		dropped   int
		seenUser  = make(map[string]struct{}, len(targets))
		seenConn  = make(map[string]struct{}, 4)
	)
	for _, uid := range targets {
		if uid == "" {
			continue
		}
		if _, dup := seenUser[uid]; dup {
			continue
		}
		seenUser[uid] = struct{}{}

		for _, c := range r.presence.ConnectionsOf(uid) {
			if c.ID == exclude {
				continue
			}
			if _, dup := seenConn[c.ID]; dup {
				continue
			}
			seenConn[c.ID] = struct{}{}
			if c.trySend(env) {
				delivered++
			} else {
				dropped++
			}
		}
	}
	r.metrics.deliveries(env.Type, delivered, dropped)
	if dropped > 0 {
		r.log.Debug("router.deliver.drop", "type", env.Type, "dropped", dropped)
	}
	return delivered
}

// ApplyRemote delivers a relayed Delivery from another node.
func (r *Router) ApplyRemote(d Delivery) {
	if d.Node == r.nodeID {
		return
	}
	r.metrics.relay("in")
	if d.RemoveUser != "" {
		if r.onRemoveUser != nil {
			r.onRemoveUser(d.RemoveUser)
		}
		return
	}
	r.DeliverLocal(d.Env, d.Targets, d.Exclude)
}

// BroadcastPresence sends the current presence snapshot to every live connection.
func (r *Router) BroadcastPresence() {
	snap := r.presence.Snapshot()
	users := make([]v1.PresenceEntry, 0, len(snap))
	for _, e := range snap {
		users = append(users, v1.PresenceEntry{UserID: e.UserID, OnlineSince: e.OnlineSince})
	}
	env, ok := r.envelope(v1.TypePresenceSnapshot, v1.PresenceSnapshotPayload{Users: users})
	if !ok {
		return
	}
	delivered, dropped := r.hub.Broadcast(env)
	r.metrics.deliveries(env.Type, delivered, dropped)
}

// Typing routes a typing_start / typing_stop from "from" to "to" only.
func (r *Router) Typing(typ, from, to string) {
	env, ok := r.envelope(typ, v1.TypingPayload{From: from})
	if !ok {
		return
	}
	r.Deliver(env, []string{to}, "")
}

// ---- chat.Notifier ----

func (r *Router) MessageCreated(_ context.Context, m chat.MessageView, originConnID string) {
	env, ok := r.envelope(v1.TypeMessageNew, chat.WireMessage(m))
	if !ok {
		return
	}
	r.Deliver(env, []string{m.ReceiverID, m.SenderID}, originConnID)
}

func (r *Router) ReactionChanged(_ context.Context, m chat.Message) {
	env, ok := r.envelope(v1.TypeMessageReaction, v1.MessageReactionPayload{
		MessageID: m.ID,
		Reactions: chat.WireReactions(m),
		UpdatedAt: m.UpdatedAt,
	})
	if !ok {
		return
	}
	r.Deliver(env, []string{m.ReceiverID, m.SenderID}, "")
}

func (r *Router) MessageEdited(_ context.Context, m chat.Message) {
	p := v1.MessageEditedPayload{MessageID: m.ID, Text: m.Text, Edited: m.Edited, UpdatedAt: m.UpdatedAt}
	if m.EditedAt != nil {
		p.EditedAt = *m.EditedAt
	}
	env, ok := r.envelope(v1.TypeMessageEdited, p)
	if !ok {
		return
	}
	r.Deliver(env, []string{m.ReceiverID, m.SenderID}, "")
}

func (r *Router) MessageDeleted(_ context.Context, m chat.Message) {
	env, ok := r.envelope(v1.TypeMessageDeleted, v1.MessageDeletedPayload{MessageID: m.ID, Text: m.Text, UpdatedAt: m.UpdatedAt})
	if !ok {
		return
	}
	r.Deliver(env, []string{m.ReceiverID, m.SenderID}, "")
}

// MessagesSeen emits one receipt per conversation touched by the batch, addressed
// to the reader and the other participant only.
func (r *Router) MessagesSeen(_ context.Context, readerID string, msgs []chat.Message, at time.Time) {
	byPeer := make(map[string][]string)
	for _, m := range msgs {
		peer := m.Peer(readerID)
		byPeer[peer] = append(byPeer[peer], m.ID)
	}
	peers := make([]string, 0, len(byPeer))
	for p := range byPeer {
		peers = append(peers, p)
	}
	sort.Strings(peers)

	for _, peer := range peers {
		env, ok := r.envelope(v1.TypeMessageSeen, v1.MessageSeenPayload{
			MessageIDs: byPeer[peer],
			By:         readerID,
			SeenAt:     at,
		})
		if !ok {
			continue
		}
		r.Deliver(env, []string{readerID, peer}, "")
	}
}

func (r *Router) ConversationCleared(_ context.Context, actor chat.Actor, otherUserID string, hidden int) {
	env, ok := r.envelope(v1.TypeConversationCleared, v1.ConversationClearedPayload{
		WithUserID: otherUserID,
		Hidden:     hidden,
	})
	if !ok {
		return
	}
	r.Deliver(env, []string{actor.UserID}, actor.ConnectionID)
}

func (r *Router) envelope(typ string, payload any) (v1.Envelope, bool) {
	env, err := newEnvelope(typ, payload, r.now())
	if err != nil {
		r.log.Error("router.envelope.fail", "type", typ, "err", err)
		return v1.Envelope{}, false
	}
	return env, true
}

// newEnvelope builds a server envelope with a fresh ULID id.
func newEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	id, err := NewEnvelopeID(ts)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}, nil
}

var _ chat.Notifier = (*Router)(nil)
