package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

var (
	// ErrNotBound is returned for user-scoped actions on an anonymous connection.
	ErrNotBound = errors.New("realtime: connection has no bound user")
	// ErrInvalidTarget is returned for typing signals without a usable target.
	ErrInvalidTarget = errors.New("realtime: invalid typing target")
)

// Manager drives connection lifecycle: binding to presence, disconnect cleanup,
// typing state and presence broadcasts.
type Manager struct {
	log      *slog.Logger
	hub      *Hub
	presence *Presence
	router   *Router
	metrics  *Metrics
	typing   *typingTracker
}

// ManagerConfig wires the Manager's collaborators.
type ManagerConfig struct {
	Log       *slog.Logger
	Hub       *Hub
	Presence  *Presence
	Router    *Router
	Metrics   *Metrics
	TypingTTL time.Duration
}

// NewManager constructs a Manager. Hub, Presence and Router are required.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Hub == nil || cfg.Presence == nil || cfg.Router == nil {
		return nil, errors.New("realtime: manager requires hub, presence and router")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:      log,
		hub:      cfg.Hub,
		presence: cfg.Presence,
		router:   cfg.Router,
		metrics:  cfg.Metrics,
	}
	m.typing = newTypingTracker(cfg.TypingTTL, func(from, to string) {
		m.log.Debug("typing.expire", "from", from, "to", to)
		m.router.Typing(v1.TypeTypingStop, from, to)
	})
	m.router.onRemoveUser = m.removeLocal
	return m, nil
}

// Bind attaches c to the live set and, when it carries a user, registers it in
// presence. Every live connection then receives a fresh presence snapshot.
// It reports false when c is not in the Connecting state or its id is taken.
func (m *Manager) Bind(c *Client) bool {
	if c == nil || c.State() != StateConnecting {
		return false
	}
	if !m.hub.Attach(c) {
		return false
	}

	next := StateAnonymous
	if !c.Anonymous() {
		next = StateBound
	}
	if !c.transition(StateConnecting, next) {
		m.hub.Detach(c)
		return false
	}
	if next == StateBound {
		m.presence.Register(c.UserID, c)
	}
	m.refreshGauges()

	m.log.Info("conn.bind", "conn_id", c.ID, "user_id", c.UserID, "state", next.String())
	m.router.BroadcastPresence()
	return true
}

// Disconnect tears c down. It is idempotent: only the first call does any work
// and reports true.
func (m *Manager) Disconnect(c *Client, reason string) bool {
	if c == nil {
		return false
	}
	prev := c.State()
	for prev != StateDisconnected {
		if c.transition(prev, StateDisconnected) {
			break
		}
		prev = c.State()
	}
	if prev == StateDisconnected {
		return false
	}

	m.hub.Detach(c)
	offline := false
	if prev == StateBound {
		offline = m.presence.Unregister(c.UserID, c)
	}
	if from, to, ok := m.typing.drop(c.ID); ok {
		m.router.Typing(v1.TypeTypingStop, from, to)
	}
	c.Close()
	m.refreshGauges()

	m.log.Info("conn.disconnect",
		"conn_id", c.ID,
		"user_id", c.UserID,
		"reason", reason,
		"offline", offline,
		"duration", time.Since(c.ConnectedAt).String(),
	)
	if offline {
		m.router.BroadcastPresence()
	}
	return true
}

// RemoveUser force-disconnects every connection of userID on this node and,
// when a relay is configured, on every other node. It returns the number of
// connections closed here; zero is not an error.
func (m *Manager) RemoveUser(userID string) int {
	n := m.removeLocal(userID)
	m.router.RemoveUserRemote(userID)
	return n
}

func (m *Manager) removeLocal(userID string) int {
	conns := m.presence.RemoveUser(userID)
	if len(conns) == 0 {
		return 0
	}
	for _, c := range conns {
		c.transition(StateBound, StateDisconnected)
		m.hub.Detach(c)
		if from, to, ok := m.typing.drop(c.ID); ok {
			m.router.Typing(v1.TypeTypingStop, from, to)
		}
		c.Close()
	}
	m.refreshGauges()

	m.log.Info("presence.remove_user", "user_id", userID, "conns", len(conns))
	m.router.BroadcastPresence()
	return len(conns)
}

// TypingStart relays a typing indicator from c's user to "to" and arms the idle TTL.
func (m *Manager) TypingStart(c *Client, to string) error {
	if err := m.checkTyping(c, to); err != nil {
		return err
	}
	if prev := m.typing.start(c.ID, c.UserID, to); prev != "" {
		m.router.Typing(v1.TypeTypingStop, c.UserID, prev)
	}
	m.router.Typing(v1.TypeTypingStart, c.UserID, to)
	return nil
}

// TypingStop relays an explicit stop from c's user to "to".
func (m *Manager) TypingStop(c *Client, to string) error {
	if err := m.checkTyping(c, to); err != nil {
		return err
	}
	m.typing.stop(c.ID, to)
	m.router.Typing(v1.TypeTypingStop, c.UserID, to)
	return nil
}

// ClearTyping drops any indicator from "from" to "to" after a message was sent.
func (m *Manager) ClearTyping(from, to string) {
	if m.typing.clearPair(from, to) {
		m.router.Typing(v1.TypeTypingStop, from, to)
	}
}

// RunResync rebroadcasts the presence snapshot every interval until ctx ends.
// A non-positive interval disables it.
func (m *Manager) RunResync(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.router.BroadcastPresence()
		}
	}
}

func (m *Manager) checkTyping(c *Client, to string) error {
	if c == nil || c.State() != StateBound {
		return ErrNotBound
	}
	if to == "" || to == c.UserID || len(to) > 128 {
		return ErrInvalidTarget
	}
	return nil
}

func (m *Manager) refreshGauges() {
	m.metrics.setGauges(m.presence.Count(), m.hub.Len())
}
