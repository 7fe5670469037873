package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"parley/cmd/identity"
	"parley/cmd/internal/chat"
	v1 "parley/shared/contracts/realtime/v1"
)

const (
	wsMinSendQueueSize = 32
	wsCloseGrace       = 1 * time.Second
	wsMaxPingFailures  = 3
)

// GatewayConfig is the socket policy of a WSGateway. Zero durations and sizes
// fall back to DefaultGatewayConfig.
type GatewayConfig struct {
	// DevInsecure disables the library origin check. Development only.
	DevInsecure bool
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	// AllowedOrigins lists full origins ("https://chat.example.com") or bare
	// hosts. "*" allows any origin.
	AllowedOrigins []string
	// RequireAuth rejects anonymous handshakes.
	RequireAuth bool

	WriteTimeout time.Duration
	// ReadIdleTimeout is how long a peer may go without any sign of life
	// (inbound frame or answered ping) once pings start failing.
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig is secure by default: an Origin is required and only
// localhost may connect.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		SendQueueSize:     256,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// SeenMarker records read acknowledgements arriving over the socket.
type SeenMarker interface {
	MarkSeen(ctx context.Context, actor chat.Actor, messageIDs []string) ([]chat.Message, error)
}

// WSGateway is the WebSocket entrypoint for Parley realtime.
//
// It enforces origin policy, resolves identity at upgrade, negotiates the
// subprotocol, rate limits, keeps heartbeats, and hands each connection to the
// lifecycle Manager. Every read loop owns exactly one Client.
type WSGateway struct {
	log      *slog.Logger
	mgr      *Manager
	resolver identity.Resolver
	seen     SeenMarker
	metrics  *Metrics

	cfg GatewayConfig

	anyOrigin    bool
	originHosts  map[string]struct{}
	originExact  map[string]struct{}
	acceptOrigin []string
}

// GatewayOption configures optional gateway collaborators.
type GatewayOption func(*WSGateway)

// WithGatewayConfig replaces the default socket policy.
func WithGatewayConfig(cfg GatewayConfig) GatewayOption {
	return func(g *WSGateway) { g.cfg = cfg }
}

// WithSeenMarker enables message_seen handling.
func WithSeenMarker(s SeenMarker) GatewayOption {
	return func(g *WSGateway) { g.seen = s }
}

// WithGatewayMetrics records rejected handshakes.
func WithGatewayMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway constructs a gateway. A nil resolver treats every connection as anonymous.
func NewWSGateway(log *slog.Logger, mgr *Manager, resolver identity.Resolver, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.Default()
	}

	g := &WSGateway{log: log, mgr: mgr, resolver: resolver, cfg: DefaultGatewayConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.cfg = g.cfg.withDefaults()

	g.originHosts = make(map[string]struct{})
	g.originExact = make(map[string]struct{})
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
		case a == "*":
			g.anyOrigin = true
		default:
			g.originExact[a] = struct{}{}
			if h := originHostOnly(a); h != "" {
				g.originHosts[h] = struct{}{}
			}
		}
	}
	// websocket.Accept runs its own origin check (same host passes, anything
	// else must match OriginPatterns). Derive the patterns so both agree.
	g.acceptOrigin = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)
	if g.anyOrigin {
		g.acceptOrigin = []string{"*"}
	}

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, client, ok := g.handshake(w, r)
	if !ok {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	s := &wsSession{g: g, conn: conn, client: client}
	s.ctx, s.cancel = context.WithCancel(r.Context())
	defer s.cancel()

	s.run()
}

// handshake runs every pre-upgrade check and accepts the socket.
func (g *WSGateway) handshake(w http.ResponseWriter, r *http.Request) (*websocket.Conn, *Client, bool) {
	if err := g.enforceOrigin(r); err != nil {
		g.metrics.reject("origin")
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil, nil, false
	}

	userID, err := g.resolveUser(r)
	if err != nil {
		g.metrics.reject("auth")
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, nil, false
	}
	if userID == "" && g.cfg.RequireAuth {
		g.metrics.reject("anonymous")
		g.log.Info("ws.reject.anonymous", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, nil, false
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.acceptOrigin,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.metrics.reject("upgrade")
		g.log.Error("ws.accept.fail", "err", err)
		return nil, nil, false
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.metrics.reject("subprotocol")
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, nil, false
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnectionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return nil, nil, false
	}
	return conn, NewClient(connID, userID, g.cfg.SendQueueSize), true
}

func (g *WSGateway) resolveUser(r *http.Request) (string, error) {
	if g.resolver == nil {
		return "", nil
	}
	return g.resolver.Resolve(r)
}

// wsSession is one accepted socket: a writer, a heartbeat and the read loop.
type wsSession struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *Client

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// lastAlive is the unix-nano time of the last inbound frame or answered ping.
	lastAlive atomic.Int64
}

func (s *wsSession) markAlive() { s.lastAlive.Store(time.Now().UnixNano()) }

func (s *wsSession) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastAlive.Load()))
}

// shutdown is idempotent. It does NOT close client.Send.
// The Manager detaches the client from presence before closing it.
func (s *wsSession) shutdown(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		s.g.mgr.Disconnect(s.client, reason)
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

func (s *wsSession) run() {
	s.markAlive()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	if !s.g.mgr.Bind(s.client) {
		s.g.log.Error("ws.bind.fail", "conn_id", s.client.ID)
		s.shutdown(websocket.StatusInternalError, "bind failed")
		<-writerDone
		return
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop()
	}()

	s.readLoop()

	s.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			// Closed from outside the read loop (administrative removal).
			s.shutdown(websocket.StatusPolicyViolation, "connection removed")
			return
		case env := <-s.client.Send:
			if err := writeEnvelope(s.ctx, s.conn, env, s.g.cfg.WriteTimeout); err != nil {
				s.g.log.Info("ws.write.fail", "conn_id", s.client.ID, "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *wsSession) heartbeatLoop() {
	t := time.NewTicker(s.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(s.ctx, s.g.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err == nil {
				failures = 0
				s.markAlive()
				continue
			}
			failures++
			idle := s.idleFor(time.Now())
			s.g.log.Info("ws.ping.fail", "conn_id", s.client.ID, "failures", failures, "idle", idle, "err", err)
			if failures >= wsMaxPingFailures || idle > s.g.cfg.ReadIdleTimeout {
				s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func (s *wsSession) readLoop() {
	rl := NewRateLimiter(s.g.cfg.RateEvents, s.g.cfg.RateWindow)

	// Liveness belongs to the heartbeat: a listen-only client sends nothing
	// but still answers pings.
	for {
		env, err := readEnvelope(s.ctx, s.conn)
		if err == nil || errors.Is(err, errBadJSON) {
			s.markAlive()
		}

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed")
			case readErrBadJSON:
				s.sendError("bad_json", "invalid JSON")
				continue
			default:
				s.g.log.Info("ws.read.fail", "conn_id", s.client.ID, "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if !rl.Allow(time.Now()) {
			s.sendError("rate_limited", "too many events")
			s.shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			s.sendError("bad_envelope", err.Error())
			continue
		}

		if !s.dispatch(env) {
			return
		}
	}
}

// dispatch handles one client event. It returns false once the session is over.
func (s *wsSession) dispatch(env v1.Envelope) bool {
	switch env.Type {
	case v1.TypeHello:
		if err := s.onHello(); err != nil {
			s.sendError("hello_failed", err.Error())
			s.shutdown(websocket.StatusPolicyViolation, "hello failed")
			return false
		}

	case v1.TypeTypingStart, v1.TypeTypingStop:
		if err := s.onTyping(env); err != nil {
			s.sendError(typingErrCode(err), err.Error())
		}

	case v1.TypeMessageSeen:
		if code, err := s.onSeen(env); err != nil {
			s.sendError(code, err.Error())
		}

	case v1.TypeLogout:
		s.shutdown(websocket.StatusNormalClosure, "logout")
		return false

	default:
		s.sendError("unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
	}
	return true
}

// ---- handlers ----

func (s *wsSession) onHello() error {
	ack, err := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		ConnectionID: s.client.ID,
		UserID:       s.client.UserID,
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	if !s.enqueue(ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (s *wsSession) onTyping(env v1.Envelope) error {
	var p v1.TypingSignalPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	to := strings.TrimSpace(p.To)
	if env.Type == v1.TypeTypingStart {
		return s.g.mgr.TypingStart(s.client, to)
	}
	return s.g.mgr.TypingStop(s.client, to)
}

func (s *wsSession) onSeen(env v1.Envelope) (string, error) {
	if s.g.seen == nil {
		return "unsupported", errors.New("read receipts are not enabled")
	}
	if s.client.Anonymous() {
		return "not_bound", ErrNotBound
	}

	var p v1.MessageSeenSignalPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "bad_payload", fmt.Errorf("invalid payload: %w", err)
	}

	actor := chat.Actor{UserID: s.client.UserID, ConnectionID: s.client.ID}
	if _, err := s.g.seen.MarkSeen(s.ctx, actor, p.MessageIDs); err != nil {
		_, code := chat.ErrorStatus(err)
		return code, errors.New(chat.PublicMessage(err))
	}
	return "", nil
}

func typingErrCode(err error) string {
	switch {
	case errors.Is(err, ErrNotBound):
		return "not_bound"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	default:
		return "bad_payload"
	}
}

func (s *wsSession) sendError(code, msg string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = s.enqueue(env)
}

func (s *wsSession) enqueue(env v1.Envelope) bool {
	if s.ctx.Err() != nil {
		return false
	}
	return s.client.trySend(env)
}

// ---- envelope IO ----

var errBadJSON = errors.New("invalid json frame")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

// enforceOrigin accepts an exact origin match or, failing that, a host match
// that ignores scheme and port.
func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if g.anyOrigin {
		return nil
	}
	if len(g.originExact) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}
	if _, ok := g.originExact[origin]; ok {
		return nil
	}
	if h := originHostOnly(origin); h != "" {
		if _, ok := g.originHosts[h]; ok {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHostOnly lowercases the host of an origin or host[:port] string.
func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted distinct hosts of
// allowed, in the form websocket.AcceptOptions.OriginPatterns expects.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
