// Command ws-smoke drives two users through a parley server and checks that
// every realtime event arrives where it should. The server must run with the
// trusted identity resolver (PARLEY_AUTH_MODE=trusted).
//
//	go run ./tools/scripts/ws-smoke.go -url ws://127.0.0.1:8080/ws -a alice -b bob
//
// Exit status is non-zero on the first failing step.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "parley/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type options struct {
	wsURL   string
	apiURL  string
	origin  string
	userA   string
	userB   string
	text    string
	timeout time.Duration
	verbose bool
}

// peer is one connected user: its socket plus a buffered feed of decoded envelopes.
type peer struct {
	label  string
	userID string
	connID string
	conn   *websocket.Conn

	feed    chan v1.Envelope
	readErr error
	done    chan struct{}
}

// run carries the state shared between steps.
type run struct {
	opt  options
	a, b *peer

	messageID string
}

type step struct {
	name string
	fn   func(r *run, ctx context.Context) error
}

var steps = []step{
	{"connect", (*run).connect},
	{"typing", (*run).typing},
	{"send", (*run).send},
	{"seen", (*run).seen},
	{"react", (*run).react},
	{"edit", (*run).edit},
	{"delete", (*run).remove},
}

func main() {
	var opt options
	flag.StringVar(&opt.wsURL, "url", "ws://127.0.0.1:8080/ws", "WebSocket endpoint")
	flag.StringVar(&opt.apiURL, "api", "http://127.0.0.1:8080/api/messages", "messages REST base")
	flag.StringVar(&opt.origin, "origin", "http://localhost", "Origin header for the handshake (empty to omit)")
	flag.StringVar(&opt.userA, "a", "alice", "sending user")
	flag.StringVar(&opt.userB, "b", "bob", "receiving user")
	flag.StringVar(&opt.text, "text", "hello from ws-smoke", "message text")
	flag.DurationVar(&opt.timeout, "timeout", 7*time.Second, "per-step timeout")
	flag.BoolVar(&opt.verbose, "v", false, "print every step")
	flag.Parse()

	if err := opt.validate(); err != nil {
		fail("flags", err)
	}

	r := &run{opt: opt}
	defer r.close()

	for _, s := range steps {
		ctx, cancel := context.WithTimeout(context.Background(), opt.timeout)
		err := s.fn(r, ctx)
		cancel()
		if err != nil {
			fail(s.name, err)
		}
		if opt.verbose {
			fmt.Printf("ok   %s\n", s.name)
		}
	}

	fmt.Printf("OK: %s(%s) -> %s(%s) message=%s\n", r.a.userID, r.a.connID, r.b.userID, r.b.connID, r.messageID)
}

func (o options) validate() error {
	u, err := url.Parse(o.wsURL)
	if err != nil {
		return fmt.Errorf("-url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("-url: scheme %q is not ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("-url: missing host")
	}
	if o.origin != "" {
		ou, err := url.Parse(o.origin)
		if err != nil || (ou.Scheme != "http" && ou.Scheme != "https") || ou.Host == "" {
			return fmt.Errorf("-origin: %q is not an http(s) origin", o.origin)
		}
	}
	if o.userA == "" || o.userB == "" || o.userA == o.userB {
		return errors.New("-a and -b must be two different users")
	}
	return nil
}

func (r *run) connect(ctx context.Context) error {
	var err error
	if r.a, err = r.dial(ctx, "A", r.opt.userA); err != nil {
		return err
	}
	r.b, err = r.dial(ctx, "B", r.opt.userB)
	return err
}

func (r *run) dial(ctx context.Context, label, userID string) (*peer, error) {
	u, _ := url.Parse(r.opt.wsURL)
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	hdr := http.Header{}
	if r.opt.origin != "" {
		hdr.Set("Origin", r.opt.origin)
	}
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", label, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("dial %s: negotiated subprotocol %q", label, got)
	}
	conn.SetReadLimit(1 << 20)

	p := &peer{
		label:  label,
		userID: userID,
		conn:   conn,
		feed:   make(chan v1.Envelope, 256),
		done:   make(chan struct{}),
	}
	go p.pump()

	if err := p.send(ctx, v1.TypeHello, v1.HelloPayload{}); err != nil {
		return nil, err
	}
	var ack v1.HelloAckPayload
	if err := p.await(ctx, v1.TypeHelloAck, &ack); err != nil {
		return nil, err
	}
	if ack.ConnectionID == "" {
		return nil, fmt.Errorf("%s: hello_ack without connection_id", label)
	}
	if ack.UserID != userID {
		return nil, fmt.Errorf("%s: bound to %q, want %q (is the server in trusted mode?)", label, ack.UserID, userID)
	}
	p.connID = ack.ConnectionID
	return p, nil
}

func (r *run) typing(ctx context.Context) error {
	for _, typ := range []string{v1.TypeTypingStart, v1.TypeTypingStop} {
		if err := r.a.send(ctx, typ, v1.TypingSignalPayload{To: r.b.userID}); err != nil {
			return err
		}
		var got v1.TypingPayload
		if err := r.b.await(ctx, typ, &got); err != nil {
			return err
		}
		if got.From != r.a.userID {
			return fmt.Errorf("%s from %q, want %q", typ, got.From, r.a.userID)
		}
	}
	return nil
}

func (r *run) send(ctx context.Context) error {
	var out struct {
		Message v1.Message `json:"message"`
	}
	path := "/send/" + url.PathEscape(r.b.userID)
	if err := r.rest(ctx, r.a, http.MethodPost, path, map[string]string{"text": r.opt.text}, http.StatusCreated, &out); err != nil {
		return err
	}
	if out.Message.ID == "" {
		return errors.New("send response without message id")
	}
	r.messageID = out.Message.ID

	var got v1.Message
	if err := r.b.await(ctx, v1.TypeMessageNew, &got); err != nil {
		return err
	}
	switch {
	case got.ID != r.messageID:
		return fmt.Errorf("message_new id %q, want %q", got.ID, r.messageID)
	case got.SenderID != r.a.userID || got.ReceiverID != r.b.userID:
		return fmt.Errorf("message_new routed %s->%s", got.SenderID, got.ReceiverID)
	case got.Text != r.opt.text:
		return fmt.Errorf("message_new text %q", got.Text)
	case got.CreatedAt.IsZero():
		return errors.New("message_new without created_at")
	}
	return nil
}

func (r *run) seen(ctx context.Context) error {
	if err := r.b.send(ctx, v1.TypeMessageSeen, v1.MessageSeenSignalPayload{MessageIDs: []string{r.messageID}}); err != nil {
		return err
	}
	var got v1.MessageSeenPayload
	if err := r.a.await(ctx, v1.TypeMessageSeen, &got); err != nil {
		return err
	}
	if got.By != r.b.userID || len(got.MessageIDs) != 1 || got.MessageIDs[0] != r.messageID {
		return fmt.Errorf("unexpected receipt %+v", got)
	}
	return nil
}

func (r *run) react(ctx context.Context) error {
	path := "/react/" + url.PathEscape(r.messageID)
	if err := r.rest(ctx, r.b, http.MethodPost, path, map[string]string{"emoji": "👍"}, http.StatusOK, nil); err != nil {
		return err
	}
	var got v1.MessageReactionPayload
	if err := r.a.await(ctx, v1.TypeMessageReaction, &got); err != nil {
		return err
	}
	if got.MessageID != r.messageID || len(got.Reactions) != 1 || got.Reactions[0].UserID != r.b.userID {
		return fmt.Errorf("unexpected reactions %+v", got)
	}
	return nil
}

func (r *run) edit(ctx context.Context) error {
	text := r.opt.text + " (edited)"
	path := "/edit/" + url.PathEscape(r.messageID)
	if err := r.rest(ctx, r.a, http.MethodPut, path, map[string]string{"text": text}, http.StatusOK, nil); err != nil {
		return err
	}
	var got v1.MessageEditedPayload
	if err := r.b.await(ctx, v1.TypeMessageEdited, &got); err != nil {
		return err
	}
	if got.MessageID != r.messageID || got.Text != text || !got.Edited {
		return fmt.Errorf("unexpected edit %+v", got)
	}
	return nil
}

func (r *run) remove(ctx context.Context) error {
	path := "/delete/" + url.PathEscape(r.messageID)
	if err := r.rest(ctx, r.a, http.MethodDelete, path, nil, http.StatusOK, nil); err != nil {
		return err
	}
	var got v1.MessageDeletedPayload
	if err := r.b.await(ctx, v1.TypeMessageDeleted, &got); err != nil {
		return err
	}
	if got.MessageID != r.messageID {
		return fmt.Errorf("message_deleted for %q", got.MessageID)
	}
	return nil
}

// rest calls the messages API as p, tagging the request with p's connection id.
func (r *run) rest(ctx context.Context, p *peer, method, path string, body any, wantStatus int, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(r.opt.apiURL, "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-ID", p.userID)
	req.Header.Set("X-Connection-ID", p.connID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != wantStatus {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *run) close() {
	for _, p := range []*peer{r.a, r.b} {
		if p != nil {
			_ = p.conn.Close(websocket.StatusNormalClosure, "smoke done")
		}
	}
}

// pump decodes frames into feed until the socket fails.
func (p *peer) pump() {
	defer close(p.done)
	for {
		_, data, err := p.conn.Read(context.Background())
		if err != nil {
			p.readErr = err
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.readErr = fmt.Errorf("undecodable frame: %w", err)
			return
		}
		if err := env.Validate(); err != nil {
			p.readErr = fmt.Errorf("invalid envelope: %w", err)
			return
		}
		select {
		case p.feed <- env:
		default:
			p.readErr = errors.New("feed overflow")
			return
		}
	}
}

func (p *peer) send(ctx context.Context, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      p.label + "-" + typ,
		TS:      time.Now().UTC(),
		Payload: raw,
	})
	if err != nil {
		return err
	}
	if err := p.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("%s: write %s: %w", p.label, typ, err)
	}
	return nil
}

// await skips unrelated events (presence snapshots, echoes of earlier steps)
// until typ arrives, and decodes its payload into out. Server errors fail fast.
func (p *peer) await(ctx context.Context, typ string, out any) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: waiting for %s: %w", p.label, typ, ctx.Err())
		case <-p.done:
			return fmt.Errorf("%s: connection lost waiting for %s: %v", p.label, typ, p.readErr)
		case env := <-p.feed:
			switch env.Type {
			case typ:
				if out == nil {
					return nil
				}
				if err := json.Unmarshal(env.Payload, out); err != nil {
					return fmt.Errorf("%s: decode %s: %w", p.label, typ, err)
				}
				return nil
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				return fmt.Errorf("%s: server error %s: %s", p.label, ep.Code, ep.Message)
			}
		}
	}
}

func fail(stepName string, err error) {
	fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", stepName, err)
	os.Exit(1)
}
