package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

// Client represents one live websocket connection.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent routers.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
// - UserID is empty for anonymous connections; they receive broadcasts but are never routing targets.
type Client struct {
	ID          string
	UserID      string
	ConnectedAt time.Time
	Send        chan v1.Envelope

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateBound
	StateAnonymous
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBound:
		return "bound"
	case StateAnonymous:
		return "anonymous"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id, userID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:          id,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		Send:        make(chan v1.Envelope, sendQueueSize),
		done:        make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

func (c *Client) transition(from, to ConnState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Anonymous reports whether no user is bound to the connection.
func (c *Client) Anonymous() bool { return c.UserID == "" }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep fan-out safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// trySend queues env without blocking. It reports false when the client is
// shutting down or its queue is full.
func (c *Client) trySend(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
