// Package v1 defines the Parley Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated on /ws.
const Subprotocol = "parley.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server). Optional: the server
	// binds identity at upgrade time and answers hello with the current binding.
	TypeHello = "hello"
	// TypeHelloAck carries the connection id and bound user (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeTypingStart / TypeTypingStop are sent by the client with {to} and relayed
	// to the target user with {from}.
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"

	// TypeMessageSeen is a read acknowledgement (client -> server) and the resulting
	// receipt (server -> conversation participants).
	TypeMessageSeen = "message_seen"

	// TypeLogout asks the server to end this connection (client -> server).
	TypeLogout = "logout"

	// TypePresenceSnapshot lists every online user (server -> all connections).
	TypePresenceSnapshot = "presence_snapshot"

	// Message state events (server -> participants).
	TypeMessageNew          = "message_new"
	TypeMessageReaction     = "message_reaction"
	TypeMessageEdited       = "message_edited"
	TypeMessageDeleted      = "message_deleted"
	TypeConversationCleared = "conversation_cleared"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeTypingStart,
		TypeTypingStop,
		TypeMessageSeen,
		TypeLogout,
		TypePresenceSnapshot,
		TypeMessageNew,
		TypeMessageReaction,
		TypeMessageEdited,
		TypeMessageDeleted,
		TypeConversationCleared,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to confirm the session binding.
type HelloPayload struct{}

// HelloAckPayload reports the server-side connection id and bound user (empty when anonymous).
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id,omitempty"`
}

// TypingSignalPayload is sent by the client: who the typing is addressed to.
type TypingSignalPayload struct {
	To string `json:"to"`
}

// TypingPayload is delivered to the typing target.
type TypingPayload struct {
	From string `json:"from"`
}

// MessageSeenSignalPayload is a client read acknowledgement.
type MessageSeenSignalPayload struct {
	MessageIDs []string `json:"message_ids"`
}

// MessageSeenPayload is the receipt delivered to conversation participants.
type MessageSeenPayload struct {
	MessageIDs []string  `json:"message_ids"`
	By         string    `json:"by"`
	SeenAt     time.Time `json:"seen_at"`
}

// PresenceEntry is a single online user.
type PresenceEntry struct {
	UserID      string    `json:"user_id"`
	OnlineSince time.Time `json:"online_since"`
}

// PresenceSnapshotPayload lists every online user at a point in time.
type PresenceSnapshotPayload struct {
	Users []PresenceEntry `json:"users"`
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// ReplyPreview is a minimal view of the message being replied to.
type ReplyPreview struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
	Missing    bool   `json:"missing,omitempty"`
}

// Message is the full wire view of a message.
type Message struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"sender_id"`
	ReceiverID string        `json:"receiver_id"`
	Text       string        `json:"text,omitempty"`
	ImageURL   string        `json:"image_url,omitempty"`
	VideoURL   string        `json:"video_url,omitempty"`
	Reactions  []Reaction    `json:"reactions"`
	Edited     bool          `json:"edited"`
	EditedAt   *time.Time    `json:"edited_at,omitempty"`
	Deleted    bool          `json:"deleted"`
	ReplyTo    *ReplyPreview `json:"reply_to,omitempty"`
	SeenBy     []string      `json:"seen_by"`
	SeenAt     *time.Time    `json:"seen_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// MessageReactionPayload carries the full reaction list after a change.
// UpdatedAt orders state events for one message; clients drop older ones.
type MessageReactionPayload struct {
	MessageID string     `json:"message_id"`
	Reactions []Reaction `json:"reactions"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// MessageEditedPayload carries the new text of an edited message.
type MessageEditedPayload struct {
	MessageID string    `json:"message_id"`
	Text      string    `json:"text"`
	Edited    bool      `json:"edited"`
	EditedAt  time.Time `json:"edited_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageDeletedPayload identifies a tombstoned message.
type MessageDeletedPayload struct {
	MessageID string    `json:"message_id"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationClearedPayload tells a user's other devices a conversation was hidden.
type ConversationClearedPayload struct {
	WithUserID string `json:"with_user_id"`
	Hidden     int    `json:"hidden"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
