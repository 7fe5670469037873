// Package chat implements direct-message conversation operations: validation,
// persistence through a Store, and hand-off of committed changes to a Notifier.
package chat

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// DeletedPlaceholder replaces the text of a tombstoned message.
const DeletedPlaceholder = "Message deleted"

// Reaction is one user's emoji on a message.
type Reaction struct {
	UserID string
	Emoji  string
}

// Message is the canonical persisted message representation.
//
// Invariants:
//   - SenderID/ReceiverID never change after creation.
//   - At most one reaction per user.
//   - Edited is false whenever Deleted is true.
//   - SeenBy only grows while the message is active.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string

	Text     string
	ImageURL string
	VideoURL string

	Reactions map[string]string // user id -> emoji

	Edited   bool
	EditedAt *time.Time

	Deleted   bool
	DeletedAt *time.Time

	ReplyToID string

	SeenBy []string
	SeenAt *time.Time

	HiddenFor []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReactionList returns reactions sorted by user id (stable wire order).
func (m Message) ReactionList() []Reaction {
	out := make([]Reaction, 0, len(m.Reactions))
	for u, e := range m.Reactions {
		out = append(out, Reaction{UserID: u, Emoji: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// IsParticipant reports whether userID is the sender or the receiver.
func (m Message) IsParticipant(userID string) bool {
	return userID != "" && (m.SenderID == userID || m.ReceiverID == userID)
}

// Peer returns the other participant relative to userID.
func (m Message) Peer(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// SeenByUser reports whether userID is in SeenBy.
func (m Message) SeenByUser(userID string) bool {
	return containsString(m.SeenBy, userID)
}

// HiddenForUser reports whether userID cleared this message from their view.
func (m Message) HiddenForUser(userID string) bool {
	return containsString(m.HiddenFor, userID)
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (m Message) Clone() Message {
	cp := m
	if m.Reactions != nil {
		cp.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			cp.Reactions[k] = v
		}
	}
	cp.SeenBy = append([]string(nil), m.SeenBy...)
	cp.HiddenFor = append([]string(nil), m.HiddenFor...)
	cp.EditedAt = cloneTime(m.EditedAt)
	cp.DeletedAt = cloneTime(m.DeletedAt)
	cp.SeenAt = cloneTime(m.SeenAt)
	return cp
}

// ConversationKey is the unordered pair identifying a conversation.
type ConversationKey struct {
	Low  string
	High string
}

// NewConversationKey orders the two identities so (a,b) and (b,a) are equal.
func NewConversationKey(a, b string) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{Low: a, High: b}
}

// Key returns the conversation this message belongs to.
func (m Message) Key() ConversationKey {
	return NewConversationKey(m.SenderID, m.ReceiverID)
}

// ReplyPreview is a minimal view of a replied-to message.
type ReplyPreview struct {
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
	Deleted    bool
	Missing    bool
}

// MessageView is a message as returned by read operations.
type MessageView struct {
	Message
	ReplyTo *ReplyPreview
}

const (
	previewMaxRunes = 80
	imageMarker     = "[image]"
	videoMarker     = "[video]"
)

func previewText(m Message) string {
	switch {
	case m.Deleted:
		return DeletedPlaceholder
	case strings.TrimSpace(m.Text) != "":
		return truncateRunes(m.Text, previewMaxRunes)
	case m.ImageURL != "":
		return imageMarker
	case m.VideoURL != "":
		return videoMarker
	default:
		return ""
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
