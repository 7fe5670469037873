package chat

import (
	"context"
	"time"
)

// Store persists messages and applies their sub-state changes.
//
// Requirements:
//   - Every mutation is a single atomic find-and-modify on the target row(s);
//     concurrent reactions/seen/hide updates from different users never lose writes.
//   - Guarded mutations return ErrNotFound / ErrForbidden / ErrConflict kinds when the
//     guard fails at commit time (message missing, actor not sender, tombstoned).
//   - ListConversation is ordered by (CreatedAt, ID) ascending.
type Store interface {
	Create(ctx context.Context, in CreateMessageInput) (Message, error)
	Get(ctx context.Context, id string) (Message, error)
	GetMany(ctx context.Context, ids []string) (map[string]Message, error)

	ToggleReaction(ctx context.Context, in ReactInput) (Message, error)
	Edit(ctx context.Context, in EditInput) (Message, error)
	SoftDelete(ctx context.Context, in DeleteInput) (Message, error)
	MarkSeen(ctx context.Context, in MarkSeenInput) ([]Message, error)
	HideConversation(ctx context.Context, in HideInput) (int, error)

	ListConversation(ctx context.Context, userID, otherUserID string) ([]Message, error)
	Summaries(ctx context.Context, userID string) (map[string]PeerSummary, error)

	Close() error
}

// CreateMessageInput describes a new message. Media fields hold storage references only.
type CreateMessageInput struct {
	SenderID   string
	ReceiverID string
	Text       string
	ImageURL   string
	VideoURL   string
	ReplyToID  string
	Now        time.Time
}

// ReactInput toggles UserID's reaction on MessageID.
type ReactInput struct {
	MessageID string
	UserID    string
	Emoji     string
	Now       time.Time
}

// EditInput replaces the text of a message owned by EditorID.
type EditInput struct {
	MessageID string
	EditorID  string
	Text      string
	Now       time.Time
}

// DeleteInput tombstones a message owned by ActorID.
type DeleteInput struct {
	MessageID string
	ActorID   string
	Now       time.Time
}

// MarkSeenInput adds ReaderID to seen-by on the given messages where ReaderID is the receiver.
type MarkSeenInput struct {
	MessageIDs []string
	ReaderID   string
	Now        time.Time
}

// HideInput hides the conversation between UserID and OtherUserID for UserID only.
type HideInput struct {
	UserID      string
	OtherUserID string
	Now         time.Time
}

// PeerSummary is the sidebar aggregation for one peer.
type PeerSummary struct {
	PeerID string
	Last   *Message
	Unread int
}
