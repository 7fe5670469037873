package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"parley/cmd/identity/ids"
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// A single mutex makes every mutation an atomic find-and-modify.
type InMemoryStore struct {
	mu   sync.Mutex
	msgs map[string]*Message
	conv map[ConversationKey][]string // message ids in insertion order
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		msgs: make(map[string]*Message),
		conv: make(map[ConversationKey][]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Create persists a new message and assigns its id.
func (s *InMemoryStore) Create(ctx context.Context, in CreateMessageInput) (Message, error) {
	const op = "chat.store.Create"
	if in.SenderID == "" || in.ReceiverID == "" {
		return Message{}, invalid(op, "sender and receiver are required")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := nowOr(in.Now)
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	m := &Message{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Text:       in.Text,
		ImageURL:   in.ImageURL,
		VideoURL:   in.VideoURL,
		ReplyToID:  in.ReplyToID,
		Reactions:  map[string]string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs[id] = m
	k := m.Key()
	s.conv[k] = append(s.conv[k], id)
	return m.Clone(), nil
}

// Get returns a message by id.
func (s *InMemoryStore) Get(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return Message{}, notFound("chat.store.Get", "message not found")
	}
	return m.Clone(), nil
}

// GetMany returns the subset of ids that exist.
func (s *InMemoryStore) GetMany(ctx context.Context, idList []string) (map[string]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Message, len(idList))
	for _, id := range idList {
		if m, ok := s.msgs[id]; ok {
			out[id] = m.Clone()
		}
	}
	return out, nil
}

// ToggleReaction applies toggle semantics for one user's reaction.
func (s *InMemoryStore) ToggleReaction(ctx context.Context, in ReactInput) (Message, error) {
	const op = "chat.store.ToggleReaction"
	return s.mutate(ctx, op, in.MessageID, func(m *Message) error {
		if m.Deleted {
			return conflict(op, "message is deleted")
		}
		if m.Reactions == nil {
			m.Reactions = map[string]string{}
		}
		if cur, ok := m.Reactions[in.UserID]; ok && cur == in.Emoji {
			delete(m.Reactions, in.UserID)
		} else {
			m.Reactions[in.UserID] = in.Emoji
		}
		m.UpdatedAt = nowOr(in.Now)
		return nil
	})
}

// Edit replaces the text of an active message owned by the editor.
func (s *InMemoryStore) Edit(ctx context.Context, in EditInput) (Message, error) {
	const op = "chat.store.Edit"
	return s.mutate(ctx, op, in.MessageID, func(m *Message) error {
		if m.SenderID != in.EditorID {
			return forbidden(op, "only the sender can edit a message")
		}
		if m.Deleted {
			return conflict(op, "message is deleted")
		}
		now := nowOr(in.Now)
		m.Text = in.Text
		m.Edited = true
		m.EditedAt = &now
		m.UpdatedAt = now
		return nil
	})
}

// SoftDelete tombstones an active message owned by the actor.
func (s *InMemoryStore) SoftDelete(ctx context.Context, in DeleteInput) (Message, error) {
	const op = "chat.store.SoftDelete"
	return s.mutate(ctx, op, in.MessageID, func(m *Message) error {
		if m.SenderID != in.ActorID {
			return forbidden(op, "only the sender can delete a message")
		}
		if m.Deleted {
			return conflict(op, "message is already deleted")
		}
		now := nowOr(in.Now)
		m.Text = DeletedPlaceholder
		m.ImageURL = ""
		m.VideoURL = ""
		m.Edited = false
		m.EditedAt = nil
		m.Deleted = true
		m.DeletedAt = &now
		m.UpdatedAt = now
		return nil
	})
}

// MarkSeen adds the reader to seen-by; returns only messages that changed.
func (s *InMemoryStore) MarkSeen(ctx context.Context, in MarkSeenInput) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	seen := make(map[string]struct{}, len(in.MessageIDs))
	for _, id := range in.MessageIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		m, ok := s.msgs[id]
		if !ok || m.Deleted || m.ReceiverID != in.ReaderID || m.SeenByUser(in.ReaderID) {
			continue
		}
		m.SeenBy = append(m.SeenBy, in.ReaderID)
		t := now
		m.SeenAt = &t
		m.UpdatedAt = now
		out = append(out, m.Clone())
	}
	return out, nil
}

// HideConversation hides every not-yet-hidden message of the pair for UserID.
func (s *InMemoryStore) HideConversation(ctx context.Context, in HideInput) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range s.conv[NewConversationKey(in.UserID, in.OtherUserID)] {
		m := s.msgs[id]
		if m == nil || m.HiddenForUser(in.UserID) {
			continue
		}
		m.HiddenFor = append(m.HiddenFor, in.UserID)
		n++
	}
	return n, nil
}

// ListConversation returns the pair's messages visible to userID, oldest first.
func (s *InMemoryStore) ListConversation(ctx context.Context, userID, otherUserID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	list := s.conv[NewConversationKey(userID, otherUserID)]
	out := make([]Message, 0, len(list))
	for _, id := range list {
		m := s.msgs[id]
		if m == nil || m.HiddenForUser(userID) {
			continue
		}
		out = append(out, m.Clone())
	}
	s.mu.Unlock()

	sortMessages(out)
	return out, nil
}

// Summaries returns, per peer, the latest visible message and the unread count.
func (s *InMemoryStore) Summaries(ctx context.Context, userID string) (map[string]PeerSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]PeerSummary)
	for k, list := range s.conv {
		if k.Low != userID && k.High != userID {
			continue
		}
		peer := k.Low
		if peer == userID {
			peer = k.High
		}
		sum := PeerSummary{PeerID: peer}
		for _, id := range list {
			m := s.msgs[id]
			if m == nil || m.HiddenForUser(userID) {
				continue
			}
			if sum.Last == nil || laterThan(*m, *sum.Last) {
				cp := m.Clone()
				sum.Last = &cp
			}
			if m.ReceiverID == userID && !m.Deleted && !m.SeenByUser(userID) {
				sum.Unread++
			}
		}
		if sum.Last != nil {
			out[peer] = sum
		}
	}
	return out, nil
}

func (s *InMemoryStore) mutate(ctx context.Context, op, id string, fn func(*Message) error) (Message, error) {
	if id == "" {
		return Message{}, invalid(op, "message id is required")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return Message{}, notFound(op, "message not found")
	}
	// Apply to a copy so a failed guard leaves the stored message untouched.
	cp := m.Clone()
	if err := fn(&cp); err != nil {
		return Message{}, err
	}
	s.msgs[id] = &cp
	return cp.Clone(), nil
}

func sortMessages(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool { return laterThan(ms[j], ms[i]) })
}

// laterThan orders by (CreatedAt, ID).
func laterThan(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

var _ Store = (*InMemoryStore)(nil)
