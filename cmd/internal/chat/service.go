package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTextRunes bounds message text on send and edit.
	MaxTextRunes = 4000
	// MaxEmojiBytes bounds a reaction value.
	MaxEmojiBytes = 32
	// MaxSeenBatch bounds one read acknowledgement.
	MaxSeenBatch = 500
)

// Actor is the authenticated caller of an operation. ConnectionID is set when the
// call originates from a live connection (or a REST client that names its own).
type Actor struct {
	UserID       string
	ConnectionID string
}

// Notifier receives committed changes. Implementations must not block. Calls
// about one message arrive in the order its mutations were committed.
type Notifier interface {
	MessageCreated(ctx context.Context, m MessageView, originConnID string)
	ReactionChanged(ctx context.Context, m Message)
	MessageEdited(ctx context.Context, m Message)
	MessageDeleted(ctx context.Context, m Message)
	MessagesSeen(ctx context.Context, readerID string, msgs []Message, at time.Time)
	ConversationCleared(ctx context.Context, actor Actor, otherUserID string, hidden int)
}

// PresenceReader answers whether a user currently has a live connection.
type PresenceReader interface {
	OnlineSince(userID string) (time.Time, bool)
}

// TypingClearer drops a typing indicator once the typist sends a message.
type TypingClearer interface {
	ClearTyping(from, to string)
}

// SendInput is a client send request. Image and Video carry base64 data URLs.
type SendInput struct {
	ReceiverID string
	Text       string
	Image      string
	Video      string
	ReplyToID  string
}

// Contact is one row of the sidebar.
type Contact struct {
	User        User
	Last        *Message
	LastPreview string
	Unread      int
	Online      bool
	OnlineSince *time.Time
}

// Service implements conversation operations on top of a Store.
type Service struct {
	store    Store
	users    UserDirectory
	media    MediaStore
	notifier Notifier
	presence PresenceReader
	typing   TypingClearer
	log      *slog.Logger
	now      func() time.Time

	mediaMaxBytes int

	locks messageLocks
}

// Option configures the Service.
type Option func(*Service) error

// WithMediaStore sets where attachments are stored. Without one, media sends fail.
func WithMediaStore(m MediaStore) Option {
	return func(s *Service) error {
		s.media = m
		return nil
	}
}

// WithNotifier sets the receiver of committed changes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// WithPresence sets the online lookup used by Contacts.
func WithPresence(p PresenceReader) Option {
	return func(s *Service) error {
		s.presence = p
		return nil
	}
}

// WithTypingClearer sets the hook invoked after a successful send.
func WithTypingClearer(t TypingClearer) Option {
	return func(s *Service) error {
		s.typing = t
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("chat: nil clock")
		}
		s.now = now
		return nil
	}
}

// WithMediaMaxBytes sets the decoded attachment ceiling.
func WithMediaMaxBytes(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return errors.New("chat: media max bytes must be positive")
		}
		s.mediaMaxBytes = n
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, users UserDirectory, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	if users == nil {
		return nil, errors.New("chat: nil user directory")
	}
	s := &Service{
		store:         store,
		users:         users,
		notifier:      nopNotifier{},
		log:           slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		mediaMaxBytes: DefaultMediaMaxBytes,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Send validates and persists a new message, then routes it.
func (s *Service) Send(ctx context.Context, actor Actor, in SendInput) (MessageView, error) {
	const op = "chat.Send"

	sender := strings.TrimSpace(actor.UserID)
	receiver := strings.TrimSpace(in.ReceiverID)
	switch {
	case sender == "":
		return MessageView{}, invalid(op, "sender is required")
	case receiver == "":
		return MessageView{}, invalid(op, "receiver is required")
	case receiver == sender:
		return MessageView{}, invalid(op, "cannot send a message to yourself")
	}

	hasText := strings.TrimSpace(in.Text) != ""
	if !hasText && in.Image == "" && in.Video == "" {
		return MessageView{}, invalid(op, "message must have text, image or video")
	}
	if utf8.RuneCountInString(in.Text) > MaxTextRunes {
		return MessageView{}, invalid(op, "text is too long")
	}

	var objs []MediaObject
	if in.Image != "" {
		obj, err := DecodeMedia(MediaImage, in.Image, s.mediaMaxBytes)
		if err != nil {
			return MessageView{}, err
		}
		objs = append(objs, obj)
	}
	if in.Video != "" {
		obj, err := DecodeMedia(MediaVideo, in.Video, s.mediaMaxBytes)
		if err != nil {
			return MessageView{}, err
		}
		objs = append(objs, obj)
	}

	if _, err := s.users.Get(ctx, receiver); err != nil {
		if IsNotFound(err) {
			return MessageView{}, notFound(op, "receiver not found")
		}
		return MessageView{}, s.fail(op, err)
	}

	var reply *Message
	if id := strings.TrimSpace(in.ReplyToID); id != "" {
		target, err := s.store.Get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return MessageView{}, notFound(op, "reply target not found")
			}
			return MessageView{}, s.fail(op, err)
		}
		if target.Key() != NewConversationKey(sender, receiver) {
			return MessageView{}, invalid(op, "reply target belongs to another conversation")
		}
		reply = &target
	}

	create := CreateMessageInput{
		SenderID:   sender,
		ReceiverID: receiver,
		Text:       in.Text,
		Now:        s.now(),
	}
	if reply != nil {
		create.ReplyToID = reply.ID
	}
	var stored []string
	for _, obj := range objs {
		if s.media == nil {
			return MessageView{}, OpError{Op: op, Kind: ErrUpstream, Err: errors.New("media storage not configured")}
		}
		url, err := s.media.Put(ctx, obj)
		if err != nil {
			s.discardMedia(ctx, stored)
			return MessageView{}, s.fail(op, err)
		}
		stored = append(stored, url)
		switch obj.Kind {
		case MediaImage:
			create.ImageURL = url
		case MediaVideo:
			create.VideoURL = url
		}
	}

	m, err := s.store.Create(ctx, create)
	if err != nil {
		s.discardMedia(ctx, stored)
		return MessageView{}, s.fail(op, err)
	}

	view := MessageView{Message: m}
	if reply != nil {
		view.ReplyTo = s.preview(ctx, *reply, newNameCache(s.users))
	}

	if s.typing != nil {
		s.typing.ClearTyping(sender, receiver)
	}
	s.notifier.MessageCreated(ctx, view, actor.ConnectionID)
	return view, nil
}

// React toggles the actor's reaction on a message.
func (s *Service) React(ctx context.Context, actor Actor, messageID, emoji string) (Message, error) {
	const op = "chat.React"

	emoji = strings.TrimSpace(emoji)
	switch {
	case actor.UserID == "":
		return Message{}, invalid(op, "user is required")
	case strings.TrimSpace(messageID) == "":
		return Message{}, invalid(op, "message id is required")
	case emoji == "":
		return Message{}, invalid(op, "emoji is required")
	case len(emoji) > MaxEmojiBytes:
		return Message{}, invalid(op, "emoji is too long")
	}

	defer s.locks.lock(messageID)()

	cur, err := s.store.Get(ctx, messageID)
	if err != nil {
		return Message{}, s.fail(op, err)
	}
	if !cur.IsParticipant(actor.UserID) {
		return Message{}, forbidden(op, "only conversation participants can react")
	}
	if cur.Deleted {
		return Message{}, conflict(op, "message is deleted")
	}

	m, err := s.store.ToggleReaction(ctx, ReactInput{
		MessageID: messageID,
		UserID:    actor.UserID,
		Emoji:     emoji,
		Now:       s.now(),
	})
	if err != nil {
		return Message{}, s.fail(op, err)
	}
	s.notifier.ReactionChanged(ctx, m)
	return m, nil
}

// Edit replaces the text of the actor's own message.
func (s *Service) Edit(ctx context.Context, actor Actor, messageID, text string) (Message, error) {
	const op = "chat.Edit"

	switch {
	case actor.UserID == "":
		return Message{}, invalid(op, "user is required")
	case strings.TrimSpace(messageID) == "":
		return Message{}, invalid(op, "message id is required")
	case strings.TrimSpace(text) == "":
		return Message{}, invalid(op, "text is required")
	case utf8.RuneCountInString(text) > MaxTextRunes:
		return Message{}, invalid(op, "text is too long")
	}

	defer s.locks.lock(messageID)()

	m, err := s.store.Edit(ctx, EditInput{
		MessageID: messageID,
		EditorID:  actor.UserID,
		Text:      text,
		Now:       s.now(),
	})
	if err != nil {
		return Message{}, s.fail(op, err)
	}
	s.notifier.MessageEdited(ctx, m)
	return m, nil
}

// Delete tombstones the actor's own message.
func (s *Service) Delete(ctx context.Context, actor Actor, messageID string) (Message, error) {
	const op = "chat.Delete"

	switch {
	case actor.UserID == "":
		return Message{}, invalid(op, "user is required")
	case strings.TrimSpace(messageID) == "":
		return Message{}, invalid(op, "message id is required")
	}

	defer s.locks.lock(messageID)()

	m, err := s.store.SoftDelete(ctx, DeleteInput{
		MessageID: messageID,
		ActorID:   actor.UserID,
		Now:       s.now(),
	})
	if err != nil {
		return Message{}, s.fail(op, err)
	}
	s.notifier.MessageDeleted(ctx, m)
	return m, nil
}

// MarkSeen records that the actor has viewed the given messages. Messages the actor
// did not receive, already saw, or that are deleted are skipped. It returns the
// messages that changed.
func (s *Service) MarkSeen(ctx context.Context, actor Actor, messageIDs []string) ([]Message, error) {
	const op = "chat.MarkSeen"

	if actor.UserID == "" {
		return nil, invalid(op, "user is required")
	}
	if len(messageIDs) > MaxSeenBatch {
		return nil, invalid(op, "too many message ids")
	}
	idList := make([]string, 0, len(messageIDs))
	dedup := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := dedup[id]; ok {
			continue
		}
		dedup[id] = struct{}{}
		idList = append(idList, id)
	}
	if len(idList) == 0 {
		return nil, invalid(op, "message ids are required")
	}

	defer s.locks.lock(idList...)()

	now := s.now()
	changed, err := s.store.MarkSeen(ctx, MarkSeenInput{
		MessageIDs: idList,
		ReaderID:   actor.UserID,
		Now:        now,
	})
	if err != nil {
		return nil, s.fail(op, err)
	}
	if len(changed) > 0 {
		s.notifier.MessagesSeen(ctx, actor.UserID, changed, now)
	}
	return changed, nil
}

// ClearConversation hides the conversation with otherUserID for the actor only.
func (s *Service) ClearConversation(ctx context.Context, actor Actor, otherUserID string) (int, error) {
	const op = "chat.ClearConversation"

	other := strings.TrimSpace(otherUserID)
	switch {
	case actor.UserID == "":
		return 0, invalid(op, "user is required")
	case other == "":
		return 0, invalid(op, "other user is required")
	case other == actor.UserID:
		return 0, invalid(op, "cannot clear a conversation with yourself")
	}

	n, err := s.store.HideConversation(ctx, HideInput{
		UserID:      actor.UserID,
		OtherUserID: other,
		Now:         s.now(),
	})
	if err != nil {
		return 0, s.fail(op, err)
	}
	if n > 0 {
		s.notifier.ConversationCleared(ctx, actor, other, n)
	}
	return n, nil
}

// FetchConversation returns the messages visible to the actor, oldest first,
// with reply previews resolved.
func (s *Service) FetchConversation(ctx context.Context, actor Actor, otherUserID string) ([]MessageView, error) {
	const op = "chat.FetchConversation"

	other := strings.TrimSpace(otherUserID)
	switch {
	case actor.UserID == "":
		return nil, invalid(op, "user is required")
	case other == "":
		return nil, invalid(op, "other user is required")
	}

	msgs, err := s.store.ListConversation(ctx, actor.UserID, other)
	if err != nil {
		return nil, s.fail(op, err)
	}

	byID := make(map[string]Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	// Replies can point at messages hidden from this view; load them separately.
	var missing []string
	for _, m := range msgs {
		if m.ReplyToID == "" {
			continue
		}
		if _, ok := byID[m.ReplyToID]; !ok {
			missing = append(missing, m.ReplyToID)
		}
	}
	if len(missing) > 0 {
		extra, err := s.store.GetMany(ctx, missing)
		if err != nil {
			return nil, s.fail(op, err)
		}
		for id, m := range extra {
			byID[id] = m
		}
	}

	names := newNameCache(s.users)
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := MessageView{Message: m}
		if m.ReplyToID != "" {
			if target, ok := byID[m.ReplyToID]; ok {
				v.ReplyTo = s.preview(ctx, target, names)
			} else {
				v.ReplyTo = &ReplyPreview{MessageID: m.ReplyToID, Missing: true}
			}
		}
		out = append(out, v)
	}
	return out, nil
}

// Contacts lists every other user with conversation summary and presence.
func (s *Service) Contacts(ctx context.Context, actor Actor) ([]Contact, error) {
	const op = "chat.Contacts"

	if actor.UserID == "" {
		return nil, invalid(op, "user is required")
	}
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, s.fail(op, err)
	}
	sums, err := s.store.Summaries(ctx, actor.UserID)
	if err != nil {
		return nil, s.fail(op, err)
	}

	out := make([]Contact, 0, len(users))
	for _, u := range users {
		if u.ID == actor.UserID {
			continue
		}
		c := Contact{User: u}
		if sum, ok := sums[u.ID]; ok {
			c.Last = sum.Last
			c.Unread = sum.Unread
			if sum.Last != nil {
				c.LastPreview = previewText(*sum.Last)
			}
		}
		if s.presence != nil {
			if since, ok := s.presence.OnlineSince(u.ID); ok {
				c.Online = true
				c.OnlineSince = &since
			}
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := lastActivity(out[i]), lastActivity(out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		ni, nj := strings.ToLower(out[i].User.Name()), strings.ToLower(out[j].User.Name())
		if ni != nj {
			return ni < nj
		}
		return out[i].User.ID < out[j].User.ID
	})
	return out, nil
}

func lastActivity(c Contact) time.Time {
	if c.Last == nil {
		return time.Time{}
	}
	return c.Last.CreatedAt
}

func (s *Service) preview(ctx context.Context, target Message, names *nameCache) *ReplyPreview {
	return &ReplyPreview{
		MessageID:  target.ID,
		SenderID:   target.SenderID,
		SenderName: names.name(ctx, target.SenderID),
		Text:       previewText(target),
		Deleted:    target.Deleted,
	}
}

// fail logs collaborator failures and normalizes the error kind.
// discardMedia removes attachments written for a message that was never stored.
func (s *Service) discardMedia(ctx context.Context, urls []string) {
	if len(urls) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, u := range urls {
		if err := s.media.Remove(ctx, u); err != nil {
			s.log.Warn("chat.media.discard.fail", "url", u, "err", err)
		}
	}
}

func (s *Service) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OpError{Op: op, Kind: ErrUpstream, Err: err}
	}
	out := upstream(op, err)
	if IsUpstream(out) {
		s.log.Error(strings.ToLower(op)+".fail", "err", err)
	}
	return out
}

// nameCache memoizes display-name lookups for one read.
type nameCache struct {
	users UserDirectory
	cache map[string]string
}

func newNameCache(users UserDirectory) *nameCache {
	return &nameCache{users: users, cache: map[string]string{}}
}

func (c *nameCache) name(ctx context.Context, id string) string {
	if n, ok := c.cache[id]; ok {
		return n
	}
	n := id
	if u, err := c.users.Get(ctx, id); err == nil {
		n = u.Name()
	}
	c.cache[id] = n
	return n
}

type nopNotifier struct{}

func (nopNotifier) MessageCreated(context.Context, MessageView, string) {}
func (nopNotifier) ReactionChanged(context.Context, Message) {}
func (nopNotifier) MessageEdited(context.Context, Message) {}
func (nopNotifier) MessageDeleted(context.Context, Message) {}
func (nopNotifier) MessagesSeen(context.Context, string, []Message, time.Time) {}
func (nopNotifier) ConversationCleared(context.Context, Actor, string, int) {}
