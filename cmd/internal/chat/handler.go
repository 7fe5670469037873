package chat

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"parley/cmd/identity"
	v1 "parley/shared/contracts/realtime/v1"
)

// ConnectionHeader lets a REST client name its own live connection so the
// resulting event is not echoed back to it.
const ConnectionHeader = "X-Connection-ID"

const (
	maxSmallBody = 64 << 10
	// Base64 inflates media by 4/3 and a message may carry both an image and a video.
	maxSendBody = 16 << 20
)

// Handler exposes conversation operations over HTTP.
// Routes expect identity.Require to run first.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Mount registers the chat API on r: the contact list at /contacts and the
// message routes under /messages. Contacts live outside /messages so no user
// id can collide with a static segment of GET /messages/{userID}.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/contacts", h.contacts)
	r.Mount("/messages", h.Routes())
}

// Routes returns the /messages subtree.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/{userID}", h.conversation)
	r.Post("/send/{userID}", h.send)
	r.Post("/react/{messageID}", h.react)
	r.Put("/edit/{messageID}", h.edit)
	r.Delete("/delete/{messageID}", h.remove)
	r.Post("/seen", h.seen)
	r.Delete("/clear/{userID}", h.clear)
	return r
}

func actorFrom(r *http.Request) (Actor, bool) {
	uid, ok := identity.UserIDFrom(r.Context())
	if !ok {
		return Actor{}, false
	}
	return Actor{UserID: uid, ConnectionID: strings.TrimSpace(r.Header.Get(ConnectionHeader))}, true
}

func (h *Handler) withActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	a, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	}
	return a, ok
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	status, _ := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(event, "err", err, "path", r.URL.Path)
	} else {
		h.log.Debug(event, "err", err, "path", r.URL.Path)
	}
	writeOpError(w, err)
}

type contactResponse struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	AvatarURL   string      `json:"avatar_url,omitempty"`
	LastMessage *v1.Message `json:"last_message,omitempty"`
	LastPreview string      `json:"last_preview,omitempty"`
	Unread      int         `json:"unread"`
	Online      bool        `json:"online"`
	OnlineSince *time.Time  `json:"online_since,omitempty"`
}

func (h *Handler) contacts(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.withActor(w, r)
	if !ok {
		return
	}
	list, err := h.svc.Contacts(r.Context(), actor)
	if err != nil {
		h.fail(w, r, "chat.contacts.fail", err)
		return
	}
	out := make([]contactResponse, 0, len(list))
	for _, c := range list {
		cr := contactResponse{
			ID:          c.User.ID,
			DisplayName: c.User.Name(),
			AvatarURL:   c.User.AvatarURL,
			LastPreview: c.LastPreview,
			Unread:      c.Unread,
			Online:      c.Online,
			OnlineSince: c.OnlineSince,
		}
		if c.Last != nil {
			wm := WireMessage(MessageView{Message: *c.Last})
			cr.LastMessage = &wm
		}
		out = append(out, cr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.withActor(w, r)
	if !ok {
		return
	}
	views, err := h.svc.FetchConversation(r.Context(), actor, chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, "chat.fetch.fail", err)
		return
	}
	out := make([]v1.Message, 0, len(views))
	for _, v := range views {
		out = append(out, WireMessage(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type sendRequest struct {
	Text    string `json:"text"`
	Image   string `json:"image"`
	Video   string `json:"video"`
	ReplyTo string `json:"reply_to"`
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.withActor(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := decodeJSON(w, r, maxSendBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	view, err := h.svc.Send(r.Context(), actor, SendInput{
		ReceiverID: chi.URLParam(r, "userID"),
		Text:       req.Text,
		Image:      req.Image,
		Video:      req.Video,
		ReplyToID:  req.ReplyTo,
	})
	if err != nil {
		h.fail(w, r, "chat.send.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": WireMessage(view)})
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

func (h *Handler) react(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.withActor(w, r)
	if !ok {
		return
	}
	var req reactRequest
	if err := decodeJSON(w, r, maxSmallBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	m, err := h.svc.React(r.Context(), actor, chi.URLParam(r, "messageID"), req.Emoji)
	if err != nil {
		h.fail(w, r, "chat.react.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.MessageReactionPayload{MessageID: m.ID, Reactions: WireReactions(m), UpdatedAt: m.UpdatedAt})
}

type editRequest struct {
	Text string `json:"text"`
}

func (h *Handler) edit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.withActor(w, r)
	if !ok {
		return
	}
	var req editRequest
	if err := decodeJSON(w, r, maxSmallBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	m, err := h.svc.Edit(r.Context(), actor, chi.URLParam(r, "messageID"), req.Text)
	if err != nil {
		h.fail(w, r, "chat.edit.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": WireMessage(MessageView{Message: m})})
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.withActor(w, r)
	if !ok {
		return
	}
	m, err := h.svc.Delete(r.Context(), actor, chi.URLParam(r, "messageID"))
	if err != nil {
		h.fail(w, r, "chat.delete.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": WireMessage(MessageView{Message: m})})
}

func (h *Handler) seen(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.withActor(w, r)
	if !ok {
		return
	}
	var req v1.MessageSeenSignalPayload
	if err := decodeJSON(w, r, maxSmallBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	changed, err := h.svc.MarkSeen(r.Context(), actor, req.MessageIDs)
	if err != nil {
		h.fail(w, r, "chat.seen.fail", err)
		return
	}
	idList := make([]string, 0, len(changed))
	for _, m := range changed {
		idList = append(idList, m.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_ids": idList})
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.withActor(w, r)
	if !ok {
		return
	}
	other := chi.URLParam(r, "userID")
	n, err := h.svc.ClearConversation(r.Context(), actor, other)
	if err != nil {
		h.fail(w, r, "chat.clear.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.ConversationClearedPayload{WithUserID: other, Hidden: n})
}
