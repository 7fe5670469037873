package chat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	v1 "parley/shared/contracts/realtime/v1"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// ErrorStatus maps an operation error to an HTTP status and a stable code.
func ErrorStatus(err error) (int, string) {
	switch {
	case IsValidation(err):
		return http.StatusBadRequest, "invalid_input"
	case IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case IsForbidden(err):
		return http.StatusForbidden, "forbidden"
	case IsConflict(err):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeOpError(w http.ResponseWriter, err error) {
	status, code := ErrorStatus(err)
	writeError(w, status, code, PublicMessage(err))
}

// WireReactions converts reactions to their wire form (sorted by user).
func WireReactions(m Message) []v1.Reaction {
	list := m.ReactionList()
	out := make([]v1.Reaction, 0, len(list))
	for _, r := range list {
		out = append(out, v1.Reaction{UserID: r.UserID, Emoji: r.Emoji})
	}
	return out
}

// WireMessage converts a message view to the shared wire representation.
func WireMessage(v MessageView) v1.Message {
	out := v1.Message{
		ID:         v.ID,
		SenderID:   v.SenderID,
		ReceiverID: v.ReceiverID,
		Text:       v.Text,
		ImageURL:   v.ImageURL,
		VideoURL:   v.VideoURL,
		Reactions:  WireReactions(v.Message),
		Edited:     v.Edited,
		EditedAt:   v.EditedAt,
		Deleted:    v.Deleted,
		SeenBy:     append([]string{}, v.SeenBy...),
		SeenAt:     v.SeenAt,
		CreatedAt:  v.CreatedAt,
		UpdatedAt:  v.UpdatedAt,
	}
	if v.ReplyTo != nil {
		out.ReplyTo = &v1.ReplyPreview{
			MessageID:  v.ReplyTo.MessageID,
			SenderID:   v.ReplyTo.SenderID,
			SenderName: v.ReplyTo.SenderName,
			Text:       v.ReplyTo.Text,
			Deleted:    v.ReplyTo.Deleted,
			Missing:    v.ReplyTo.Missing,
		}
	}
	return out
}
