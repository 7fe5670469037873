package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"parley/cmd/identity/ids"
)

// DefaultMediaMaxBytes is the decoded size ceiling for one attachment.
const DefaultMediaMaxBytes = 5 << 20

// MediaKind is the attachment slot a payload was submitted for.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// MediaObject is a decoded, validated attachment ready for storage.
type MediaObject struct {
	Kind        MediaKind
	ContentType string
	Data        []byte
}

// MediaStore persists attachments and returns a URL clients can fetch.
// Remove discards an object by the URL Put returned; a missing object is not
// an error.
type MediaStore interface {
	Put(ctx context.Context, obj MediaObject) (string, error)
	Remove(ctx context.Context, url string) error
}

// DecodeMedia parses a base64 data URL ("data:<type>;base64,<payload>"),
// enforces maxBytes on the decoded size and checks the sniffed content type
// matches kind. Raw base64 without the data: prefix is accepted too.
func DecodeMedia(kind MediaKind, raw string, maxBytes int) (MediaObject, error) {
	const op = "chat.media.Decode"
	if maxBytes <= 0 {
		maxBytes = DefaultMediaMaxBytes
	}

	payload := strings.TrimSpace(raw)
	if strings.HasPrefix(payload, "data:") {
		meta, body, ok := strings.Cut(payload[len("data:"):], ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return MediaObject{}, invalid(op, fmt.Sprintf("%s must be a base64 data URL", kind))
		}
		payload = body
	}
	if payload == "" {
		return MediaObject{}, invalid(op, fmt.Sprintf("%s is empty", kind))
	}

	// Cheap upper bound before allocating the decode buffer.
	if base64.StdEncoding.DecodedLen(len(payload)) > maxBytes+2 {
		return MediaObject{}, invalid(op, fmt.Sprintf("%s exceeds %d bytes", kind, maxBytes))
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return MediaObject{}, invalid(op, fmt.Sprintf("%s is not valid base64", kind))
	}
	if len(data) > maxBytes {
		return MediaObject{}, invalid(op, fmt.Sprintf("%s exceeds %d bytes", kind, maxBytes))
	}

	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	if !strings.HasPrefix(ct, string(kind)+"/") {
		return MediaObject{}, invalid(op, fmt.Sprintf("%s has unsupported content type %q", kind, ct))
	}
	return MediaObject{Kind: kind, ContentType: ct, Data: data}, nil
}

// LocalMediaStore writes attachments into a directory served under /media/.
type LocalMediaStore struct {
	dir     string
	baseURL string
	now     func() time.Time
}

// NewLocalMediaStore creates dir if needed. baseURL may be empty for relative URLs.
func NewLocalMediaStore(dir, baseURL string) (*LocalMediaStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("chat: empty media dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &LocalMediaStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dir returns the directory backing the store.
func (s *LocalMediaStore) Dir() string { return s.dir }

func (s *LocalMediaStore) Put(ctx context.Context, obj MediaObject) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := ids.NewLowerULID(s.now())
	if err != nil {
		return "", err
	}
	name := id + extensionFor(obj.ContentType)
	if err := os.WriteFile(filepath.Join(s.dir, name), obj.Data, 0o644); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	return s.baseURL + "/media/" + name, nil
}

func (s *LocalMediaStore) Remove(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, name, ok := strings.Cut(url, "/media/")
	if !ok || name == "" || name != filepath.Base(name) {
		return fmt.Errorf("remove media: foreign url %q", url)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove media: %w", err)
	}
	return nil
}

var mediaExtensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/bmp":       ".bmp",
	"image/x-icon":    ".ico",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/avi":       ".avi",
	"video/quicktime": ".mov",
}

func extensionFor(ct string) string {
	if ext, ok := mediaExtensions[ct]; ok {
		return ext
	}
	return ".bin"
}

var _ MediaStore = (*LocalMediaStore)(nil)
