// Package ids mints the sortable identifiers used for messages, connections,
// envelopes and stored media.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new ULID string (26 chars).
// IDs minted within the same millisecond still sort in creation order, which
// message ordering relies on as a tie-breaker.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewLowerULID is NewULID in lower case, for file names and URLs.
func NewLowerULID(now time.Time) (string, error) {
	id, err := NewULID(now)
	if err != nil {
		return "", err
	}
	return strings.ToLower(id), nil
}

// Time extracts the timestamp encoded in a ULID string.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()).UTC(), nil
}
