// Package ids provides the id primitives used across the chat engine.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps message ids and log lines
// in rough chronological order for free.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRandomHex returns a cryptographically secure random hex string of length 2*nBytes.
// If nBytes <= 0, it defaults to 16 bytes (32 hex chars).
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// In the extremely rare case rand fails, return an empty string.
		// Callers should treat empty as an error-like condition in logs/tests.
		return ""
	}

	return hex.EncodeToString(b)
}
