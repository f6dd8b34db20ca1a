// Package chat contains durable conversation storage and the direct
// messaging service built on top of it.
package chat

import (
	"context"
	"strings"
	"time"
)

// PairKey returns the canonical conversation id for an unordered pair of
// identities: the two ids sorted lexicographically, joined with ":".
// Deriving the id from the pair makes conversation uniqueness hold by
// construction instead of by query-then-insert races.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// ValidIdentity reports whether s can participate in a pair key.
func ValidIdentity(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !strings.Contains(s, ":")
}

// Conversation is the durable record of message history between two fixed
// identities. UserA < UserB always (canonical order).
type Conversation struct {
	ID        string
	UserA     string
	UserB     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

// Has reports whether userID participates in the conversation.
func (c Conversation) Has(userID string) bool {
	return c.UserA == userID || c.UserB == userID
}

// Message is one entry in a conversation's append-only log.
// At least one of Text / ImageURL is present.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	AuthorID       string
	Text           string
	ImageURL       string
	Seen           bool
	CreatedAt      time.Time
}

// InboxSummary is one derived inbox row for a viewing user.
// It is recomputed on demand, never cached.
type InboxSummary struct {
	ConversationID string
	OtherUserID    string
	LastMessage    *Message
	UnseenCount    int64
	LastActivity   time.Time
}

// AppendInput describes a message append request.
type AppendInput struct {
	ConversationID string
	AuthorID       string
	Text           string
	ImageURL       string
	Now            time.Time
}

// Store persists conversations and messages.
//
// Requirements:
//   - FindOrCreate is linearizable per unordered pair (no duplicate
//     conversations under concurrent first messages).
//   - Append allocates a strictly monotonic per-conversation seq; store
//     ordering is delivery ordering.
//   - MarkSeen is idempotent.
//   - Delete removes the conversation and all its messages as one unit.
type Store interface {
	FindOrCreate(ctx context.Context, userA, userB string) (Conversation, error)
	// Find returns the conversation for the pair or ErrNotFound. It never creates.
	Find(ctx context.Context, userA, userB string) (Conversation, error)
	Append(ctx context.Context, in AppendInput) (Message, error)
	// MarkSeen flips seen=true on all messages not authored by readerID and
	// returns the number of messages flipped.
	MarkSeen(ctx context.Context, conversationID, readerID string) (int64, error)
	// History returns the full ordered message log (seq ASC).
	History(ctx context.Context, conversationID string) ([]Message, error)
	// Summarize returns one entry per conversation involving userID,
	// ordered by most-recent-activity descending.
	Summarize(ctx context.Context, userID string) ([]InboxSummary, error)
	// Delete removes the conversation if requesterID participates in it and
	// returns the deleted record.
	Delete(ctx context.Context, conversationID, requesterID string) (Conversation, error)
	Close() error
}
