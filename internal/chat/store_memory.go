package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"parley/internal/ids"
)

const memMaxMessagesPerConversation = 10_000

// MemoryStore is the in-memory Store used when no database is configured
// and in unit tests. A single mutex is enough at this payload size; the
// Postgres store carries the per-pair locking discipline for real load.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConversation
}

type memConversation struct {
	conv Conversation
	seq  int64
	msgs []Message
}

// NewMemoryStore constructs an in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]*memConversation),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// FindOrCreate returns the conversation for the unordered pair, creating it
// if absent. Linearizable per pair: creation happens under the store mutex
// against the canonical pair key.
func (s *MemoryStore) FindOrCreate(ctx context.Context, userA, userB string) (Conversation, error) {
	if !ValidIdentity(userA) || !ValidIdentity(userB) || userA == userB {
		return Conversation{}, fmt.Errorf("%w: bad pair", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	key := PairKey(userA, userB)
	a, b := userA, userB
	if b < a {
		a, b = b, a
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convs[key]; ok {
		return c.conv, nil
	}

	now := time.Now().UTC()
	c := &memConversation{
		conv: Conversation{
			ID:        key,
			UserA:     a,
			UserB:     b,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	s.convs[key] = c
	return c.conv, nil
}

// Find returns the conversation for the pair or ErrNotFound.
func (s *MemoryStore) Find(ctx context.Context, userA, userB string) (Conversation, error) {
	if !ValidIdentity(userA) || !ValidIdentity(userB) {
		return Conversation{}, fmt.Errorf("%w: bad pair", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[PairKey(userA, userB)]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c.conv, nil
}

// Append persists a message and appends it to the ordered log.
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if in.ConversationID == "" || in.AuthorID == "" {
		return Message{}, fmt.Errorf("%w: missing ids", ErrValidation)
	}
	if strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.ImageURL) == "" {
		return Message{}, fmt.Errorf("%w: empty message", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if !c.conv.Has(in.AuthorID) {
		return Message{}, ErrNotAuthorized
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	c.seq++
	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Seq:            c.seq,
		AuthorID:       in.AuthorID,
		Text:           in.Text,
		ImageURL:       in.ImageURL,
		Seen:           false,
		CreatedAt:      now,
	}
	c.msgs = append(c.msgs, msg)
	c.conv.UpdatedAt = now

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return msg, nil
}

// MarkSeen flips seen=true on all messages not authored by readerID. Idempotent.
func (s *MemoryStore) MarkSeen(ctx context.Context, conversationID, readerID string) (int64, error) {
	if conversationID == "" || readerID == "" {
		return 0, fmt.Errorf("%w: missing ids", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, ErrNotFound
	}
	if !c.conv.Has(readerID) {
		return 0, ErrNotAuthorized
	}

	var flipped int64
	for i := range c.msgs {
		if c.msgs[i].AuthorID != readerID && !c.msgs[i].Seen {
			c.msgs[i].Seen = true
			flipped++
		}
	}
	return flipped, nil
}

// History returns a copy of the ordered message log (seq ASC).
func (s *MemoryStore) History(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation id", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Message(nil), c.msgs...), nil
}

// Summarize derives one inbox entry per conversation involving userID,
// ordered by most-recent-activity descending.
func (s *MemoryStore) Summarize(ctx context.Context, userID string) ([]InboxSummary, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]InboxSummary, 0, 8)
	for _, c := range s.convs {
		if !c.conv.Has(userID) {
			continue
		}

		entry := InboxSummary{
			ConversationID: c.conv.ID,
			OtherUserID:    c.conv.Other(userID),
			LastActivity:   c.conv.UpdatedAt,
		}
		if n := len(c.msgs); n > 0 {
			last := c.msgs[n-1]
			entry.LastMessage = &last
		}
		for _, m := range c.msgs {
			if m.AuthorID != userID && !m.Seen {
				entry.UnseenCount++
			}
		}
		out = append(out, entry)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// Delete removes the conversation and its messages as one unit.
func (s *MemoryStore) Delete(ctx context.Context, conversationID, requesterID string) (Conversation, error) {
	if conversationID == "" || requesterID == "" {
		return Conversation{}, fmt.Errorf("%w: missing ids", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	if !c.conv.Has(requesterID) {
		return Conversation{}, ErrNotAuthorized
	}

	delete(s.convs, conversationID)
	return c.conv, nil
}
