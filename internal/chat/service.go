package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/directory"
	"parley/internal/events"
	"parley/internal/ids"
	"parley/internal/metrics"
	"parley/internal/presence"
)

// Max message text length (runes).
const maxMessageChars = 4000

// Service routes direct messages between two known identities: it persists
// via Store, delivers via the connection registry, and recomputes inbox
// summaries for the affected users.
//
// Delivery semantics: at-least-once to each connected party (the full
// ordered message list is pushed), silent drop for offline parties; the
// message stays durably stored for a later conversation_open.
type Service struct {
	log      *slog.Logger
	store    Store
	registry *presence.Registry
	dir      directory.Directory
	events   *events.Publisher
}

// NewService constructs the direct messaging service. events may be nil.
func NewService(log *slog.Logger, store Store, registry *presence.Registry, dir directory.Directory, pub *events.Publisher) *Service {
	return &Service{
		log:      log,
		store:    store,
		registry: registry,
		dir:      dir,
		events:   pub,
	}
}

// Send validates, persists and delivers one direct message.
// Returns the stored message so the caller can ack synchronously.
func (s *Service) Send(ctx context.Context, senderID, receiverID, text, imageURL string) (Message, error) {
	text = strings.TrimSpace(text)
	imageURL = strings.TrimSpace(imageURL)

	if !ValidIdentity(senderID) || !ValidIdentity(receiverID) {
		return Message{}, fmt.Errorf("%w: bad identity", ErrValidation)
	}
	if senderID == receiverID {
		return Message{}, fmt.Errorf("%w: cannot message yourself", ErrValidation)
	}
	if text == "" && imageURL == "" {
		return Message{}, fmt.Errorf("%w: message needs text or image", ErrValidation)
	}
	if len([]rune(text)) > maxMessageChars {
		return Message{}, fmt.Errorf("%w: message too long: max=%d chars", ErrValidation, maxMessageChars)
	}

	conv, err := s.store.FindOrCreate(ctx, senderID, receiverID)
	if err != nil {
		return Message{}, err
	}

	msg, err := s.store.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		AuthorID:       senderID,
		Text:           text,
		ImageURL:       imageURL,
		Now:            time.Now().UTC(),
	})
	if err != nil {
		return Message{}, err
	}

	metrics.MessagesSent.Inc()
	go s.events.MessageCreated(context.Background(), events.MessageCreatedEvent{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		AuthorID:       msg.AuthorID,
		HasImage:       msg.ImageURL != "",
		CreatedAt:      msg.CreatedAt,
	})

	// Push the updated message list and refreshed summaries to whichever of
	// the two parties is online. Misses are silent (store-and-forward).
	if history, err := s.store.History(ctx, conv.ID); err == nil {
		s.pushHistory(senderID, conv.ID, history)
		s.pushHistory(receiverID, conv.ID, history)
	} else {
		s.log.Info("chat.deliver.history.fail", "conversation_id", conv.ID, "err", err)
	}
	s.PushSummaries(ctx, senderID)
	s.PushSummaries(ctx, receiverID)

	return msg, nil
}

// OpenConversation returns the ordered history between viewer and other.
// Side effects: messages authored by other are marked seen, the other party
// is notified that their messages were read, and the viewer's summaries are
// refreshed. If the pair never exchanged a message, no conversation is
// created and an empty history is returned.
func (s *Service) OpenConversation(ctx context.Context, viewerID, otherID string) (string, []Message, error) {
	if !ValidIdentity(viewerID) || !ValidIdentity(otherID) {
		return "", nil, fmt.Errorf("%w: bad identity", ErrValidation)
	}

	conv, err := s.store.Find(ctx, viewerID, otherID)
	if errors.Is(err, ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	flipped, err := s.store.MarkSeen(ctx, conv.ID, viewerID)
	if err != nil {
		return "", nil, err
	}

	history, err := s.store.History(ctx, conv.ID)
	if err != nil {
		return "", nil, err
	}

	if flipped > 0 {
		payload, _ := json.Marshal(v1.MessagesReadPayload{
			ConversationID: conv.ID,
			ReaderID:       viewerID,
		})
		if c := s.registry.Lookup(otherID); c != nil {
			c.TrySend(newEnvelope(v1.TypeMessagesRead, payload))
		}
		s.PushSummaries(ctx, viewerID)
	}

	return conv.ID, history, nil
}

// Delete removes a whole conversation on behalf of requesterID and refreshes
// both participants' summaries.
func (s *Service) Delete(ctx context.Context, requesterID, conversationID string) error {
	conv, err := s.store.Delete(ctx, conversationID, requesterID)
	if err != nil {
		return err
	}

	s.log.Info("chat.conversation.deleted", "conversation_id", conv.ID, "requester", requesterID)

	s.PushSummaries(ctx, conv.UserA)
	s.PushSummaries(ctx, conv.UserB)
	return nil
}

// Summaries returns wire-ready inbox entries for userID, with the other
// participant's profile resolved through the identity directory.
func (s *Service) Summaries(ctx context.Context, userID string) ([]v1.InboxEntry, error) {
	sums, err := s.store.Summarize(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]v1.InboxEntry, 0, len(sums))
	for _, sum := range sums {
		entry := v1.InboxEntry{
			ConversationID: sum.ConversationID,
			Other:          v1.Profile{UserID: sum.OtherUserID, Name: sum.OtherUserID},
			UnseenCount:    sum.UnseenCount,
		}
		if p, err := s.dir.Resolve(ctx, sum.OtherUserID); err == nil {
			entry.Other = v1.Profile{UserID: p.UserID, Name: p.Name, AvatarURL: p.AvatarURL}
		}
		if sum.LastMessage != nil {
			wm := WireMessage(*sum.LastMessage)
			entry.LastMessage = &wm
		}
		out = append(out, entry)
	}
	return out, nil
}

// PushSummaries recomputes and pushes the inbox list to userID if online.
func (s *Service) PushSummaries(ctx context.Context, userID string) {
	c := s.registry.Lookup(userID)
	if c == nil {
		return
	}

	entries, err := s.Summaries(ctx, userID)
	if err != nil {
		s.log.Info("chat.summaries.fail", "user_id", userID, "err", err)
		return
	}

	payload, _ := json.Marshal(v1.ConversationListPayload{Conversations: entries})
	c.TrySend(newEnvelope(v1.TypeConversationList, payload))
}

func (s *Service) pushHistory(userID, conversationID string, msgs []Message) {
	c := s.registry.Lookup(userID)
	if c == nil {
		return
	}

	payload, _ := json.Marshal(v1.ConversationHistoryPayload{
		ConversationID: conversationID,
		Messages:       WireMessages(msgs),
	})
	c.TrySend(newEnvelope(v1.TypeConversationHistory, payload))
}

// WireMessage converts a stored message to its wire representation.
func WireMessage(m Message) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		AuthorID:       m.AuthorID,
		Text:           m.Text,
		ImageURL:       m.ImageURL,
		Seen:           m.Seen,
		CreatedAt:      m.CreatedAt,
	}
}

// WireMessages converts a message slice to wire form (never nil).
func WireMessages(msgs []Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, WireMessage(m))
	}
	return out
}

func newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.NewRandomHex(10),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}
