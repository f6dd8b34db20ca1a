// Package v1 defines the Parley Chat Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session by declaring the caller's identity (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session and carries the initial state snapshot (server -> client).
	TypeHelloAck = "hello_ack"

	// TypePresence broadcasts the current online set (server -> all clients).
	TypePresence = "presence"

	// TypeConversationListFetch requests a fresh inbox summary list (client -> server).
	TypeConversationListFetch = "conversation_list_fetch"
	// TypeConversationList carries inbox summaries (server -> client).
	TypeConversationList = "conversation_list"

	// TypeConversationOpen opens a conversation with another user and marks their messages seen (client -> server).
	TypeConversationOpen = "conversation_open"
	// TypeConversationHistory carries the full ordered message list of a conversation (server -> client).
	TypeConversationHistory = "conversation_history"

	// TypeMessageSend requests sending a direct message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request with the stored message (server -> sender).
	TypeMessageAck = "message_ack"
	// TypeMessagesRead notifies the author that the peer has read their messages (server -> client).
	TypeMessagesRead = "messages_read"

	// TypeConversationDelete requests deletion of a whole conversation (client -> server).
	TypeConversationDelete = "conversation_delete"
	// TypeConversationDeleted acknowledges a deletion (server -> client).
	TypeConversationDeleted = "conversation_deleted"

	// TypeMatchRequest enters the random-pairing pool (client -> server).
	TypeMatchRequest = "match_request"
	// TypeMatchCancel leaves the pool before pairing (client -> server).
	TypeMatchCancel = "match_cancel"
	// TypeMatchEnd ends an active random chat (client -> server).
	TypeMatchEnd = "match_end"
	// TypeMatchWaiting tells a waiter that no partner is available yet (server -> client).
	TypeMatchWaiting = "match_waiting"
	// TypeMatchStarted announces a successful pairing with the partner's profile (server -> both clients).
	TypeMatchStarted = "match_started"
	// TypeMatchEnded announces room teardown with a reason (server -> client).
	TypeMatchEnded = "match_ended"

	// TypeRoomMessageSend sends a message inside an ephemeral room (client -> server).
	TypeRoomMessageSend = "room_message_send"
	// TypeRoomMessage delivers the room buffer to the other participant (server -> client).
	TypeRoomMessage = "room_message"

	// TypeTyping relays a typing indicator inside an ephemeral room (both directions).
	TypeTyping = "typing"

	// TypeFriendCheck asks whether another user is a friend (client -> server).
	TypeFriendCheck = "friend_check"
	// TypeFriendStatus answers a friend check (server -> client).
	TypeFriendStatus = "friend_status"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypePresence,
		TypeConversationListFetch,
		TypeConversationList,
		TypeConversationOpen,
		TypeConversationHistory,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessagesRead,
		TypeConversationDelete,
		TypeConversationDeleted,
		TypeMatchRequest,
		TypeMatchCancel,
		TypeMatchEnd,
		TypeMatchWaiting,
		TypeMatchStarted,
		TypeMatchEnded,
		TypeRoomMessageSend,
		TypeRoomMessage,
		TypeTyping,
		TypeFriendCheck,
		TypeFriendStatus,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// Profile is the public slice of an identity attached to notifications.
type Profile struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Message is the wire representation of a stored direct message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	AuthorID       string    `json:"author_id"`
	Text           string    `json:"text,omitempty"`
	ImageURL       string    `json:"image_url,omitempty"`
	Seen           bool      `json:"seen"`
	CreatedAt      time.Time `json:"created_at"`
}

// InboxEntry is one derived inbox summary row for the viewing user.
type InboxEntry struct {
	ConversationID string   `json:"conversation_id"`
	Other          Profile  `json:"other"`
	LastMessage    *Message `json:"last_message,omitempty"`
	UnseenCount    int64    `json:"unseen_count"`
}

// HelloPayload declares the caller's identity.
// Identity is issued upstream; the server resolves it via the identity directory.
type HelloPayload struct {
	UserID string `json:"user_id"`
}

// HelloAckPayload carries the session id and the initial state snapshot.
type HelloAckPayload struct {
	SessionID     string       `json:"session_id"`
	Online        []string     `json:"online"`
	Conversations []InboxEntry `json:"conversations"`
}

// PresencePayload carries the full current online set.
type PresencePayload struct {
	Online []string `json:"online"`
}

// ConversationListPayload carries inbox summaries ordered by recent activity.
type ConversationListPayload struct {
	Conversations []InboxEntry `json:"conversations"`
}

// ConversationOpenPayload requests the history with another user.
type ConversationOpenPayload struct {
	OtherUserID string `json:"other_user_id"`
}

// ConversationHistoryPayload carries the ordered message list of one conversation.
type ConversationHistoryPayload struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// MessageSendPayload requests sending a direct message.
// At least one of Text / ImageURL must be present.
type MessageSendPayload struct {
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
}

// MessageAckPayload returns the canonical stored message to the sender.
type MessageAckPayload struct {
	Message Message `json:"message"`
}

// MessagesReadPayload notifies the author which conversation was read.
type MessagesReadPayload struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
}

// ConversationDeletePayload requests deletion of a conversation.
type ConversationDeletePayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationDeletedPayload acknowledges a completed deletion.
type ConversationDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
}

// MatchStartedPayload announces a pairing to one side of a new room.
type MatchStartedPayload struct {
	RoomKey string  `json:"room_key"`
	Partner Profile `json:"partner"`
}

// MatchEndedPayload announces room teardown.
// Reason is "ended" for a mutual close and "partner_disconnected" when the
// other side's transport dropped.
type MatchEndedPayload struct {
	RoomKey string `json:"room_key"`
	Reason  string `json:"reason"`
}

// MatchEnded reasons (wire-stable).
const (
	MatchEndReasonEnded        = "ended"
	MatchEndReasonDisconnected = "partner_disconnected"
)

// RoomMessage is a non-persisted message inside an ephemeral room.
type RoomMessage struct {
	SenderID string    `json:"sender_id"`
	Text     string    `json:"text,omitempty"`
	ImageURL string    `json:"image_url,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// RoomMessageSendPayload sends a message inside an ephemeral room.
type RoomMessageSendPayload struct {
	RoomKey  string `json:"room_key"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// RoomMessagePayload delivers the room's message buffer to a participant.
type RoomMessagePayload struct {
	RoomKey  string        `json:"room_key"`
	Messages []RoomMessage `json:"messages"`
}

// TypingPayload relays a typing indicator within a room (last write wins).
type TypingPayload struct {
	RoomKey  string `json:"room_key"`
	SenderID string `json:"sender_id,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// FriendCheckPayload asks whether another user is a friend of the caller.
type FriendCheckPayload struct {
	OtherUserID string `json:"other_user_id"`
}

// FriendStatusPayload answers a friend check.
type FriendStatusPayload struct {
	OtherUserID string `json:"other_user_id"`
	IsFriend    bool   `json:"is_friend"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
