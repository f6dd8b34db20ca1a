package match

import (
	"sync"

	v1 "parley/contracts/chat/v1"
	"parley/internal/presence"
)

// Bound the in-memory buffer; rooms are throwaway and never persisted.
const roomMaxMessages = 1000

// Room is an ephemeral chat room holding exactly two paired connections and
// an in-memory message buffer. Created at pairing, destroyed on either
// side's end-chat or disconnect, never by timer.
type Room struct {
	Key string

	mu      sync.Mutex
	members map[string]*presence.Client
	msgs    []v1.RoomMessage
}

func newRoom(key string, a, b *presence.Client) *Room {
	return &Room{
		Key: key,
		members: map[string]*presence.Client{
			a.UserID: a,
			b.UserID: b,
		},
	}
}

// member returns the client registered in the room for userID, or nil.
func (r *Room) member(userID string) *presence.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[userID]
}

// other returns the participant that is not userID, or nil.
func (r *Room) other(userID string) *presence.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.members {
		if id != userID {
			return c
		}
	}
	return nil
}

// append adds a message to the buffer and returns a snapshot of the whole
// buffer, which is what gets delivered (the peer always sees the full room).
func (r *Room) append(msg v1.RoomMessage) []v1.RoomMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = append(r.msgs, msg)
	if len(r.msgs) > roomMaxMessages {
		r.msgs = r.msgs[len(r.msgs)-roomMaxMessages:]
	}
	return append([]v1.RoomMessage(nil), r.msgs...)
}
