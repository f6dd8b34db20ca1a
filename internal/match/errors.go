package match

import "errors"

var (
	// ErrRoomGone means the room no longer exists. Expected under races
	// between end-chat/disconnect and in-flight messages; callers drop.
	ErrRoomGone = errors.New("match: room gone")
	// ErrNotParticipant means the sender is not one of the room's two members.
	ErrNotParticipant = errors.New("match: not a room participant")
	// ErrInvalidMessage means the relayed message had neither text nor image.
	ErrInvalidMessage = errors.New("match: empty message")
)
