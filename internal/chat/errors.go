package chat

import "errors"

var (
	// ErrValidation means malformed input; no state was mutated.
	ErrValidation = errors.New("chat: invalid input")
	// ErrNotFound means the referenced conversation does not exist.
	ErrNotFound = errors.New("chat: conversation not found")
	// ErrNotAuthorized means the caller is not a participant of the conversation.
	ErrNotAuthorized = errors.New("chat: not a participant")
)
