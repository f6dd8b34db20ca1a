package presence

import (
	"sync"

	v1 "parley/contracts/chat/v1"
)

// Client represents one connected websocket session bound to a user identity.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	UserID    string
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		UserID:    userID,
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TrySend enqueues an envelope without blocking.
// Returns false if the client is shutting down or its queue is full;
// a miss is equivalent to "recipient offline" and never an error.
func (c *Client) TrySend(env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		// Drop rather than block the caller.
		return false
	}
}
