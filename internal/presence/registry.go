// Package presence owns the mapping between durable user identities and live
// websocket sessions, plus the online-set broadcast.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/ids"
	"parley/internal/metrics"
)

// Registry is the connection registry.
//
// Invariant: at most one Client per user identity at any instant. A new
// registration for the same identity supersedes (and closes) the old client;
// the registry never merges connections.
type Registry struct {
	log    *slog.Logger
	mirror *RedisMirror

	mu     sync.RWMutex
	byUser map[string]*Client
}

// NewRegistry constructs a Registry. mirror may be nil.
func NewRegistry(log *slog.Logger, mirror *RedisMirror) *Registry {
	return &Registry{
		log:    log,
		mirror: mirror,
		byUser: make(map[string]*Client),
	}
}

// Register installs the mapping for client.UserID, superseding any prior
// connection for that identity, and broadcasts the updated online set.
func (r *Registry) Register(ctx context.Context, client *Client) {
	if r == nil || client == nil || client.UserID == "" {
		return
	}

	r.mu.Lock()
	old := r.byUser[client.UserID]
	r.byUser[client.UserID] = client
	n := len(r.byUser)
	r.mu.Unlock()

	// Close the superseded session after it is out of the map, so broadcasters
	// never hold a pointer to a client that is mid-teardown.
	if old != nil && old != client {
		old.Close()
		r.log.Info("presence.superseded", "user_id", client.UserID, "old_session", old.SessionID, "new_session", client.SessionID)
	}

	metrics.OnlineUsers.Set(float64(n))
	r.log.Info("presence.register", "user_id", client.UserID, "session_id", client.SessionID, "online", n)

	r.mirror.SetOnline(ctx, client.UserID)
	r.BroadcastOnline()
}

// Unregister removes the mapping for userID, but only if client is still the
// registered session for that identity. A superseded connection unregistering
// late must not knock its successor offline. Safe no-op for unknown users.
func (r *Registry) Unregister(ctx context.Context, userID string, client *Client) {
	if r == nil || userID == "" {
		return
	}

	r.mu.Lock()
	cur, ok := r.byUser[userID]
	if ok && (client == nil || cur == client) {
		delete(r.byUser, userID)
	} else {
		ok = false
	}
	n := len(r.byUser)
	r.mu.Unlock()

	if !ok {
		return
	}

	metrics.OnlineUsers.Set(float64(n))
	r.log.Info("presence.unregister", "user_id", userID, "online", n)

	r.mirror.SetOffline(ctx, userID)
	r.BroadcastOnline()
}

// Lookup returns the live client for userID, or nil. Never blocks.
func (r *Registry) Lookup(userID string) *Client {
	if r == nil || userID == "" {
		return nil
	}
	r.mu.RLock()
	c := r.byUser[userID]
	r.mu.RUnlock()
	return c
}

// IsOnline reports whether userID has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	return r.Lookup(userID) != nil
}

// Online returns a sorted snapshot of the online identities.
func (r *Registry) Online() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// BroadcastOnline pushes the current online set to every connected client.
// Non-blocking per client: a full queue or closing client is skipped.
func (r *Registry) BroadcastOnline() {
	if r == nil {
		return
	}

	online := r.Online()
	payload, _ := json.Marshal(v1.PresencePayload{Online: online})
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypePresence,
		ID:      ids.NewRandomHex(10),
		TS:      time.Now().UTC(),
		Payload: payload,
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.byUser {
		c.TrySend(env)
	}
}
