// Package match pairs anonymous users from a waiting pool into temporary
// chat rooms and relays messages inside them. Everything here is in-memory
// and best-effort: a crash loses all waiting/paired state by design.
package match

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/directory"
	"parley/internal/events"
	"parley/internal/ids"
	"parley/internal/metrics"
	"parley/internal/presence"
)

type waitingEntry struct {
	userID     string
	client     *presence.Client
	enqueuedAt time.Time
}

// Engine owns the waiting pool, the identity state, and the room arena.
//
// One mutex guards all three so that pairing decisions are linearizable:
// enqueue and greedy pairing happen in the same critical section, which is
// what makes the FIFO invariant hold exactly under concurrent arrivals, and
// what makes cancel-vs-pair races resolve to one consistent outcome.
type Engine struct {
	log    *slog.Logger
	dir    directory.Directory
	events *events.Publisher

	mu         sync.Mutex
	waiting    []waitingEntry
	waitingSet map[string]struct{}
	rooms      map[string]*Room
	byUser     map[string]*Room
}

// NewEngine constructs a matchmaking engine. events may be nil.
func NewEngine(log *slog.Logger, dir directory.Directory, pub *events.Publisher) *Engine {
	return &Engine{
		log:        log,
		dir:        dir,
		events:     pub,
		waitingSet: make(map[string]struct{}),
		rooms:      make(map[string]*Room),
		byUser:     make(map[string]*Room),
	}
}

// RoomKey returns the deterministic room id for a pair of identities.
func RoomKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// RequestMatch enqueues client's identity into the waiting pool. Greedy FIFO
// pairing: as soon as the pool holds two entries, the two oldest are paired.
// A no-op (with a log) if the identity is already waiting or already paired.
func (e *Engine) RequestMatch(ctx context.Context, client *presence.Client) {
	if e == nil || client == nil || client.UserID == "" {
		return
	}
	userID := client.UserID

	var (
		paired bool
		room   *Room
		first  waitingEntry
		second waitingEntry
	)

	e.mu.Lock()
	if _, busy := e.waitingSet[userID]; busy {
		e.mu.Unlock()
		e.log.Info("match.request.ignored", "user_id", userID, "state", "waiting")
		return
	}
	if _, inRoom := e.byUser[userID]; inRoom {
		e.mu.Unlock()
		e.log.Info("match.request.ignored", "user_id", userID, "state", "paired")
		return
	}

	e.waiting = append(e.waiting, waitingEntry{
		userID:     userID,
		client:     client,
		enqueuedAt: time.Now().UTC(),
	})
	e.waitingSet[userID] = struct{}{}

	if len(e.waiting) >= 2 {
		first, second = e.waiting[0], e.waiting[1]
		e.waiting = e.waiting[2:]
		delete(e.waitingSet, first.userID)
		delete(e.waitingSet, second.userID)

		room = newRoom(RoomKey(first.userID, second.userID), first.client, second.client)
		e.rooms[room.Key] = room
		e.byUser[first.userID] = room
		e.byUser[second.userID] = room
		paired = true
	}
	poolSize := len(e.waiting)
	roomCount := len(e.rooms)
	e.mu.Unlock()

	metrics.MatchPoolSize.Set(float64(poolSize))
	metrics.ActiveRooms.Set(float64(roomCount))

	if !paired {
		e.log.Info("match.waiting", "user_id", userID, "pool", poolSize)
		client.TrySend(newEnvelope(v1.TypeMatchWaiting, nil))
		return
	}

	metrics.MatchesPaired.Inc()
	e.log.Info("match.paired", "room_key", room.Key, "user_a", first.userID, "user_b", second.userID)

	go e.events.MatchPaired(context.Background(), events.MatchPairedEvent{
		RoomKey:  room.Key,
		UserA:    first.userID,
		UserB:    second.userID,
		PairedAt: time.Now().UTC(),
	})

	e.notifyStarted(ctx, room.Key, first, second)
	e.notifyStarted(ctx, room.Key, second, first)
}

// notifyStarted sends match_started to "to", carrying the partner's profile.
// Resolution failures fall back to a minimal profile rather than losing the
// pairing; the room already exists at this point.
func (e *Engine) notifyStarted(ctx context.Context, roomKey string, to, partner waitingEntry) {
	profile := v1.Profile{UserID: partner.userID, Name: partner.userID}
	if p, err := e.dir.Resolve(ctx, partner.userID); err == nil {
		profile = v1.Profile{UserID: p.UserID, Name: p.Name, AvatarURL: p.AvatarURL}
	} else {
		e.log.Info("match.profile.fail", "user_id", partner.userID, "err", err)
	}

	payload, _ := json.Marshal(v1.MatchStartedPayload{RoomKey: roomKey, Partner: profile})
	to.client.TrySend(newEnvelope(v1.TypeMatchStarted, payload))
}

// CancelMatch removes userID from the waiting pool. Idempotent; a no-op for
// unknown or already-paired identities.
func (e *Engine) CancelMatch(userID string) {
	if e == nil || userID == "" {
		return
	}

	e.mu.Lock()
	if _, ok := e.waitingSet[userID]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.waitingSet, userID)
	for i, w := range e.waiting {
		if w.userID == userID {
			e.waiting = append(e.waiting[:i], e.waiting[i+1:]...)
			break
		}
	}
	poolSize := len(e.waiting)
	e.mu.Unlock()

	metrics.MatchPoolSize.Set(float64(poolSize))
	e.log.Info("match.cancelled", "user_id", userID, "pool", poolSize)
}

// EndChat tears down userID's room, notifying both participants with reason
// "ended". No-op if the identity is not in a room.
func (e *Engine) EndChat(userID string) {
	if e == nil || userID == "" {
		return
	}

	room, partner := e.teardown(userID, nil)
	if room == nil {
		return
	}

	e.log.Info("match.ended", "room_key", room.Key, "by", userID)

	payload, _ := json.Marshal(v1.MatchEndedPayload{RoomKey: room.Key, Reason: v1.MatchEndReasonEnded})
	env := newEnvelope(v1.TypeMatchEnded, payload)
	if c := room.member(userID); c != nil {
		c.TrySend(env)
	}
	if partner != nil {
		partner.TrySend(env)
	}
}

// HandleDisconnect discards client's waiting/paired state. If client was
// paired, the remaining partner receives exactly one match_ended citing
// disconnection. Guarded by pointer identity so a superseded connection
// disconnecting late cannot tear down its successor's room.
func (e *Engine) HandleDisconnect(client *presence.Client) {
	if e == nil || client == nil || client.UserID == "" {
		return
	}
	userID := client.UserID

	e.mu.Lock()
	if _, ok := e.waitingSet[userID]; ok {
		for i, w := range e.waiting {
			if w.userID == userID && w.client == client {
				e.waiting = append(e.waiting[:i], e.waiting[i+1:]...)
				delete(e.waitingSet, userID)
				break
			}
		}
	}
	poolSize := len(e.waiting)
	e.mu.Unlock()
	metrics.MatchPoolSize.Set(float64(poolSize))

	room, partner := e.teardown(userID, client)
	if room == nil {
		return
	}

	e.log.Info("match.partner_disconnected", "room_key", room.Key, "user_id", userID)

	if partner != nil {
		payload, _ := json.Marshal(v1.MatchEndedPayload{RoomKey: room.Key, Reason: v1.MatchEndReasonDisconnected})
		partner.TrySend(newEnvelope(v1.TypeMatchEnded, payload))
	}
}

// teardown removes userID's room from the arena and returns it together with
// the partner's client. When owner is non-nil, teardown only proceeds if the
// room still holds that exact connection for userID.
func (e *Engine) teardown(userID string, owner *presence.Client) (*Room, *presence.Client) {
	e.mu.Lock()
	room := e.byUser[userID]
	if room == nil {
		e.mu.Unlock()
		return nil, nil
	}
	if owner != nil && room.member(userID) != owner {
		e.mu.Unlock()
		return nil, nil
	}

	delete(e.rooms, room.Key)
	partner := room.other(userID)
	delete(e.byUser, userID)
	if partner != nil {
		delete(e.byUser, partner.UserID)
	}
	roomCount := len(e.rooms)
	e.mu.Unlock()

	metrics.ActiveRooms.Set(float64(roomCount))
	return room, partner
}

// Relay validates, buffers and delivers a room message to the other
// participant only (the sender already has local echo). A stale room key
// returns ErrRoomGone, which callers drop silently.
func (e *Engine) Relay(roomKey, senderID, text, imageURL string) error {
	if e == nil {
		return ErrRoomGone
	}
	text = strings.TrimSpace(text)
	imageURL = strings.TrimSpace(imageURL)
	if text == "" && imageURL == "" {
		return ErrInvalidMessage
	}

	e.mu.Lock()
	room := e.rooms[roomKey]
	e.mu.Unlock()
	if room == nil {
		return ErrRoomGone
	}
	if room.member(senderID) == nil {
		return ErrNotParticipant
	}

	buffer := room.append(v1.RoomMessage{
		SenderID: senderID,
		Text:     text,
		ImageURL: imageURL,
		SentAt:   time.Now().UTC(),
	})

	if partner := room.other(senderID); partner != nil {
		payload, _ := json.Marshal(v1.RoomMessagePayload{RoomKey: roomKey, Messages: buffer})
		partner.TrySend(newEnvelope(v1.TypeRoomMessage, payload))
	}
	return nil
}

// RelayTyping forwards a typing flag to the other participant.
// No persistence, no buffering, last write wins.
func (e *Engine) RelayTyping(roomKey, senderID string, isTyping bool) error {
	if e == nil {
		return ErrRoomGone
	}

	e.mu.Lock()
	room := e.rooms[roomKey]
	e.mu.Unlock()
	if room == nil {
		return ErrRoomGone
	}
	if room.member(senderID) == nil {
		return ErrNotParticipant
	}

	if partner := room.other(senderID); partner != nil {
		payload, _ := json.Marshal(v1.TypingPayload{RoomKey: roomKey, SenderID: senderID, IsTyping: isTyping})
		partner.TrySend(newEnvelope(v1.TypeTyping, payload))
	}
	return nil
}

// RoomCount reports the number of live rooms (teardown visibility).
func (e *Engine) RoomCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rooms)
}

// WaitingCount reports the size of the waiting pool.
func (e *Engine) WaitingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiting)
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
