package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	v1 "parley/contracts/chat/v1"
	"parley/internal/directory"
	"parley/internal/presence"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := directory.NewStaticDirectory(nil, true)
	return NewEngine(log, dir, nil)
}

func newTestClient(userID string) *presence.Client {
	return presence.NewClient(userID, "s-"+userID, 64)
}

// recvType pops one envelope without blocking and returns its type, or "".
func recvType(c *presence.Client) string {
	select {
	case env := <-c.Send:
		return env.Type
	default:
		return ""
	}
}

// drainTypes empties the queue and returns all envelope types.
func drainTypes(c *presence.Client) []string {
	var out []string
	for {
		typ := recvType(c)
		if typ == "" {
			return out
		}
		out = append(out, typ)
	}
}

func hasType(types []string, want string) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}

// popEnvelope pops one envelope of the given type (skipping others) or fails.
func popEnvelope(t *testing.T, c *presence.Client, want string) v1.Envelope {
	t.Helper()
	for {
		select {
		case env := <-c.Send:
			if env.Type == want {
				return env
			}
		default:
			t.Fatalf("no %s envelope queued", want)
			return v1.Envelope{}
		}
	}
}

func TestSingleWaiterGetsWaitingNotice(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	alice := newTestClient("alice")

	e.RequestMatch(context.Background(), alice)

	if e.WaitingCount() != 1 {
		t.Fatalf("waiting=%d want 1", e.WaitingCount())
	}
	if typ := recvType(alice); typ != v1.TypeMatchWaiting {
		t.Fatalf("got %q want match_waiting", typ)
	}
}

func TestFIFOPairing(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	a := newTestClient("a")
	b := newTestClient("b")
	c := newTestClient("c")
	d := newTestClient("d")
	five := newTestClient("e")

	// Arrival order a, b, c, d, e: pairs must be (a,b) and (c,d); e waits.
	e.RequestMatch(ctx, a)
	e.RequestMatch(ctx, b)
	e.RequestMatch(ctx, c)
	e.RequestMatch(ctx, d)
	e.RequestMatch(ctx, five)

	if e.RoomCount() != 2 {
		t.Fatalf("rooms=%d want 2", e.RoomCount())
	}
	if e.WaitingCount() != 1 {
		t.Fatalf("waiting=%d want 1", e.WaitingCount())
	}

	var pab v1.MatchStartedPayload
	env := popEnvelope(t, a, v1.TypeMatchStarted)
	if err := json.Unmarshal(env.Payload, &pab); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pab.Partner.UserID != "b" {
		t.Fatalf("a paired with %q want b", pab.Partner.UserID)
	}
	if pab.RoomKey != RoomKey("a", "b") {
		t.Fatalf("room key=%q want %q", pab.RoomKey, RoomKey("a", "b"))
	}

	var pcd v1.MatchStartedPayload
	env = popEnvelope(t, c, v1.TypeMatchStarted)
	if err := json.Unmarshal(env.Payload, &pcd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pcd.Partner.UserID != "d" {
		t.Fatalf("c paired with %q want d", pcd.Partner.UserID)
	}

	if typ := recvType(five); typ != v1.TypeMatchWaiting {
		t.Fatalf("fifth waiter got %q want match_waiting", typ)
	}
}

func TestRequestWhileWaitingOrPairedIsIgnored(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	a := newTestClient("a")
	e.RequestMatch(ctx, a)
	e.RequestMatch(ctx, a)
	if e.WaitingCount() != 1 {
		t.Fatalf("duplicate request must not double-enqueue; waiting=%d", e.WaitingCount())
	}

	b := newTestClient("b")
	e.RequestMatch(ctx, b)
	if e.RoomCount() != 1 {
		t.Fatalf("rooms=%d want 1", e.RoomCount())
	}

	// Paired identities asking again must not re-enter the pool.
	e.RequestMatch(ctx, a)
	if e.WaitingCount() != 0 || e.RoomCount() != 1 {
		t.Fatalf("waiting=%d rooms=%d after paired re-request", e.WaitingCount(), e.RoomCount())
	}
}

func TestCancelMatchIdempotent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	a := newTestClient("a")
	e.RequestMatch(ctx, a)
	if e.WaitingCount() != 1 {
		t.Fatalf("waiting=%d want 1", e.WaitingCount())
	}

	e.CancelMatch("a")
	if e.WaitingCount() != 0 {
		t.Fatalf("waiting=%d want 0 after cancel", e.WaitingCount())
	}

	// Idempotent, including for never-enqueued identities.
	e.CancelMatch("a")
	e.CancelMatch("ghost")

	// A cancelled waiter never blocks a later pairing.
	b := newTestClient("b")
	c := newTestClient("c")
	e.RequestMatch(ctx, b)
	e.RequestMatch(ctx, c)
	if e.RoomCount() != 1 {
		t.Fatalf("rooms=%d want 1", e.RoomCount())
	}
}

func TestRelayBuffersAndDeliversToPartnerOnly(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	a := newTestClient("a")
	b := newTestClient("b")
	e.RequestMatch(ctx, a)
	e.RequestMatch(ctx, b)
	drainTypes(a)
	drainTypes(b)

	key := RoomKey("a", "b")

	if err := e.Relay(key, "a", "hi", ""); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if err := e.Relay(key, "b", "hey", ""); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	// b received a's message; the second relay delivered the 2-element buffer to a.
	env := popEnvelope(t, b, v1.TypeRoomMessage)
	var pb v1.RoomMessagePayload
	if err := json.Unmarshal(env.Payload, &pb); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(pb.Messages) != 1 || pb.Messages[0].SenderID != "a" {
		t.Fatalf("b buffer=%+v want one message from a", pb.Messages)
	}

	env = popEnvelope(t, a, v1.TypeRoomMessage)
	var pa v1.RoomMessagePayload
	if err := json.Unmarshal(env.Payload, &pa); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(pa.Messages) != 2 || pa.Messages[1].SenderID != "b" {
		t.Fatalf("a buffer=%+v want two messages ending with b's", pa.Messages)
	}
}

func TestRelayErrors(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	a := newTestClient("a")
	b := newTestClient("b")
	e.RequestMatch(ctx, a)
	e.RequestMatch(ctx, b)
	key := RoomKey("a", "b")

	if err := e.Relay(key, "a", "   ", ""); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("blank relay err=%v want ErrInvalidMessage", err)
	}
	if err := e.Relay(key, "mallory", "hi", ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider relay err=%v want ErrNotParticipant", err)
	}
	if err := e.Relay("ghost:room", "a", "hi", ""); !errors.Is(err, ErrRoomGone) {
		t.Fatalf("unknown room err=%v want ErrRoomGone", err)
	}
}

func TestEndChatNotifiesBothSides(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	a := newTestClient("a")
	b := newTestClient("b")
	e.RequestMatch(ctx, a)
	e.RequestMatch(ctx, b)
	drainTypes(a)
	drainTypes(b)

	e.EndChat("a")

	if e.RoomCount() != 0 {
		t.Fatalf("rooms=%d want 0", e.RoomCount())
	}

	for name, c := range map[string]*presence.Client{"a": a, "b": b} {
		env := popEnvelope(t, c, v1.TypeMatchEnded)
		var p v1.MatchEndedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if p.Reason != v1.MatchEndReasonEnded {
			t.Fatalf("%s reason=%q want %q", name, p.Reason, v1.MatchEndReasonEnded)
		}
	}

	// Further relays into the dead room vanish.
	if err := e.Relay(RoomKey("a", "b"), "a", "anyone?", ""); !errors.Is(err, ErrRoomGone) {
		t.Fatalf("relay after end err=%v want ErrRoomGone", err)
	}
}

func TestDisconnectNotifiesPartner(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	a := newTestClient("a")
	b := newTestClient("b")
	e.RequestMatch(ctx, a)
	e.RequestMatch(ctx, b)
	drainTypes(a)
	drainTypes(b)

	e.HandleDisconnect(a)

	if e.RoomCount() != 0 {
		t.Fatalf("rooms=%d want 0", e.RoomCount())
	}

	env := popEnvelope(t, b, v1.TypeMatchEnded)
	var p v1.MatchEndedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Reason != v1.MatchEndReasonDisconnected {
		t.Fatalf("reason=%q want %q", p.Reason, v1.MatchEndReasonDisconnected)
	}
	if hasType(drainTypes(a), v1.TypeMatchEnded) {
		t.Fatalf("disconnected side must not be notified")
	}
}

func TestDisconnectOfSupersededConnectionIsIgnored(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	stale := newTestClient("a")
	b := newTestClient("b")

	// The pairing happened on the fresh connection, not the stale one.
	fresh := newTestClient("a")
	e.RequestMatch(ctx, fresh)
	e.RequestMatch(ctx, b)
	if e.RoomCount() != 1 {
		t.Fatalf("rooms=%d want 1", e.RoomCount())
	}

	// The stale connection going away must not tear down the fresh room.
	e.HandleDisconnect(stale)
	if e.RoomCount() != 1 {
		t.Fatalf("stale disconnect tore down the room")
	}

	e.HandleDisconnect(fresh)
	if e.RoomCount() != 0 {
		t.Fatalf("fresh disconnect must tear down the room")
	}
}

func TestDisconnectRemovesWaiter(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	a := newTestClient("a")
	e.RequestMatch(ctx, a)
	e.HandleDisconnect(a)

	if e.WaitingCount() != 0 {
		t.Fatalf("waiting=%d want 0", e.WaitingCount())
	}

	// The pool is clean: a later pair forms without the ghost.
	b := newTestClient("b")
	c := newTestClient("c")
	e.RequestMatch(ctx, b)
	e.RequestMatch(ctx, c)
	if e.RoomCount() != 1 {
		t.Fatalf("rooms=%d want 1", e.RoomCount())
	}
}

func TestRelayTyping(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	a := newTestClient("a")
	b := newTestClient("b")
	e.RequestMatch(ctx, a)
	e.RequestMatch(ctx, b)
	drainTypes(a)
	drainTypes(b)

	key := RoomKey("a", "b")
	if err := e.RelayTyping(key, "a", true); err != nil {
		t.Fatalf("RelayTyping: %v", err)
	}

	env := popEnvelope(t, b, v1.TypeTyping)
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.SenderID != "a" || !p.IsTyping {
		t.Fatalf("typing payload=%+v", p)
	}

	if err := e.RelayTyping(key, "mallory", true); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider typing err=%v want ErrNotParticipant", err)
	}
	if err := e.RelayTyping("gone:room", "a", true); !errors.Is(err, ErrRoomGone) {
		t.Fatalf("unknown room typing err=%v want ErrRoomGone", err)
	}
}

// drainEnvelopes empties the queue and returns every envelope in order.
func drainEnvelopes(c *presence.Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestConcurrentRequestsPairEachIdentityAtMostOnce(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	const n = 64
	clients := make([]*presence.Client, n)
	for i := range clients {
		clients[i] = newTestClient(fmt.Sprintf("user-%02d", i))
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *presence.Client) {
			defer wg.Done()
			e.RequestMatch(context.Background(), c)
		}(c)
	}
	wg.Wait()

	// partner[x] = y means x received match_started naming y.
	partner := make(map[string]string, n)
	roomOf := make(map[string]string, n)
	for _, c := range clients {
		started := 0
		for _, env := range drainEnvelopes(c) {
			if env.Type != v1.TypeMatchStarted {
				continue
			}
			started++
			var p v1.MatchStartedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				t.Fatalf("unmarshal match_started for %s: %v", c.UserID, err)
			}
			partner[c.UserID] = p.Partner.UserID
			roomOf[c.UserID] = p.RoomKey
		}
		if started > 1 {
			t.Fatalf("%s was paired %d times", c.UserID, started)
		}
	}

	for a, b := range partner {
		if a == b {
			t.Fatalf("%s was paired with itself", a)
		}
		if partner[b] != a {
			t.Fatalf("pairing not reciprocal: %s->%s but %s->%s", a, b, b, partner[b])
		}
		if roomOf[a] != roomOf[b] {
			t.Fatalf("partners %s/%s disagree on room: %q vs %q", a, b, roomOf[a], roomOf[b])
		}
	}

	if got, want := 2*e.RoomCount(), len(partner); got != want {
		t.Fatalf("rooms hold %d members but %d identities saw match_started", got, want)
	}
	if got := 2*e.RoomCount() + e.WaitingCount(); got != n {
		t.Fatalf("rooms*2+waiting=%d, want every one of %d identities accounted for", got, n)
	}
}

func TestConcurrentRequestsAndCancelsStayConsistent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	const n = 48
	clients := make([]*presence.Client, n)
	for i := range clients {
		clients[i] = newTestClient(fmt.Sprintf("racer-%02d", i))
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(c *presence.Client) {
			defer wg.Done()
			e.RequestMatch(context.Background(), c)
		}(c)

		// Odd identities race a cancel against their own request.
		if i%2 == 1 {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				e.CancelMatch(userID)
			}(c.UserID)
		}
	}
	wg.Wait()

	partner := make(map[string]string, n)
	for _, c := range clients {
		started := 0
		for _, env := range drainEnvelopes(c) {
			if env.Type != v1.TypeMatchStarted {
				continue
			}
			started++
			var p v1.MatchStartedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				t.Fatalf("unmarshal match_started for %s: %v", c.UserID, err)
			}
			partner[c.UserID] = p.Partner.UserID
		}
		if started > 1 {
			t.Fatalf("%s was paired %d times", c.UserID, started)
		}
	}

	// A cancel that loses the race to pairing is a no-op, so the only hard
	// guarantees are reciprocity and room accounting.
	for a, b := range partner {
		if partner[b] != a {
			t.Fatalf("pairing not reciprocal: %s->%s but %s->%s", a, b, b, partner[b])
		}
	}
	if got, want := 2*e.RoomCount(), len(partner); got != want {
		t.Fatalf("rooms hold %d members but %d identities saw match_started", got, want)
	}
	if got := 2*e.RoomCount() + e.WaitingCount(); got > n {
		t.Fatalf("rooms*2+waiting=%d exceeds the %d identities that ever arrived", got, n)
	}
}
