// Package main provides a CI-friendly WebSocket smoke test for the Parley
// chat server.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack identity establishment
//   - direct message send -> ack
//   - history push to the receiving side
//   - conversation_open marks messages seen and notifies the author
//   - matchmaking: request -> paired -> room relay -> end
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "parley/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "parley.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-alice", "First user identity")
		userB   = flag.String("user-b", "smoke-bob", "Second user identity")
		text    = flag.String("text", "hello parley 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	// Direct messaging: A -> B with synchronous ack.
	msg := mustSendAndAssertAck(root, a, *userB, *text, *timeout)

	// B is online, so the updated history is pushed without a fetch.
	mustAssertHistoryPush(root, b, msg, *timeout)

	// B opens the conversation: history comes back and A learns it was read.
	mustOpenAndAssertSeen(root, b, *userA, msg, *timeout)
	mustReadUntilType(root, a, v1.TypeMessagesRead, *timeout)

	// Matchmaking: both enter the pool and get paired with each other.
	roomKey := mustMatch(root, a, b, *timeout)

	mustRelayAndAssert(root, a, b, roomKey, "room ping", *timeout)

	mustWrite(root, a.conn, newClientEnvelope(a.name+"-end", v1.TypeMatchEnd, nil), *timeout)
	mustAssertMatchEnded(root, a, roomKey, v1.MatchEndReasonEnded, *timeout)
	mustAssertMatchEnded(root, b, roomKey, v1.MatchEndReasonEnded, *timeout)

	fmt.Printf("OK: A=%s B=%s conversation=%s room=%s\n", a.sessionID, b.sessionID, msg.ConversationID, roomKey)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := newClientEnvelope(name+"-hello", v1.TypeHello, mustJSON(v1.HelloPayload{UserID: userID}))
	mustWrite(parent, conn, hello, stepTimeout)

	ack := mustReadUntilType(parent, c, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, receiverID, text string, stepTimeout time.Duration) v1.Message {
	env := newClientEnvelope(
		fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano()),
		v1.TypeMessageSend,
		mustJSON(v1.MessageSendPayload{ReceiverID: receiverID, Text: text}),
	)
	mustWrite(parent, c.conn, env, stepTimeout)

	ack := mustReadUntilType(parent, c, v1.TypeMessageAck, stepTimeout)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.Message.AuthorID != c.userID {
		fatalf("ack author mismatch (%s): got=%q want=%q", c.name, p.Message.AuthorID, c.userID)
	}
	if p.Message.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Message.Seq)
	}
	if p.Message.Text != text {
		fatalf("ack text mismatch (%s): got=%q want=%q", c.name, p.Message.Text, text)
	}
	return p.Message
}

func mustAssertHistoryPush(parent context.Context, c *smokeClient, want v1.Message, stepTimeout time.Duration) {
	env := mustReadUntilType(parent, c, v1.TypeConversationHistory, stepTimeout)

	var p v1.ConversationHistoryPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal conversation_history payload (%s): %v", c.name, err)
	}
	if p.ConversationID != want.ConversationID {
		fatalf("history conv mismatch (%s): got=%q want=%q", c.name, p.ConversationID, want.ConversationID)
	}

	for _, m := range p.Messages {
		if m.ID == want.ID && m.Seq == want.Seq && m.Text == want.Text {
			return
		}
	}
	fatalf("history push missing expected message (%s)", c.name)
}

func mustOpenAndAssertSeen(parent context.Context, c *smokeClient, otherUserID string, want v1.Message, stepTimeout time.Duration) {
	req := newClientEnvelope(c.name+"-open", v1.TypeConversationOpen, mustJSON(v1.ConversationOpenPayload{OtherUserID: otherUserID}))
	mustWrite(parent, c.conn, req, stepTimeout)

	env := mustReadUntilType(parent, c, v1.TypeConversationHistory, stepTimeout)

	var p v1.ConversationHistoryPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal conversation_history payload (%s): %v", c.name, err)
	}
	for _, m := range p.Messages {
		if m.ID == want.ID {
			if !m.Seen {
				fatalf("opened history message not marked seen (%s)", c.name)
			}
			return
		}
	}
	fatalf("opened history missing expected message (%s)", c.name)
}

func mustMatch(parent context.Context, a, b *smokeClient, stepTimeout time.Duration) string {
	mustWrite(parent, a.conn, newClientEnvelope(a.name+"-match", v1.TypeMatchRequest, nil), stepTimeout)
	mustReadUntilType(parent, a, v1.TypeMatchWaiting, stepTimeout)

	mustWrite(parent, b.conn, newClientEnvelope(b.name+"-match", v1.TypeMatchRequest, nil), stepTimeout)

	envA := mustReadUntilType(parent, a, v1.TypeMatchStarted, stepTimeout)
	envB := mustReadUntilType(parent, b, v1.TypeMatchStarted, stepTimeout)

	var pa, pb v1.MatchStartedPayload
	if err := json.Unmarshal(envA.Payload, &pa); err != nil {
		fatalf("unmarshal match_started payload (A): %v", err)
	}
	if err := json.Unmarshal(envB.Payload, &pb); err != nil {
		fatalf("unmarshal match_started payload (B): %v", err)
	}
	if pa.RoomKey != pb.RoomKey {
		fatalf("room key mismatch: A=%q B=%q", pa.RoomKey, pb.RoomKey)
	}
	if pa.Partner.UserID != b.userID {
		fatalf("A paired with %q want %q", pa.Partner.UserID, b.userID)
	}
	if pb.Partner.UserID != a.userID {
		fatalf("B paired with %q want %q", pb.Partner.UserID, a.userID)
	}
	return pa.RoomKey
}

func mustRelayAndAssert(parent context.Context, from, to *smokeClient, roomKey, text string, stepTimeout time.Duration) {
	env := newClientEnvelope(from.name+"-room-send", v1.TypeRoomMessageSend, mustJSON(v1.RoomMessageSendPayload{
		RoomKey: roomKey,
		Text:    text,
	}))
	mustWrite(parent, from.conn, env, stepTimeout)

	got := mustReadUntilType(parent, to, v1.TypeRoomMessage, stepTimeout)

	var p v1.RoomMessagePayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal room_message payload (%s): %v", to.name, err)
	}
	if p.RoomKey != roomKey {
		fatalf("room key mismatch (%s): got=%q want=%q", to.name, p.RoomKey, roomKey)
	}
	if len(p.Messages) == 0 || p.Messages[len(p.Messages)-1].Text != text {
		fatalf("room buffer missing relayed message (%s)", to.name)
	}
}

func mustAssertMatchEnded(parent context.Context, c *smokeClient, roomKey, reason string, stepTimeout time.Duration) {
	env := mustReadUntilType(parent, c, v1.TypeMatchEnded, stepTimeout)

	var p v1.MatchEndedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal match_ended payload (%s): %v", c.name, err)
	}
	if p.RoomKey != roomKey {
		fatalf("match_ended room mismatch (%s): got=%q want=%q", c.name, p.RoomKey, roomKey)
	}
	if p.Reason != reason {
		fatalf("match_ended reason mismatch (%s): got=%q want=%q", c.name, p.Reason, reason)
	}
}

// mustReadUntilType skips unrelated envelopes (presence broadcasts,
// conversation_list pushes) until wantType arrives.
func mustReadUntilType(parent context.Context, c *smokeClient, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func newClientEnvelope(id, typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
