// Package gateway is the WebSocket entrypoint binding the transport to the
// chat engine: presence registry, direct messaging, and matchmaking.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "parley/contracts/chat/v1"
	"parley/internal/chat"
	"parley/internal/directory"
	"parley/internal/ids"
	"parley/internal/match"
	"parley/internal/presence"
	"parley/internal/social"
)

const (
	wsSubprotocolV1 = "parley.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Wire error codes.
const (
	codeBadJSON       = "bad_json"
	codeBadEnvelope   = "bad_envelope"
	codeRateLimited   = "rate_limited"
	codeNotIdentified = "not_identified"
	codeIdentifyFail  = "identify_failed"
	codeValidation    = "validation"
	codeNotFound      = "not_found"
	codeNotAuthorized = "not_authorized"
	codeStorage       = "storage_unavailable"
	codeUnsupported   = "unsupported"
)

// WSGateway is the WebSocket entrypoint.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the registry, the messaging service and
// the matchmaking engine. Handler logic for a single connection runs its
// events one at a time in arrival order; different connections run
// concurrently with each other.
type WSGateway struct {
	log      *slog.Logger
	registry *presence.Registry
	dir      directory.Directory
	graph    social.Graph
	svc      *chat.Service
	engine   *match.Engine

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(
	log *slog.Logger,
	registry *presence.Registry,
	dir directory.Directory,
	graph social.Graph,
	svc *chat.Service,
	engine *match.Engine,
) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{
		log:      log,
		registry: registry,
		dir:      dir,
		graph:    graph,
		svc:      svc,
		engine:   engine,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("PARLEY_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PARLEY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PARLEY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PARLEY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PARLEY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PARLEY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PARLEY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PARLEY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PARLEY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PARLEY_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := uuid.NewString()

	// The client starts unbound; hello binds it to an identity before it is
	// registered, and nothing outside this goroutine sees it until then.
	client := presence.NewClient("", sessionID, g.sendQueueSize)
	sess := &wsSession{}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent and may run from the writer or heartbeat
	// goroutine while a hello is still in flight on the read loop; markDead
	// settles which side owns registry cleanup. It does NOT close
	// client.Send. Unregister/HandleDisconnect run before client.Close so
	// broadcasters never race a half-torn-down client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if sess.markDead() {
				g.registry.Unregister(context.Background(), client.UserID, client)
				g.engine.HandleDisconnect(client)
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, codeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(client, codeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, codeBadEnvelope, err.Error())
			continue readLoop
		}

		if env.Type == v1.TypeHello {
			if err := g.onHello(ctx, client, sess, env); err != nil {
				g.trySendError(client, codeIdentifyFail, err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			continue readLoop
		}

		if !sess.isIdentified() {
			g.trySendError(client, codeNotIdentified, "hello first")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeConversationListFetch:
			g.onListFetch(ctx, client)

		case v1.TypeConversationOpen:
			g.onConversationOpen(ctx, client, env)

		case v1.TypeMessageSend:
			g.onMessageSend(ctx, client, env)

		case v1.TypeConversationDelete:
			g.onConversationDelete(ctx, client, env)

		case v1.TypeMatchRequest:
			g.engine.RequestMatch(ctx, client)

		case v1.TypeMatchCancel:
			g.engine.CancelMatch(client.UserID)

		case v1.TypeMatchEnd:
			g.engine.EndChat(client.UserID)

		case v1.TypeRoomMessageSend:
			g.onRoomMessageSend(client, env)

		case v1.TypeTyping:
			g.onTyping(client, env)

		case v1.TypeFriendCheck:
			g.onFriendCheck(ctx, client, env)

		default:
			g.trySendError(client, codeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// wsSession is the identification state a connection shares between its
// read loop and the teardown paths running on the writer and heartbeat
// goroutines. markDead and markIdentified settle, under one lock, which
// side owns registry cleanup when teardown races a hello in flight.
type wsSession struct {
	mu         sync.Mutex
	dead       bool
	identified bool
}

// markDead freezes the session and reports whether it was identified; when
// true the caller owns the Unregister/HandleDisconnect cleanup.
func (s *wsSession) markDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = true
	return s.identified
}

// markIdentified reports false when teardown won the race; the hello path
// must then undo its own registration.
func (s *wsSession) markIdentified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}
	s.identified = true
	return true
}

func (s *wsSession) isIdentified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identified
}

// ---- handlers ----

// onHello resolves the declared identity and registers the connection.
// The registry must never hold a mapping for an identity that failed
// directory resolution, so resolution happens before Register.
func (g *WSGateway) onHello(ctx context.Context, client *presence.Client, sess *wsSession, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if sess.isIdentified() {
		// Repeated hello re-acks the current state; rebinding identities on a
		// live connection is not supported.
		if strings.TrimSpace(p.UserID) != client.UserID {
			return errors.New("identity rebind not supported")
		}
		return g.sendHelloAck(ctx, client)
	}

	userID := strings.TrimSpace(p.UserID)
	if userID == "" || !chat.ValidIdentity(userID) {
		return errors.New("invalid user_id")
	}

	profile, err := g.dir.Resolve(ctx, userID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) || errors.Is(err, directory.ErrInvalidInput) {
			return errors.New("unknown identity")
		}
		return fmt.Errorf("directory: %w", err)
	}

	client.UserID = profile.UserID
	g.registry.Register(ctx, client)

	if !sess.markIdentified() {
		// A write or heartbeat failure tore the session down while the
		// directory resolve was in flight. That teardown saw an unidentified
		// session and skipped cleanup, so the registration above is ours to
		// take back before it becomes a closed ghost in the registry.
		g.registry.Unregister(context.Background(), client.UserID, client)
		return errors.New("session closed")
	}

	g.log.Info("ws.identified", "session_id", client.SessionID, "user_id", client.UserID)

	return g.sendHelloAck(ctx, client)
}

func (g *WSGateway) sendHelloAck(ctx context.Context, client *presence.Client) error {
	conversations, err := g.svc.Summaries(ctx, client.UserID)
	if err != nil {
		g.log.Info("ws.hello.summaries.fail", "user_id", client.UserID, "err", err)
		conversations = nil
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		SessionID:     client.SessionID,
		Online:        g.registry.Online(),
		Conversations: conversations,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ackPayload)) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onListFetch(ctx context.Context, client *presence.Client) {
	entries, err := g.svc.Summaries(ctx, client.UserID)
	if err != nil {
		g.sendSvcError(client, err)
		return
	}

	payload, _ := json.Marshal(v1.ConversationListPayload{Conversations: entries})
	g.enqueue(ctx, client, newEnvelope(v1.TypeConversationList, payload))
}

func (g *WSGateway) onConversationOpen(ctx context.Context, client *presence.Client, env v1.Envelope) {
	var p v1.ConversationOpenPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, codeBadEnvelope, "invalid payload")
		return
	}

	convID, history, err := g.svc.OpenConversation(ctx, client.UserID, strings.TrimSpace(p.OtherUserID))
	if err != nil {
		g.sendSvcError(client, err)
		return
	}

	payload, _ := json.Marshal(v1.ConversationHistoryPayload{
		ConversationID: convID,
		Messages:       chat.WireMessages(history),
	})
	g.enqueue(ctx, client, newEnvelope(v1.TypeConversationHistory, payload))
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *presence.Client, env v1.Envelope) {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, codeBadEnvelope, "invalid payload")
		return
	}

	msg, err := g.svc.Send(ctx, client.UserID, strings.TrimSpace(p.ReceiverID), p.Text, p.ImageURL)
	if err != nil {
		g.sendSvcError(client, err)
		return
	}

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{Message: chat.WireMessage(msg)})
	g.enqueue(ctx, client, newEnvelope(v1.TypeMessageAck, ackPayload))
}

func (g *WSGateway) onConversationDelete(ctx context.Context, client *presence.Client, env v1.Envelope) {
	var p v1.ConversationDeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, codeBadEnvelope, "invalid payload")
		return
	}

	if err := g.svc.Delete(ctx, client.UserID, strings.TrimSpace(p.ConversationID)); err != nil {
		g.sendSvcError(client, err)
		return
	}

	payload, _ := json.Marshal(v1.ConversationDeletedPayload{ConversationID: p.ConversationID})
	g.enqueue(ctx, client, newEnvelope(v1.TypeConversationDeleted, payload))
}

func (g *WSGateway) onRoomMessageSend(client *presence.Client, env v1.Envelope) {
	var p v1.RoomMessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, codeBadEnvelope, "invalid payload")
		return
	}

	err := g.engine.Relay(strings.TrimSpace(p.RoomKey), client.UserID, p.Text, p.ImageURL)
	switch {
	case err == nil:
	case errors.Is(err, match.ErrRoomGone):
		// Expected race with end-chat/disconnect; drop silently.
	case errors.Is(err, match.ErrNotParticipant):
		g.log.Info("ws.room.reject", "session_id", client.SessionID, "room_key", p.RoomKey)
		g.trySendError(client, codeNotAuthorized, "not a room participant")
	case errors.Is(err, match.ErrInvalidMessage):
		g.trySendError(client, codeValidation, "message needs text or image")
	default:
		g.trySendError(client, codeStorage, err.Error())
	}
}

func (g *WSGateway) onTyping(client *presence.Client, env v1.Envelope) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, codeBadEnvelope, "invalid payload")
		return
	}

	err := g.engine.RelayTyping(strings.TrimSpace(p.RoomKey), client.UserID, p.IsTyping)
	if err != nil && errors.Is(err, match.ErrNotParticipant) {
		g.trySendError(client, codeNotAuthorized, "not a room participant")
	}
	// ErrRoomGone drops silently, same as room messages.
}

func (g *WSGateway) onFriendCheck(ctx context.Context, client *presence.Client, env v1.Envelope) {
	var p v1.FriendCheckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, codeBadEnvelope, "invalid payload")
		return
	}

	other := strings.TrimSpace(p.OtherUserID)
	if other == "" {
		g.trySendError(client, codeValidation, "missing other_user_id")
		return
	}

	isFriend, err := g.graph.IsFriend(ctx, client.UserID, other)
	if err != nil {
		g.trySendError(client, codeStorage, "friend lookup failed")
		return
	}

	payload, _ := json.Marshal(v1.FriendStatusPayload{OtherUserID: other, IsFriend: isFriend})
	g.enqueue(ctx, client, newEnvelope(v1.TypeFriendStatus, payload))
}

// ---- send helpers ----

// sendSvcError maps chat service errors onto wire codes.
func (g *WSGateway) sendSvcError(client *presence.Client, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		g.trySendError(client, codeValidation, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		g.trySendError(client, codeNotFound, err.Error())
	case errors.Is(err, chat.ErrNotAuthorized):
		g.log.Info("ws.authz.reject", "session_id", client.SessionID, "user_id", client.UserID, "err", err)
		g.trySendError(client, codeNotAuthorized, err.Error())
	default:
		// Storage trouble is retryable for the caller; nothing was delivered.
		g.trySendError(client, codeStorage, "temporarily unavailable")
	}
}

func (g *WSGateway) trySendError(client *presence.Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	client.TrySend(newEnvelope(v1.TypeError, p))
}

func (g *WSGateway) enqueue(ctx context.Context, client *presence.Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.NewRandomHex(10),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
