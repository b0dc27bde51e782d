// Package gateway owns the websocket surface: handshake, the per-connection
// event loops, rate limiting and fan-out of operation lifecycle events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/reelworks/reelgate/internal/auth"
	"github.com/reelworks/reelgate/internal/domain"
	"github.com/reelworks/reelgate/internal/executor"
	"github.com/reelworks/reelgate/internal/operation"
	"github.com/reelworks/reelgate/internal/ratelimit"
	"github.com/reelworks/reelgate/internal/router"
	"github.com/reelworks/reelgate/internal/session"
	"github.com/reelworks/reelgate/internal/store"
)

const defaultHistoryLimit = 100

// Options carries the gateway's connection policy.
type Options struct {
	// AuthRequired rejects handshakes without a valid credential. When
	// false, credential-less clients get an anonymous identity.
	AuthRequired     bool
	HandshakeTimeout time.Duration
	StoreTimeout     time.Duration
	AllowedOrigin    string
	IsDev            bool
}

// Gateway upgrades connections, authenticates them and routes their events.
type Gateway struct {
	opts     Options
	registry *session.Registry
	limiter  *ratelimit.Limiter
	router   *router.Router
	tracker  *operation.Tracker
	exec     executor.Executor
	authn    auth.Authenticator
	msgs     store.MessageStore

	mu      sync.RWMutex
	clients map[string]*client
}

// New creates the gateway over its collaborators.
func New(opts Options, registry *session.Registry, limiter *ratelimit.Limiter, rt *router.Router, tracker *operation.Tracker, exec executor.Executor, authn auth.Authenticator, msgs store.MessageStore) *Gateway {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Gateway{
		opts:     opts,
		registry: registry,
		limiter:  limiter,
		router:   rt,
		tracker:  tracker,
		exec:     exec,
		authn:    authn,
		msgs:     msgs,
		clients:  make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and drives the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("connection handler panicked", "panic", rec, "ip", r.RemoteAddr)
		}
	}()

	identity, err := g.handshake(ctx, conn)
	if err != nil {
		slog.Info("handshake rejected", "ip", r.RemoteAddr, "error", err)
		return
	}

	sess := g.registry.Register(identity, r.RemoteAddr)
	defer g.registry.Remove(sess.ID)

	cl := newClient(sess, conn)
	g.attach(cl)
	defer g.detach(cl)

	go cl.writeLoop(ctx)

	cl.send(outEvent{Type: EventAuthOK, Payload: authOKPayload{
		SessionID: sess.ID,
		Identity:  identity,
	}})

	g.readLoop(ctx, cl)
	slog.Info("connection closed", "session_id", sess.ID, "identity", identity.Key())
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || g.opts.AllowedOrigin == "" || g.opts.AllowedOrigin == "*" {
		return true
	}
	if origin == g.opts.AllowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", g.opts.AllowedOrigin)
	return false
}

// handshake reads the first frame, which must be an auth event, and resolves
// the identity for the connection. Failures close the socket with a policy
// status; the client learns the reason from the error.auth event first.
func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn) (domain.Identity, error) {
	hctx, cancel := context.WithTimeout(ctx, g.opts.HandshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(hctx)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("read handshake frame: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuth {
		g.rejectHandshake(ctx, conn, "auth frame expected")
		return domain.Identity{}, errors.New("first frame was not auth")
	}

	var payload authPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			g.rejectHandshake(ctx, conn, "malformed auth payload")
			return domain.Identity{}, fmt.Errorf("decode auth payload: %w", err)
		}
	}

	if payload.Credential == "" {
		if g.opts.AuthRequired {
			g.rejectHandshake(ctx, conn, "credential required")
			return domain.Identity{}, errors.New("credential required")
		}
		pseudoID, err := auth.NewPseudoID()
		if err != nil {
			return domain.Identity{}, err
		}
		return domain.Anonymous(pseudoID), nil
	}

	identity, err := g.authn.Verify(hctx, payload.Credential)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) {
			g.rejectHandshake(ctx, conn, "invalid credential")
		} else {
			g.rejectHandshake(ctx, conn, "authentication unavailable")
		}
		return domain.Identity{}, fmt.Errorf("verify credential: %w", err)
	}
	return identity, nil
}

func (g *Gateway) rejectHandshake(ctx context.Context, conn *websocket.Conn, reason string) {
	evt := outEvent{Type: EventAuthError, Payload: authErrorPayload{Reason: reason}}
	if data, err := json.Marshal(evt); err == nil {
		wctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if werr := conn.Write(wctx, websocket.MessageText, data); werr != nil {
			slog.Debug("failed to send auth error", "error", werr)
		}
	}
	if err := conn.Close(websocket.StatusPolicyViolation, reason); err != nil {
		slog.Debug("failed to close rejected connection", "error", err)
	}
}

func (g *Gateway) readLoop(ctx context.Context, cl *client) {
	for {
		_, data, err := cl.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "session_id", cl.sess.ID)
			} else if ctx.Err() == nil {
				slog.Warn("websocket read error", "session_id", cl.sess.ID, "error", err)
			}
			return
		}

		g.registry.Touch(cl.sess.ID)

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			cl.send(errorEvent("malformed_frame", "frames must be JSON envelopes"))
			continue
		}

		switch env.Type {
		case EventChatSend:
			g.handleChatSend(ctx, cl, env.Payload)
		case EventOperationCancel:
			g.handleOperationCancel(cl, env.Payload)
		case EventHistoryFetch:
			g.handleHistoryFetch(ctx, cl, env.Payload)
		case EventAuth:
			cl.send(errorEvent("already_authenticated", "session is already established"))
		default:
			cl.send(errorEvent("unknown_event", "unsupported event type: "+env.Type))
		}
	}
}

func (g *Gateway) handleChatSend(ctx context.Context, cl *client, raw json.RawMessage) {
	var payload chatSendPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		cl.send(errorEvent("malformed_payload", "chat.send payload invalid"))
		return
	}

	if ok, retry := g.limiter.Allow(ratelimit.CategoryChat, cl.sess.RateKey(), 1); !ok {
		cl.send(rateLimitedEvent(ratelimit.CategoryChat, retry))
		return
	}

	conversationID := payload.ConversationID
	if conversationID == "" {
		conversationID = cl.sess.ID
	}

	decision, err := g.router.Route(ctx, cl.sess, conversationID, payload.Body)
	if err != nil {
		if errors.Is(err, router.ErrEmptyMessage) {
			cl.send(errorEvent("empty_message", "message body is empty"))
			return
		}
		slog.Error("routing failed", "session_id", cl.sess.ID, "error", err)
		cl.send(errorEvent("internal", "failed to process message"))
		return
	}

	if decision.Kind == router.DecisionThrottled {
		cl.send(rateLimitedEvent(ratelimit.CategoryDispatch, decision.RetryAfter))
		return
	}

	cl.send(outEvent{Type: EventChatReceived, Payload: chatReceivedPayload{
		TurnID:         decision.UserTurn.ID,
		ConversationID: conversationID,
		Persisted:      !decision.Unpersisted,
	}})

	switch decision.Kind {
	case router.DecisionDispatched:
		cl.send(outEvent{Type: EventOperationStarted, Payload: operationPayload{
			OperationID: decision.OperationID,
			TurnID:      decision.ReplyTurn.ID,
			Command:     string(decision.Command),
		}})
		// The job starts only after the ack is enqueued, so lifecycle
		// events cannot overtake operation.started on the wire.
		decision.Start(ctx)
	case router.DecisionReplied:
		cl.send(outEvent{Type: EventChatReply, Payload: chatReplyPayload{
			TurnID:         decision.ReplyTurn.ID,
			ConversationID: conversationID,
			Body:           decision.Reply,
		}})
	}
}

// handleOperationCancel aborts an in-flight operation. Only the owning
// session may cancel; everyone else sees not-found.
func (g *Gateway) handleOperationCancel(cl *client, raw json.RawMessage) {
	var payload operationCancelPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.OperationID == "" {
		cl.send(errorEvent("malformed_payload", "operation.cancel payload invalid"))
		return
	}

	op, err := g.tracker.Get(payload.OperationID)
	if err != nil || op.SessionID != cl.sess.ID {
		cl.send(errorEvent("operation_not_found", "no such operation"))
		return
	}
	if op.State.Terminal() {
		cl.send(errorEvent("operation_finished", "operation already finished"))
		return
	}

	g.exec.Cancel(op.ID)
}

func (g *Gateway) handleHistoryFetch(ctx context.Context, cl *client, raw json.RawMessage) {
	var payload historyFetchPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		cl.send(errorEvent("malformed_payload", "history.fetch payload invalid"))
		return
	}
	if payload.ConversationID == "" {
		payload.ConversationID = cl.sess.ID
	}
	if payload.Limit <= 0 || payload.Limit > defaultHistoryLimit {
		payload.Limit = defaultHistoryLimit
	}

	sctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	defer cancel()

	turns, err := g.msgs.ListByConversation(sctx, payload.ConversationID, store.Page{
		Offset: payload.Offset,
		Limit:  payload.Limit,
	})
	if err != nil {
		slog.Warn("history fetch failed", "session_id", cl.sess.ID, "error", err)
		cl.send(errorEvent("history_unavailable", "failed to load history"))
		return
	}

	cl.send(outEvent{Type: EventHistory, Payload: historyPayload{
		ConversationID: payload.ConversationID,
		Turns:          turns,
		Operations:     g.tracker.ListBySession(cl.sess.ID),
	}})
}

// Run consumes operation state changes, mirrors terminal outcomes into the
// message store and delivers events to the owning session if it is still
// connected. Results for disconnected sessions persist but are not delivered.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-g.tracker.Events():
			g.handleStateChange(ctx, change)
		}
	}
}

func (g *Gateway) handleStateChange(ctx context.Context, change operation.StateChange) {
	op := change.Operation

	var evt outEvent
	switch op.State {
	case domain.OperationProcessing:
		evt = outEvent{Type: EventOperationProgress, Payload: operationPayload{
			OperationID: op.ID,
			TurnID:      op.TurnID,
			Progress:    op.Progress,
		}}
	case domain.OperationCompleted:
		g.mirrorOutcome(ctx, op)
		evt = outEvent{Type: EventOperationCompleted, Payload: operationPayload{
			OperationID: op.ID,
			TurnID:      op.TurnID,
			Command:     string(op.Command),
			Progress:    op.Progress,
			Result:      op.Result,
		}}
	case domain.OperationFailed:
		g.mirrorOutcome(ctx, op)
		evt = outEvent{Type: EventOperationFailed, Payload: operationPayload{
			OperationID: op.ID,
			TurnID:      op.TurnID,
			Command:     string(op.Command),
			Error:       op.Error,
		}}
	default:
		return
	}

	g.mu.RLock()
	cl, ok := g.clients[op.SessionID]
	g.mu.RUnlock()
	if !ok {
		slog.Debug("session gone, dropping operation event",
			"session_id", op.SessionID, "operation_id", op.ID, "state", op.State)
		return
	}
	cl.send(evt)
}

// mirrorOutcome rewrites the placeholder turn so stored history reflects the
// final outcome even when nobody is connected to see it.
func (g *Gateway) mirrorOutcome(ctx context.Context, op domain.Operation) {
	if op.TurnID == "" {
		return
	}

	var body string
	if op.State == domain.OperationCompleted {
		body = fmt.Sprintf("%s completed.", op.Command)
	} else {
		body = fmt.Sprintf("%s failed: %s", op.Command, op.Error)
	}

	sctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	defer cancel()

	err := g.msgs.UpdateTurn(sctx, op.TurnID, domain.TurnPatch{Body: &body})
	if err != nil && !errors.Is(err, store.ErrTurnNotFound) {
		slog.Warn("failed to mirror operation outcome",
			"operation_id", op.ID, "turn_id", op.TurnID, "error", err)
	}
}

func (g *Gateway) attach(cl *client) {
	g.mu.Lock()
	g.clients[cl.sess.ID] = cl
	g.mu.Unlock()
}

func (g *Gateway) detach(cl *client) {
	g.mu.Lock()
	delete(g.clients, cl.sess.ID)
	g.mu.Unlock()
	cl.close()
}

func errorEvent(code, message string) outEvent {
	return outEvent{Type: EventError, Payload: errorPayload{Code: code, Message: message}}
}

func rateLimitedEvent(cat ratelimit.Category, retry time.Duration) outEvent {
	return outEvent{Type: EventRateLimited, Payload: rateLimitedPayload{
		Category:     string(cat),
		RetryAfterMs: retry.Milliseconds(),
	}}
}
