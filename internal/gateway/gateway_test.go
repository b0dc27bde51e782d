package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/reelworks/reelgate/internal/auth"
	"github.com/reelworks/reelgate/internal/domain"
	"github.com/reelworks/reelgate/internal/executor"
	"github.com/reelworks/reelgate/internal/intent"
	"github.com/reelworks/reelgate/internal/operation"
	"github.com/reelworks/reelgate/internal/ratelimit"
	"github.com/reelworks/reelgate/internal/router"
	"github.com/reelworks/reelgate/internal/session"
	"github.com/reelworks/reelgate/internal/store"
)

type fakeClassifier struct {
	result *intent.Intent
}

func (f *fakeClassifier) Classify(context.Context, string, []string) (*intent.Intent, error) {
	return f.result, nil
}

type fakeReplier struct {
	reply string
}

func (f *fakeReplier) Reply(context.Context, []*domain.ChatTurn, string) (string, error) {
	return f.reply, nil
}

type fakeAuth struct{}

func (fakeAuth) Verify(_ context.Context, credential string) (domain.Identity, error) {
	if credential == "u1:good" {
		return domain.Authenticated("u1", "editor"), nil
	}
	return domain.Identity{}, auth.ErrInvalidCredential
}

type memStore struct {
	mu    sync.Mutex
	turns []*domain.ChatTurn
}

func (m *memStore) AppendTurn(_ context.Context, turn *domain.ChatTurn) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *turn
	m.turns = append(m.turns, &cp)
	return turn.ID, nil
}

func (m *memStore) UpdateTurn(_ context.Context, turnID string, patch domain.TurnPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.turns {
		if t.ID == turnID {
			if patch.Body != nil {
				t.Body = *patch.Body
			}
			if patch.OperationID != nil {
				t.OperationID = *patch.OperationID
			}
			return nil
		}
	}
	return store.ErrTurnNotFound
}

func (m *memStore) ListByConversation(_ context.Context, conversationID string, _ store.Page) ([]*domain.ChatTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ChatTurn
	for _, t := range m.turns {
		if t.ConversationID == conversationID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) body(turnID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.turns {
		if t.ID == turnID {
			return t.Body
		}
	}
	return ""
}

type testConfig struct {
	authRequired bool
	chatMax      int
	dispatchMax  int
	classifier   *fakeClassifier
	replier      *fakeReplier
	handlers     map[domain.Command]executor.Handler
}

type fixture struct {
	srv     *httptest.Server
	msgs    *memStore
	tracker *operation.Tracker
}

func newFixture(t *testing.T, cfg testConfig) *fixture {
	t.Helper()

	if cfg.chatMax == 0 {
		cfg.chatMax = 100
	}
	if cfg.dispatchMax == 0 {
		cfg.dispatchMax = 100
	}
	if cfg.classifier == nil {
		cfg.classifier = &fakeClassifier{}
	}
	if cfg.replier == nil {
		cfg.replier = &fakeReplier{reply: "hello from the assistant"}
	}

	limiter := ratelimit.New(map[ratelimit.Category]ratelimit.Limit{
		ratelimit.CategoryChat:     {MaxEvents: cfg.chatMax, Window: time.Minute},
		ratelimit.CategoryDispatch: {MaxEvents: cfg.dispatchMax, Window: time.Minute},
	})

	reg := executor.NewRegistry()
	for cmd, h := range cfg.handlers {
		reg.Register(cmd, h)
	}
	pool := executor.NewPool(reg, 2, 8)
	pool.Start(2)
	t.Cleanup(pool.Stop)

	msgs := &memStore{}
	tracker := operation.NewTracker(64)

	rt := router.New(cfg.classifier, cfg.replier, tracker, pool, msgs, router.Config{
		ConfidenceThreshold: 0.5,
		ClassifyTimeout:     time.Second,
		ReplyTimeout:        time.Second,
		StoreTimeout:        time.Second,
		DispatchGate: func(key string) (bool, time.Duration) {
			return limiter.Allow(ratelimit.CategoryDispatch, key, 1)
		},
	})

	gw := New(Options{
		AuthRequired:     cfg.authRequired,
		HandshakeTimeout: 2 * time.Second,
		StoreTimeout:     time.Second,
		IsDev:            true,
	}, session.NewRegistry(), limiter, rt, tracker, pool, fakeAuth{}, msgs)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Run(ctx)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, msgs: msgs, tracker: tracker}
}

func dial(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, err := json.Marshal(outEvent{Type: eventType, Payload: payload})
	if err != nil {
		t.Fatalf("marshal %s: %v", eventType, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return env
}

// waitFor reads events until one matches the wanted type. Progress events
// and other interleavings are skipped.
func waitFor(t *testing.T, conn *websocket.Conn, eventType string) envelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := readEvent(t, conn)
		if env.Type == eventType {
			return env
		}
	}
	t.Fatalf("never saw %s event", eventType)
	return envelope{}
}
func authenticate(t *testing.T, conn *websocket.Conn, credential string) authOKPayload {
	t.Helper()
	sendEvent(t, conn, EventAuth, authPayload{Credential: credential})
	env := readEvent(t, conn)
	if env.Type != EventAuthOK {
		t.Fatalf("expected auth.ok, got %s: %s", env.Type, env.Payload)
	}
	var ok authOKPayload
	if err := json.Unmarshal(env.Payload, &ok); err != nil {
		t.Fatalf("decode auth.ok: %v", err)
	}
	return ok
}

func TestGateway_AnonymousHandshake(t *testing.T) {
	f := newFixture(t, testConfig{})
	conn := dial(t, f)

	ok := authenticate(t, conn, "")
	if ok.SessionID == "" {
		t.Error("expected a session id")
	}
	if ok.Identity.Kind != domain.IdentityAnonymous {
		t.Errorf("expected anonymous identity, got %s", ok.Identity.Kind)
	}
	if !strings.HasPrefix(ok.Identity.PseudoID, "anon_") {
		t.Errorf("unexpected pseudo id: %q", ok.Identity.PseudoID)
	}
}

func TestGateway_AuthenticatedHandshake(t *testing.T) {
	f := newFixture(t, testConfig{})
	conn := dial(t, f)

	ok := authenticate(t, conn, "u1:good")
	if !ok.Identity.IsAuthenticated() || ok.Identity.UserID != "u1" {
		t.Errorf("expected authenticated u1, got %+v", ok.Identity)
	}
}

func TestGateway_InvalidCredentialRejected(t *testing.T) {
	f := newFixture(t, testConfig{})
	conn := dial(t, f)

	sendEvent(t, conn, EventAuth, authPayload{Credential: "u1:wrong"})
	env := readEvent(t, conn)
	if env.Type != EventAuthError {
		t.Fatalf("expected error.auth, got %s", env.Type)
	}
}

func TestGateway_AuthRequiredRejectsAnonymous(t *testing.T) {
	f := newFixture(t, testConfig{authRequired: true})
	conn := dial(t, f)

	sendEvent(t, conn, EventAuth, authPayload{})
	env := readEvent(t, conn)
	if env.Type != EventAuthError {
		t.Fatalf("expected error.auth, got %s", env.Type)
	}
	var payload authErrorPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode error.auth: %v", err)
	}
	if payload.Reason != "credential required" {
		t.Errorf("unexpected reason: %q", payload.Reason)
	}
}

func TestGateway_FirstFrameMustBeAuth(t *testing.T) {
	f := newFixture(t, testConfig{})
	conn := dial(t, f)

	sendEvent(t, conn, EventChatSend, chatSendPayload{Body: "hi"})
	env := readEvent(t, conn)
	if env.Type != EventAuthError {
		t.Fatalf("expected error.auth, got %s", env.Type)
	}
}

func TestGateway_ConversationFlow(t *testing.T) {
	f := newFixture(t, testConfig{replier: &fakeReplier{reply: "nice footage!"}})
	conn := dial(t, f)
	authenticate(t, conn, "")

	sendEvent(t, conn, EventChatSend, chatSendPayload{ConversationID: "conv-1", Body: "what do you think?"})

	env := readEvent(t, conn)
	if env.Type != EventChatReceived {
		t.Fatalf("expected chat.received first, got %s", env.Type)
	}
	var received chatReceivedPayload
	if err := json.Unmarshal(env.Payload, &received); err != nil {
		t.Fatalf("decode chat.received: %v", err)
	}
	if !received.Persisted || received.TurnID == "" {
		t.Errorf("unexpected ack: %+v", received)
	}

	env = readEvent(t, conn)
	if env.Type != EventChatReply {
		t.Fatalf("expected chat.reply, got %s", env.Type)
	}
	var reply chatReplyPayload
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		t.Fatalf("decode chat.reply: %v", err)
	}
	if reply.Body != "nice footage!" {
		t.Errorf("unexpected reply: %q", reply.Body)
	}
}

func TestGateway_CommandDispatchFlow(t *testing.T) {
	f := newFixture(t, testConfig{
		classifier: &fakeClassifier{result: &intent.Intent{
			Command:    "color_correct",
			Parameters: json.RawMessage(`{"warmth":0.8}`),
			Confidence: 0.9,
		}},
		handlers: map[domain.Command]executor.Handler{
			domain.CommandColorCorrect: func(_ context.Context, _ executor.Job, progress func(int)) (json.RawMessage, error) {
				progress(50)
				return json.RawMessage(`{"url":"graded.mp4"}`), nil
			},
		},
	})
	conn := dial(t, f)
	authenticate(t, conn, "")

	sendEvent(t, conn, EventChatSend, chatSendPayload{ConversationID: "conv-1", Body: "warm up the colors"})

	// The job starts only after the acks are enqueued, so chat.received and
	// operation.started always precede lifecycle events for the operation.
	env := readEvent(t, conn)
	if env.Type != EventChatReceived {
		t.Fatalf("expected chat.received first, got %s", env.Type)
	}
	env = readEvent(t, conn)
	if env.Type != EventOperationStarted {
		t.Fatalf("expected operation.started second, got %s", env.Type)
	}
	var started operationPayload
	if err := json.Unmarshal(env.Payload, &started); err != nil {
		t.Fatalf("decode operation.started: %v", err)
	}
	if started.Command != "color_correct" || started.OperationID == "" {
		t.Fatalf("unexpected start event: %+v", started)
	}

	env = waitFor(t, conn, EventOperationCompleted)
	var completed operationPayload
	if err := json.Unmarshal(env.Payload, &completed); err != nil {
		t.Fatalf("decode operation.completed: %v", err)
	}
	if completed.OperationID != started.OperationID {
		t.Error("completion not correlated to the started operation")
	}
	if !strings.Contains(string(completed.Result), "graded.mp4") {
		t.Errorf("unexpected result: %s", completed.Result)
	}

	// Stored history reflects the outcome: the placeholder turn was
	// rewritten before the completion event was delivered.
	if got := f.msgs.body(started.TurnID); got != "color_correct completed." {
		t.Errorf("placeholder not mirrored, body = %q", got)
	}

	op, err := f.tracker.Get(started.OperationID)
	if err != nil {
		t.Fatalf("operation lookup: %v", err)
	}
	if op.State != domain.OperationCompleted || op.Progress != 100 {
		t.Errorf("unexpected final operation: state=%s progress=%d", op.State, op.Progress)
	}
}

func TestGateway_DispatchAckPrecedesLifecycleEvents(t *testing.T) {
	// An instantly-completing handler maximizes the chance of lifecycle
	// events overtaking the dispatch ack if the two were ever reordered.
	f := newFixture(t, testConfig{
		classifier: &fakeClassifier{result: &intent.Intent{
			Command:    "trim_clip",
			Confidence: 0.9,
		}},
		handlers: map[domain.Command]executor.Handler{
			domain.CommandTrim: func(context.Context, executor.Job, func(int)) (json.RawMessage, error) {
				return json.RawMessage(`{}`), nil
			},
		},
	})
	conn := dial(t, f)
	authenticate(t, conn, "")

	for round := 0; round < 20; round++ {
		sendEvent(t, conn, EventChatSend, chatSendPayload{Body: "trim the opening"})

		started := false
		for {
			env := readEvent(t, conn)
			switch env.Type {
			case EventChatReceived:
				continue
			case EventOperationStarted:
				started = true
				continue
			case EventOperationProgress:
				if !started {
					t.Fatalf("round %d: progress before operation.started", round)
				}
			case EventOperationCompleted:
				if !started {
					t.Fatalf("round %d: completion before operation.started", round)
				}
			default:
				t.Fatalf("round %d: unexpected event %s", round, env.Type)
			}
			if env.Type == EventOperationCompleted {
				break
			}
		}
	}
}

func TestGateway_ChatRateLimited(t *testing.T) {
	f := newFixture(t, testConfig{chatMax: 1})
	conn := dial(t, f)
	authenticate(t, conn, "")

	sendEvent(t, conn, EventChatSend, chatSendPayload{Body: "first"})
	waitFor(t, conn, EventChatReply)

	sendEvent(t, conn, EventChatSend, chatSendPayload{Body: "second"})
	env := readEvent(t, conn)
	if env.Type != EventRateLimited {
		t.Fatalf("expected error.rateLimited, got %s", env.Type)
	}
	var limited rateLimitedPayload
	if err := json.Unmarshal(env.Payload, &limited); err != nil {
		t.Fatalf("decode error.rateLimited: %v", err)
	}
	if limited.Category != "chat" {
		t.Errorf("unexpected category: %q", limited.Category)
	}
	if limited.RetryAfterMs <= 0 {
		t.Errorf("expected positive retryAfterMs, got %d", limited.RetryAfterMs)
	}
}

func TestGateway_DispatchRateLimited(t *testing.T) {
	f := newFixture(t, testConfig{
		dispatchMax: 1,
		classifier: &fakeClassifier{result: &intent.Intent{
			Command:    "transcribe",
			Confidence: 0.9,
		}},
		handlers: map[domain.Command]executor.Handler{
			domain.CommandTranscribe: func(context.Context, executor.Job, func(int)) (json.RawMessage, error) {
				return json.RawMessage(`{}`), nil
			},
		},
	})
	conn := dial(t, f)
	authenticate(t, conn, "")

	sendEvent(t, conn, EventChatSend, chatSendPayload{Body: "transcribe clip one"})
	waitFor(t, conn, EventOperationStarted)

	sendEvent(t, conn, EventChatSend, chatSendPayload{Body: "transcribe clip two"})
	env := waitFor(t, conn, EventRateLimited)
	var limited rateLimitedPayload
	if err := json.Unmarshal(env.Payload, &limited); err != nil {
		t.Fatalf("decode error.rateLimited: %v", err)
	}
	if limited.Category != "dispatch" {
		t.Errorf("unexpected category: %q", limited.Category)
	}
}

func TestGateway_EmptyMessageRejected(t *testing.T) {
	f := newFixture(t, testConfig{})
	conn := dial(t, f)
	authenticate(t, conn, "")

	sendEvent(t, conn, EventChatSend, chatSendPayload{Body: "   "})
	env := readEvent(t, conn)
	if env.Type != EventError {
		t.Fatalf("expected error, got %s", env.Type)
	}
	var payload errorPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Code != "empty_message" {
		t.Errorf("unexpected code: %q", payload.Code)
	}
}

func TestGateway_HistoryFetch(t *testing.T) {
	f := newFixture(t, testConfig{})
	conn := dial(t, f)
	authenticate(t, conn, "")

	sendEvent(t, conn, EventChatSend, chatSendPayload{ConversationID: "conv-h", Body: "hello"})
	waitFor(t, conn, EventChatReply)

	sendEvent(t, conn, EventHistoryFetch, historyFetchPayload{ConversationID: "conv-h"})
	env := waitFor(t, conn, EventHistory)
	var history historyPayload
	if err := json.Unmarshal(env.Payload, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if history.ConversationID != "conv-h" {
		t.Errorf("unexpected conversation: %q", history.ConversationID)
	}
	if len(history.Turns) != 2 {
		t.Errorf("expected user turn and reply, got %d turns", len(history.Turns))
	}
}

func TestGateway_CancelOperation(t *testing.T) {
	running := make(chan struct{})
	f := newFixture(t, testConfig{
		classifier: &fakeClassifier{result: &intent.Intent{
			Command:    "generate_video",
			Confidence: 0.9,
		}},
		handlers: map[domain.Command]executor.Handler{
			domain.CommandGenerate: func(ctx context.Context, _ executor.Job, _ func(int)) (json.RawMessage, error) {
				close(running)
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	})
	conn := dial(t, f)
	authenticate(t, conn, "")

	sendEvent(t, conn, EventChatSend, chatSendPayload{Body: "make me a sunset video"})
	env := waitFor(t, conn, EventOperationStarted)
	var started operationPayload
	if err := json.Unmarshal(env.Payload, &started); err != nil {
		t.Fatalf("decode operation.started: %v", err)
	}

	<-running
	sendEvent(t, conn, EventOperationCancel, operationCancelPayload{OperationID: started.OperationID})

	env = waitFor(t, conn, EventOperationFailed)
	var failed operationPayload
	if err := json.Unmarshal(env.Payload, &failed); err != nil {
		t.Fatalf("decode operation.failed: %v", err)
	}
	if failed.OperationID != started.OperationID {
		t.Error("failure not correlated to the canceled operation")
	}
}

func TestGateway_CancelForeignOperationDenied(t *testing.T) {
	f := newFixture(t, testConfig{})
	conn := dial(t, f)
	authenticate(t, conn, "")

	sendEvent(t, conn, EventOperationCancel, operationCancelPayload{OperationID: "someone-elses"})
	env := readEvent(t, conn)
	if env.Type != EventError {
		t.Fatalf("expected error, got %s", env.Type)
	}
	var payload errorPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Code != "operation_not_found" {
		t.Errorf("unexpected code: %q", payload.Code)
	}
}

func TestGateway_ResultAfterDisconnectStillPersisted(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, testConfig{
		classifier: &fakeClassifier{result: &intent.Intent{
			Command:    "transcribe",
			Confidence: 0.9,
		}},
		handlers: map[domain.Command]executor.Handler{
			domain.CommandTranscribe: func(ctx context.Context, _ executor.Job, _ func(int)) (json.RawMessage, error) {
				select {
				case <-release:
					return json.RawMessage(`{"text":"..."}`), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
	})
	conn := dial(t, f)
	authenticate(t, conn, "")

	sendEvent(t, conn, EventChatSend, chatSendPayload{Body: "transcribe the interview"})
	env := waitFor(t, conn, EventOperationStarted)
	var started operationPayload
	if err := json.Unmarshal(env.Payload, &started); err != nil {
		t.Fatalf("decode operation.started: %v", err)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	close(release)

	// The session is gone; the outcome must still land in stored history.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.msgs.body(started.TurnID) == "transcribe completed." {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("placeholder never mirrored, body = %q", f.msgs.body(started.TurnID))
}
