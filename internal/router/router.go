// Package router decides whether inbound chat text is conversation or a
// command dispatch, and drives the side effects of that decision.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reelworks/reelgate/internal/domain"
	"github.com/reelworks/reelgate/internal/executor"
	"github.com/reelworks/reelgate/internal/intent"
	"github.com/reelworks/reelgate/internal/operation"
	"github.com/reelworks/reelgate/internal/store"
)

// ErrEmptyMessage rejects empty or whitespace-only input before it reaches
// the classifier. Soft error: the caller answers the client and moves on.
var ErrEmptyMessage = errors.New("empty message")

// DecisionKind discriminates routing outcomes.
type DecisionKind string

const (
	// DecisionDispatched means a command was recognized and handed to the
	// executor; the operation id correlates everything that follows.
	DecisionDispatched DecisionKind = "dispatched"
	// DecisionReplied means the conversational path produced a reply.
	DecisionReplied DecisionKind = "replied"
	// DecisionThrottled means a command was recognized but the dispatch
	// budget vetoed it. Nothing was dispatched.
	DecisionThrottled DecisionKind = "throttled"
)

// Decision is the outcome of routing one inbound message.
type Decision struct {
	Kind        DecisionKind
	OperationID string
	Command     domain.Command
	Reply       string
	UserTurn    *domain.ChatTurn
	ReplyTurn   *domain.ChatTurn
	RetryAfter  time.Duration

	// Unpersisted is set when the store was unavailable; the live session
	// still gets its events, history catches up later.
	Unpersisted bool

	// Start launches the executor job for a dispatched decision. The caller
	// enqueues its acknowledgments first and then invokes Start exactly
	// once, so no lifecycle event can reach the wire ahead of the dispatch
	// ack. Nil for non-dispatch decisions.
	Start func(ctx context.Context)
}

// DispatchGate lets the caller veto a command dispatch before it happens,
// typically to charge the dispatch rate budget. Nil means always allow.
type DispatchGate func(key string) (ok bool, retryAfter time.Duration)

// Config carries the router's tunables.
type Config struct {
	ConfidenceThreshold float64
	ClassifyTimeout     time.Duration
	ReplyTimeout        time.Duration
	StoreTimeout        time.Duration
	DispatchGate        DispatchGate
}

// Router implements the chat-or-command dispatch path.
type Router struct {
	classifier intent.Classifier
	replies    intent.ReplyGenerator
	tracker    *operation.Tracker
	exec       executor.Executor
	msgs       store.MessageStore
	cfg        Config
	vocabulary []string
}

// New creates a router over the given collaborators.
func New(classifier intent.Classifier, replies intent.ReplyGenerator, tracker *operation.Tracker, exec executor.Executor, msgs store.MessageStore, cfg Config) *Router {
	return &Router{
		classifier: classifier,
		replies:    replies,
		tracker:    tracker,
		exec:       exec,
		msgs:       msgs,
		cfg:        cfg,
		vocabulary: []string{
			string(domain.CommandColorCorrect),
			string(domain.CommandAnalyze),
			string(domain.CommandGenerate),
			string(domain.CommandTranscribe),
			string(domain.CommandTrim),
		},
	}
}

// Route processes one inbound chat message for a session. The user turn is
// always persisted; the outcome is either a dispatched operation or a
// conversational reply. Route never blocks on command completion.
func (r *Router) Route(ctx context.Context, sess *domain.Session, conversationID, text string) (*Decision, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	decision := &Decision{}

	userTurn := &domain.ChatTurn{
		SessionID:      sess.ID,
		ConversationID: conversationID,
		Role:           domain.RoleUser,
		Body:           text,
	}
	if !r.persist(ctx, userTurn) {
		decision.Unpersisted = true
	}
	decision.UserTurn = userTurn

	classified := r.classify(ctx, text)
	if classified != nil {
		cmd := domain.ParseCommand(classified.Command)
		if cmd.Known() && classified.Confidence >= r.cfg.ConfidenceThreshold {
			return r.dispatch(ctx, sess, conversationID, cmd, classified, decision)
		}
		slog.Debug("intent below threshold, falling back to reply",
			"command", classified.Command,
			"confidence", classified.Confidence)
	}

	return r.reply(ctx, sess, conversationID, text, decision)
}

// classify runs the classifier with its timeout. Failures degrade to plain
// conversation: some response beats command precision.
func (r *Router) classify(ctx context.Context, text string) *intent.Intent {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.ClassifyTimeout)
	defer cancel()

	classified, err := r.classifier.Classify(cctx, text, r.vocabulary)
	if err != nil {
		slog.Warn("intent classifier unavailable, using conversational fallback", "error", err)
		return nil
	}
	return classified
}

func (r *Router) dispatch(ctx context.Context, sess *domain.Session, conversationID string, cmd domain.Command, classified *intent.Intent, decision *Decision) (*Decision, error) {
	if r.cfg.DispatchGate != nil {
		if ok, retry := r.cfg.DispatchGate(sess.RateKey()); !ok {
			slog.Info("dispatch throttled", "session_id", sess.ID, "command", cmd, "retry_after", retry)
			decision.Kind = DecisionThrottled
			decision.Command = cmd
			decision.RetryAfter = retry
			return decision, nil
		}
	}

	turnID := uuid.NewString()
	op := r.tracker.Create(sess.ID, turnID, cmd, classified.Parameters)

	placeholder := &domain.ChatTurn{
		ID:             turnID,
		SessionID:      sess.ID,
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Body:           fmt.Sprintf("Working on %s...", cmd),
		OperationID:    op.ID,
	}
	if !r.persist(ctx, placeholder) {
		decision.Unpersisted = true
	}

	decision.Kind = DecisionDispatched
	decision.OperationID = op.ID
	decision.Command = cmd
	decision.ReplyTurn = placeholder

	job := executor.Job{
		OperationID: op.ID,
		Command:     cmd,
		Parameters:  classified.Parameters,
	}
	decision.Start = func(ctx context.Context) {
		err := r.exec.Execute(ctx, job, r.trackerCallbacks())
		if err != nil {
			// Synchronous rejection: the operation fails before it starts
			// but the dispatch decision stands; the failure reaches the
			// client as a terminal operation event.
			slog.Warn("executor rejected dispatch", "operation_id", op.ID, "command", cmd, "error", err)
			if ferr := r.tracker.MarkFailed(op.ID, err.Error()); ferr != nil {
				slog.Warn("failed to mark rejected operation", "operation_id", op.ID, "error", ferr)
			}
		}
	}

	return decision, nil
}

func (r *Router) reply(ctx context.Context, sess *domain.Session, conversationID, text string, decision *Decision) (*Decision, error) {
	history := r.history(ctx, conversationID)

	rctx, cancel := context.WithTimeout(ctx, r.cfg.ReplyTimeout)
	defer cancel()

	content, err := r.replies.Reply(rctx, history, text)
	if err != nil {
		slog.Warn("reply generation failed, using default reply", "error", err)
		content = intent.DefaultFallbackReply
	}

	replyTurn := &domain.ChatTurn{
		SessionID:      sess.ID,
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Body:           content,
	}
	if !r.persist(ctx, replyTurn) {
		decision.Unpersisted = true
	}

	decision.Kind = DecisionReplied
	decision.Reply = content
	decision.ReplyTurn = replyTurn
	return decision, nil
}

func (r *Router) history(ctx context.Context, conversationID string) []*domain.ChatTurn {
	hctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	turns, err := r.msgs.ListByConversation(hctx, conversationID, store.Page{Limit: 200})
	if err != nil {
		slog.Warn("failed to load conversation history", "conversation_id", conversationID, "error", err)
		return nil
	}
	return turns
}

// persist appends a turn within the store timeout. Returns false when the
// store is unavailable; the turn still flows to the live session.
func (r *Router) persist(ctx context.Context, turn *domain.ChatTurn) bool {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if _, err := r.msgs.AppendTurn(sctx, turn); err != nil {
		slog.Warn("message store unavailable, turn not persisted", "turn_id", turn.ID, "error", err)
		return false
	}
	return true
}

// trackerCallbacks adapts executor callbacks onto tracker transitions.
// Invalid transitions (duplicate callbacks, post-terminal reports) are
// logged by the tracker and dropped here.
func (r *Router) trackerCallbacks() executor.Callbacks {
	ignore := func(err error, operationID, what string) {
		if err != nil && !errors.Is(err, operation.ErrInvalidTransition) {
			slog.Warn("operation transition failed", "operation_id", operationID, "transition", what, "error", err)
		}
	}
	return executor.Callbacks{
		OnStart: func(id string) {
			ignore(r.tracker.MarkStarted(id), id, "start")
		},
		OnProgress: func(id string, p int) {
			ignore(r.tracker.ReportProgress(id, p), id, "progress")
		},
		OnComplete: func(id string, result json.RawMessage) {
			ignore(r.tracker.MarkCompleted(id, result), id, "complete")
		},
		OnFail: func(id string, err error) {
			ignore(r.tracker.MarkFailed(id, err.Error()), id, "fail")
		},
	}
}
