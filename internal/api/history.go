package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reelworks/reelgate/internal/domain"
	"github.com/reelworks/reelgate/internal/store"
)

const maxHistoryPage = 200

// HistoryHandler serves stored conversation history over plain HTTP, so
// clients can backfill without holding a websocket open.
type HistoryHandler struct {
	msgs    store.MessageStore
	timeout time.Duration
}

// NewHistoryHandler creates a history handler over the message store.
func NewHistoryHandler(msgs store.MessageStore, timeout time.Duration) *HistoryHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HistoryHandler{msgs: msgs, timeout: timeout}
}

type historyResponse struct {
	ConversationID string             `json:"conversation_id"`
	Offset         int                `json:"offset"`
	Limit          int                `json:"limit"`
	Turns          []*domain.ChatTurn `json:"turns"`
}

// ListTurns returns one page of a conversation, oldest first.
func (h *HistoryHandler) ListTurns(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		Error(w, http.StatusBadRequest, "conversation id required")
		return
	}

	page := store.Page{Limit: 50}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid offset")
			return
		}
		page.Offset = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		page.Limit = n
	}
	if page.Limit > maxHistoryPage {
		page.Limit = maxHistoryPage
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	turns, err := h.msgs.ListByConversation(ctx, conversationID, page)
	if err != nil {
		slog.Error("failed to list conversation turns", "conversation_id", conversationID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if turns == nil {
		turns = []*domain.ChatTurn{}
	}

	JSON(w, http.StatusOK, historyResponse{
		ConversationID: conversationID,
		Offset:         page.Offset,
		Limit:          page.Limit,
		Turns:          turns,
	})
}

// RegisterRoutes registers the history routes.
func (h *HistoryHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/conversations/{conversationID}/turns", h.ListTurns)
}
